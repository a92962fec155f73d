package app

import (
	"errors"
	"fmt"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandSync はプロバイダーの同期を1回実行して終了することを示す。
	// 外部スケジューラ（cron等）からの定期実行用。
	CommandSync Command = "sync"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Usage はサブコマンドの一覧。
const Usage = `usage: vitalsync [command]

commands:
  serve                 start the API server (default)
  migrate [down [N]]    apply migrations, or roll back N steps (default 1)
  sync <provider>       run one sync for the provider and exit
  healthcheck           query /health on the local server`

// ErrUnknownCommand はサポート外のサブコマンドが指定された場合に返る。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。
// cronの設定ミスでサーバーが起動しないよう、サポート外のコマンドはErrUnknownCommandとする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandMigrate, CommandSync, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w: %q\n%s", ErrUnknownCommand, args[0], Usage)
	}
}
