package model

import (
	"errors"
	"fmt"
)

// ErrNoCredential はプロバイダーの認可情報が保存されていないことを示す。
var ErrNoCredential = errors.New("credential not found")

// ErrUnknownProvider は登録されていないプロバイダーが指定されたことを示す。
var ErrUnknownProvider = errors.New("unknown provider")

// ErrSyncUnsupported は測定値の同期に対応していないプロバイダーが指定されたことを示す。
var ErrSyncUnsupported = errors.New("provider does not support measurement sync")

// AuthExchangeError は認可コードの交換に失敗したことを表す。
// 通信エラーとプロバイダーによる拒否（無効・期限切れのコード）の両方を含む。
type AuthExchangeError struct {
	Provider Provider
	Err      error
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("%s: authorization code exchange failed: %v", e.Provider, e.Err)
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// NoCredentialError は認可情報が未保存のプロバイダーに対してトークンを要求したことを表す。
// errors.Is(err, ErrNoCredential) で判定できる。
type NoCredentialError struct {
	Provider Provider
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, ErrNoCredential)
}

func (e *NoCredentialError) Unwrap() error { return ErrNoCredential }

// RefreshError はリフレッシュトークンによる更新に失敗したことを表す。
// 呼び出し元はユーザーによる再認可が必要なものとして扱う。
type RefreshError struct {
	Provider Provider
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%s: token refresh failed, re-authorization required: %v", e.Provider, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// FetchError はプロバイダーAPIからの測定値取得に失敗したことを表す。
// Transientがtrueの場合は、同期全体を再実行すれば回復する可能性がある。
type FetchError struct {
	Provider   Provider
	StatusCode int // HTTPステータス。通信エラーの場合は0
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: fetch failed with status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: fetch failed: %v", e.Provider, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReconcileError は突合処理中のストア操作に失敗したことを表す。
// Partialには失敗までに完了した件数が入る。挿入は冪等なので再実行で続きから処理される。
type ReconcileError struct {
	Partial ReconciliationResult
	Err     error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile failed after %d inserted, %d removed: %v",
		e.Partial.Inserted, e.Partial.DuplicatesRemoved, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// SyncStage は同期実行のどの段階で失敗したかを表す。
type SyncStage string

const (
	SyncStageFetch     SyncStage = "fetch"
	SyncStageReconcile SyncStage = "reconcile"
)

// SyncError はオーケストレーター境界で返される同期失敗エラー。
// Errには元の原因がそのまま入る。
type SyncError struct {
	Provider Provider
	Stage    SyncStage
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s sync failed during %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
