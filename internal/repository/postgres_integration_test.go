//go:build integration

package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/hitoshi/vitalsync/internal/database"
	"github.com/hitoshi/vitalsync/internal/model"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("vitalsync"),
		postgrescontainer.WithUsername("vitalsync"),
		postgrescontainer.WithPassword("vitalsync"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(connStr))

	db, err := database.Open(connStr, database.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestMeasurementRepo_InsertIfAbsentAndDeleteNearDuplicates(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresMeasurementRepo(db)
	ctx := context.Background()

	t0 := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

	passive := &model.Measurement{Timestamp: t0, Weight: 201.3, Source: model.SourceAppleHealth}
	inserted, err := repo.InsertIfAbsent(ctx, passive)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := &model.Measurement{Timestamp: t0, Weight: 201.3, Source: model.SourceAppleHealth}
	inserted, err = repo.InsertIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted, "same (timestamp, source) must not insert twice")

	far := &model.Measurement{Timestamp: t0.Add(2 * time.Hour), Weight: 201.1, Source: model.SourceAppleHealth}
	_, err = repo.InsertIfAbsent(ctx, far)
	require.NoError(t, err)

	removed, err := repo.DeleteNearDuplicates(ctx, DuplicateQuery{
		Source:    model.SourceAppleHealth,
		Around:    t0.Add(10 * time.Minute),
		Window:    30 * time.Minute,
		Weight:    201.0,
		Tolerance: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rows, err := repo.ListBetween(ctx, t0.Add(-time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Timestamp.Equal(far.Timestamp))
}

func TestMeasurementRepo_DeleteNearDuplicates_WindowBoundsInclusive(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresMeasurementRepo(db)
	ctx := context.Background()

	t0 := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	fat := 22.5
	for _, offset := range []time.Duration{-30 * time.Minute, 30 * time.Minute, 31 * time.Minute} {
		_, err := repo.InsertIfAbsent(ctx, &model.Measurement{
			Timestamp: t0.Add(offset), Weight: 180.0, BodyFatPct: &fat, Source: model.SourceAppleHealth,
		})
		require.NoError(t, err)
	}

	removed, err := repo.DeleteNearDuplicates(ctx, DuplicateQuery{
		Source: model.SourceAppleHealth, Around: t0, Window: 30 * time.Minute, Weight: 180.0, Tolerance: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	rows, err := repo.ListBetween(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].BodyFatPct)
	assert.InDelta(t, 22.5, *rows[0].BodyFatPct, 0.0001)
}

// seedMeasurements は測定値を新規行として挿入する。
func seedMeasurements(t *testing.T, repo *PostgresMeasurementRepo, ms ...model.Measurement) {
	t.Helper()
	for i := range ms {
		inserted, err := repo.InsertIfAbsent(context.Background(), &ms[i])
		require.NoError(t, err)
		require.True(t, inserted)
	}
}

func survivingWeights(t *testing.T, repo *PostgresMeasurementRepo, start, end time.Time) []float64 {
	t.Helper()
	rows, err := repo.ListBetween(context.Background(), start, end)
	require.NoError(t, err)
	weights := make([]float64, len(rows))
	for i, m := range rows {
		weights[i] = m.Weight
	}
	return weights
}

func TestMeasurementRepo_DeleteNearDuplicates_WeightToleranceIsExclusive(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresMeasurementRepo(db)
	ctx := context.Background()

	t0 := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	seedMeasurements(t, repo,
		model.Measurement{Timestamp: t0.Add(-5 * time.Minute), Weight: 180.5, Source: model.SourceAppleHealth},
		model.Measurement{Timestamp: t0.Add(5 * time.Minute), Weight: 180.499, Source: model.SourceAppleHealth},
		model.Measurement{Timestamp: t0.Add(10 * time.Minute), Weight: 179.5, Source: model.SourceAppleHealth},
	)

	removed, err := repo.DeleteNearDuplicates(ctx, DuplicateQuery{
		Source: model.SourceAppleHealth, Around: t0, Window: 30 * time.Minute, Weight: 180.0, Tolerance: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// 差がちょうど0.5の行は残り、0.499の行のみ削除される
	assert.Equal(t, []float64{180.5, 179.5}, survivingWeights(t, repo, t0.Add(-time.Hour), t0.Add(time.Hour)))
}

func TestMeasurementRepo_DeleteNearDuplicates_WindowSeparatesNearAndFar(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresMeasurementRepo(db)
	ctx := context.Background()

	t0 := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	seedMeasurements(t, repo,
		model.Measurement{Timestamp: t0.Add(20 * time.Minute), Weight: 180.2, Source: model.SourceAppleHealth},
		model.Measurement{Timestamp: t0.Add(40 * time.Minute), Weight: 180.3, Source: model.SourceAppleHealth},
		model.Measurement{Timestamp: t0.Add(-40 * time.Minute), Weight: 180.1, Source: model.SourceAppleHealth},
	)

	removed, err := repo.DeleteNearDuplicates(ctx, DuplicateQuery{
		Source: model.SourceAppleHealth, Around: t0, Window: 30 * time.Minute, Weight: 180.0, Tolerance: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Equal(t, []float64{180.1, 180.3}, survivingWeights(t, repo, t0.Add(-time.Hour), t0.Add(time.Hour)))
}

func TestMeasurementRepo_DeleteNearDuplicates_OnlyTargetsGivenSource(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresMeasurementRepo(db)
	ctx := context.Background()

	t0 := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	seedMeasurements(t, repo,
		model.Measurement{Timestamp: t0, Weight: 180.0, Source: model.SourceWithings},
		model.Measurement{Timestamp: t0.Add(time.Minute), Weight: 180.1, Source: model.SourceManual},
		model.Measurement{Timestamp: t0.Add(2 * time.Minute), Weight: 180.1, Source: model.SourceAppleHealth},
	)

	removed, err := repo.DeleteNearDuplicates(ctx, DuplicateQuery{
		Source: model.SourceAppleHealth, Around: t0, Window: 30 * time.Minute, Weight: 180.0, Tolerance: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rows, err := repo.ListBetween(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.SourceWithings, rows[0].Source)
	assert.Equal(t, model.SourceManual, rows[1].Source)
}

func TestCredentialRepo_UpsertOverwritesAndDeleteIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresCredentialRepo(db)
	ctx := context.Background()

	cred, err := repo.FindByProvider(ctx, model.ProviderWithings)
	require.NoError(t, err)
	assert.Nil(t, cred)

	expires := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.Upsert(ctx, &model.Credential{
		Provider: model.ProviderWithings, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: expires, ExternalUserID: "42",
	}))
	require.NoError(t, repo.Upsert(ctx, &model.Credential{
		Provider: model.ProviderWithings, AccessToken: "a2", RefreshToken: "r2", ExpiresAt: expires,
	}))

	cred, err = repo.FindByProvider(ctx, model.ProviderWithings)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "a2", cred.AccessToken)
	assert.Equal(t, "r2", cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.Equal(expires))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.DeleteByProvider(ctx, model.ProviderWithings))
	require.NoError(t, repo.DeleteByProvider(ctx, model.ProviderWithings))

	cred, err = repo.FindByProvider(ctx, model.ProviderWithings)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestSyncRunRepo_AppendAndListRecent(t *testing.T) {
	db := setupPostgres(t)
	repo := NewPostgresSyncRunRepo(db)
	ctx := context.Background()

	base := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Append(ctx, &model.SyncRun{
		Provider: model.ProviderWithings, Status: model.SyncStatusSuccess, RecordsAffected: 2, RunAt: base,
	}))
	require.NoError(t, repo.Append(ctx, &model.SyncRun{
		Provider: model.ProviderWithings, Status: model.SyncStatusError, Detail: "boom", RunAt: base.Add(time.Hour),
	}))
	require.NoError(t, repo.Append(ctx, &model.SyncRun{
		Provider: model.ProviderGoogle, Status: model.SyncStatusSuccess, RunAt: base,
	}))

	runs, err := repo.ListRecent(ctx, model.ProviderWithings, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.SyncStatusError, runs[0].Status)
	assert.Equal(t, "boom", runs[0].Detail)
	assert.Equal(t, 2, runs[1].RecordsAffected)
	assert.Empty(t, runs[1].Detail)
}
