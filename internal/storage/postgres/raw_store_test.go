package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage/postgres"
)

func TestRawStore_ArtifactContentDedupe(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	runStore := postgres.NewRunStore(pool)
	rawStore := postgres.NewRawStore(pool)

	run, err := runStore.CreateStarted(ctx, &domain.IngestionRun{
		AccountID:   "U1234567",
		RunType:     domain.RunTypeManual,
		PeriodKey:   "2026-02-10",
		FlexQueryID: "q-1",
	})
	require.NoError(t, err)

	artifact := &domain.RawArtifact{
		IngestionRunID: run.ID,
		Key: domain.RawArtifactKey{
			AccountID:     "U1234567",
			PeriodKey:     "2026-02-10",
			FlexQueryID:   "q-1",
			PayloadSHA256: "ab" + "cd",
		},
		ReportDateLocal: "2026-02-10",
		Payload:         []byte("<FlexQueryResponse/>"),
	}

	first, err := rawStore.UpsertArtifact(ctx, artifact)
	require.NoError(t, err)
	require.True(t, first.CreatedNow)

	second, err := rawStore.UpsertArtifact(ctx, artifact)
	require.NoError(t, err)
	require.False(t, second.CreatedNow)
	require.Equal(t, first.Artifact.ID, second.Artifact.ID)
}

func TestRawStore_RecordInsertConflictDoesNothing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	runStore := postgres.NewRunStore(pool)
	rawStore := postgres.NewRawStore(pool)

	run, err := runStore.CreateStarted(ctx, &domain.IngestionRun{
		AccountID:   "U1234567",
		RunType:     domain.RunTypeManual,
		PeriodKey:   "2026-02-10",
		FlexQueryID: "q-1",
	})
	require.NoError(t, err)

	artifactResult, err := rawStore.UpsertArtifact(ctx, &domain.RawArtifact{
		IngestionRunID: run.ID,
		Key: domain.RawArtifactKey{
			AccountID:     "U1234567",
			PeriodKey:     "2026-02-10",
			FlexQueryID:   "q-1",
			PayloadSHA256: "feed",
		},
		Payload: []byte("<FlexQueryResponse/>"),
	})
	require.NoError(t, err)

	records := []*domain.RawRecord{
		{
			RawArtifactID:   artifactResult.Artifact.ID,
			IngestionRunID:  run.ID,
			AccountID:       "U1234567",
			ReportDateLocal: "2026-02-10",
			SectionName:     "Trades",
			SourceRowRef:    "Trades:Trade:ibExecID=E1",
			SourcePayload:   map[string]string{"ibExecID": "E1", "conid": "101"},
		},
		{
			RawArtifactID:   artifactResult.Artifact.ID,
			IngestionRunID:  run.ID,
			AccountID:       "U1234567",
			ReportDateLocal: "2026-02-10",
			SectionName:     "Trades",
			SourceRowRef:    "Trades:Trade:ibExecID=E2",
			SourcePayload:   map[string]string{"ibExecID": "E2", "conid": "101"},
		},
	}

	first, err := rawStore.InsertRecords(ctx, records)
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)
	require.Equal(t, 0, first.Deduplicated)

	second, err := rawStore.InsertRecords(ctx, records)
	require.NoError(t, err)
	require.Equal(t, 0, second.Inserted)
	require.Equal(t, 2, second.Deduplicated)

	stored, err := rawStore.ListRecordsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, "E1", stored[0].SourcePayload["ibExecID"])
}
