package memory

import (
	"context"
	"testing"

	"ibkr-flex-ledger/internal/domain"
)

func artifact(sha string) *domain.RawArtifact {
	return &domain.RawArtifact{
		IngestionRunID: "run-1",
		Key: domain.RawArtifactKey{
			AccountID:     "U1",
			PeriodKey:     "2026-02-10",
			FlexQueryID:   "q-1",
			PayloadSHA256: sha,
		},
		Payload: []byte("<FlexQueryResponse/>"),
	}
}

func TestRawStore_ArtifactDedupeByContent(t *testing.T) {
	store := NewRawStore()
	ctx := context.Background()

	first, err := store.UpsertArtifact(ctx, artifact("sha-1"))
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !first.CreatedNow {
		t.Fatal("first upsert must create the artifact")
	}

	second, err := store.UpsertArtifact(ctx, artifact("sha-1"))
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.CreatedNow {
		t.Fatal("identical content must dedupe")
	}
	if second.Artifact.ID != first.Artifact.ID {
		t.Fatal("dedupe must return the existing row")
	}

	// Different content under the same period creates a new artifact.
	third, err := store.UpsertArtifact(ctx, artifact("sha-2"))
	if err != nil {
		t.Fatalf("third upsert failed: %v", err)
	}
	if !third.CreatedNow {
		t.Fatal("different content must create a new artifact")
	}
}

func TestRawStore_RecordConflictCountsAsDeduplicated(t *testing.T) {
	store := NewRawStore()
	ctx := context.Background()

	records := []*domain.RawRecord{
		{
			RawArtifactID: "art-1",
			AccountID:     "U1",
			SectionName:   "Trades",
			SourceRowRef:  "Trades:Trade:ibExecID=E1",
			SourcePayload: map[string]string{"ibExecID": "E1"},
		},
	}

	first, err := store.InsertRecords(ctx, records)
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if first.Inserted != 1 || first.Deduplicated != 0 {
		t.Fatalf("first insert counters = %+v", first)
	}

	second, err := store.InsertRecords(ctx, records)
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if second.Inserted != 0 || second.Deduplicated != 1 {
		t.Fatalf("second insert counters = %+v", second)
	}
}

func TestRawStore_ListRecordsForPeriodScoping(t *testing.T) {
	store := NewRawStore()
	ctx := context.Background()

	feb, err := store.UpsertArtifact(ctx, artifact("sha-feb"))
	if err != nil {
		t.Fatal(err)
	}
	marArtifact := artifact("sha-mar")
	marArtifact.Key.PeriodKey = "2026-03-10"
	mar, err := store.UpsertArtifact(ctx, marArtifact)
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.InsertRecords(ctx, []*domain.RawRecord{
		{RawArtifactID: feb.Artifact.ID, AccountID: "U1", SectionName: "Trades", SourceRowRef: "r1", SourcePayload: map[string]string{}},
		{RawArtifactID: mar.Artifact.ID, AccountID: "U1", SectionName: "Trades", SourceRowRef: "r2", SourcePayload: map[string]string{}},
	})
	if err != nil {
		t.Fatal(err)
	}

	scoped, err := store.ListRecordsForPeriod(ctx, "U1", "2026-02-10", "q-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 {
		t.Fatalf("expected 1 scoped record, got %d", len(scoped))
	}

	all, err := store.ListRecordsForPeriod(ctx, "U1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records for full replay, got %d", len(all))
	}
}
