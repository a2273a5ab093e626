package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestAddSearch_RoundTripSimilarity(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	text := "The user's favorite Unreal build configuration is DebugGame Editor"
	id, err := svc.Add(ctx, TierUser, KindFact, "", text, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty record id")
	}

	results, err := svc.Search(ctx, TierUser, text, 1, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected the stored record back")
	}
	if results[0].Record.ID != id {
		t.Fatalf("expected record %s first, got %s", id, results[0].Record.ID)
	}
	if results[0].Score < 0.99 {
		t.Fatalf("expected round-trip similarity >= 0.99, got %v", results[0].Score)
	}
}

func TestSearchAll_UserTierRanksFirstAfterUnrelatedTurns(t *testing.T) {
	svc := newTestService(t, Options{MinScore: 0.05})
	ctx := context.Background()

	pref := "User prefers tabs over spaces in all generated source files"
	id, err := svc.Add(ctx, TierUser, KindFact, "", pref, nil)
	if err != nil {
		t.Fatalf("Add preference: %v", err)
	}

	chatter := []string{
		"what is the fastest way to cook shader permutations",
		"list the plugins in the current project",
		"how big is the saved folder on disk",
		"rename the blueprint folder please",
		"what time is the build farm maintenance window",
		"open the output log for the last packaging run",
	}
	for i, msg := range chatter {
		if err := svc.CommitTurn(ctx, "sess-1", msg, fmt.Sprintf("answer %d", i)); err != nil {
			t.Fatalf("CommitTurn: %v", err)
		}
	}

	results := svc.SearchAll(ctx, "do I prefer tabs or spaces?")
	if len(results) == 0 {
		t.Fatalf("expected recall results")
	}
	if results[0].Record.ID != id {
		t.Fatalf("expected the preference record ranked first, got %+v", results[0].Record)
	}
}

func TestDelete_TombstonedRecordNeverSurfaces(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	text := "Project uses perforce stream //toolkit/main"
	id, err := svc.Add(ctx, TierUser, KindFact, "", text, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	results, err := svc.Search(ctx, TierUser, text, 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, res := range results {
		if res.Record.ID == id {
			t.Fatalf("tombstoned record surfaced in results")
		}
	}
}

func TestDelete_UnknownIDFails(t *testing.T) {
	svc := newTestService(t, Options{})
	if err := svc.Delete(context.Background(), "01NOPE"); err == nil {
		t.Fatalf("expected error deleting unknown id")
	}
}

func TestMaintain_RebuildDropsTombstones(t *testing.T) {
	svc := newTestService(t, Options{TombstoneRebuildRatio: 0.3, TombstoneRebuildMin: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := svc.Add(ctx, TierSession, KindTurn, "sess-1", fmt.Sprintf("turn number %d about topic %d", i, i), nil)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[:3] {
		if err := svc.Delete(ctx, id); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	if !svc.session.needsRebuild() {
		t.Fatalf("expected rebuild to be due at 3/6 tombstones")
	}
	svc.Maintain(ctx)

	if got := svc.session.tombstoneCount(); got != 0 {
		t.Fatalf("expected 0 tombstones after rebuild, got %d", got)
	}
	if got := len(svc.session.liveRecords("sess-1")); got != 3 {
		t.Fatalf("expected 3 live records after rebuild, got %d", got)
	}
}

func TestKeywordFallback_DegradedUserTierStillRecalls(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.Add(ctx, TierUser, KindFact, "", "deploy target is the steam beta branch", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	svc.userDegraded.Store(true)

	results, err := svc.Search(ctx, TierUser, "which steam branch do we deploy to", 3, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected keyword fallback to find the record")
	}
}

func TestKeywordFallback_RecordAddedWhileDegradedIsRecallable(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	svc.userDegraded.Store(true)
	id, err := svc.Add(ctx, TierUser, KindFact, "", "nightly builds upload to the artifactory mirror", nil)
	if err != nil {
		t.Fatalf("Add while degraded: %v", err)
	}

	results, err := svc.Search(ctx, TierUser, "where do nightly builds upload", 3, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Record.ID != id {
		t.Fatalf("expected the record added during degradation in keyword results, got %+v", results)
	}
}

func TestDurable_UserTierSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc := newTestService(t, Options{Dir: dir})
	text := "User's editor layout profile is called cinematic-review"
	if _, err := svc.Add(ctx, TierUser, KindFact, "", text, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestService(t, Options{Dir: dir})
	results, err := reopened.Search(ctx, TierUser, text, 1, 0)
	if err != nil {
		t.Fatalf("Search after reopen: %v", err)
	}
	if len(results) == 0 || results[0].Record.Text != text {
		t.Fatalf("expected durable record after reopen, got %+v", results)
	}
}

func TestDurable_BackupLogReplayRecoversSidecarLoss(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc := newTestService(t, Options{Dir: dir})
	text := "License server lives at lic01.internal:7070"
	if _, err := svc.Add(ctx, TierUser, KindFact, "", text, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate sidecar loss; the backup log alone must restore the tier.
	if err := os.Remove(filepath.Join(dir, "memory.db")); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}

	recovered := newTestService(t, Options{Dir: dir})
	results, err := recovered.Search(ctx, TierUser, text, 1, 0)
	if err != nil {
		t.Fatalf("Search after recovery: %v", err)
	}
	if len(results) == 0 || results[0].Record.Text != text {
		t.Fatalf("expected backup log replay to recover the record, got %+v", results)
	}
}

func TestCompression_SummarizesOldTurnsOffTurnPath(t *testing.T) {
	summaries := make(chan string, 1)
	svc := newTestService(t, Options{
		CompressAfterTurns: 4,
		CompressKeepTurns:  2,
		Summarize: func(ctx context.Context, existing, transcript string) (string, error) {
			select {
			case summaries <- transcript:
			default:
			}
			return "summary of earlier conversation", nil
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.CommitTurn(ctx, "sess-1", fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i)); err != nil {
			t.Fatalf("CommitTurn: %v", err)
		}
	}

	select {
	case <-summaries:
	case <-time.After(2 * time.Second):
		t.Fatalf("compression never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svc.context.liveRecords("sess-1")) > 0 && len(svc.session.liveRecords("sess-1")) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 1 summary and 2 kept turns, got %d summaries %d turns",
		len(svc.context.liveRecords("sess-1")), len(svc.session.liveRecords("sess-1")))
}

func TestEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewEmbedder("chargram-384")
	a := e.Embed("stable text input")
	b := e.Embed("stable text input")
	if sim := cosineSimilarity(a, b); sim < 0.999 {
		t.Fatalf("expected identical embeddings, similarity %v", sim)
	}
	if n := vectorNorm(a); n < 0.99 || n > 1.01 {
		t.Fatalf("expected unit norm, got %v", n)
	}
}
