package offlinereplay

import (
	"context"
	"testing"
	"time"

	"github.com/openmates/synccore/internal/hotcache"
	"github.com/openmates/synccore/internal/keyvault"
	"github.com/openmates/synccore/internal/telemetry"
	"github.com/openmates/synccore/internal/versionengine"
)

type fakePersistQueue struct {
	enqueued []string
}

func (f *fakePersistQueue) EnqueueTitle(chatID string) {
	f.enqueued = append(f.enqueued, chatID)
}

func testEngine(t *testing.T) (*Engine, *hotcache.Cache, *fakePersistQueue) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := hotcache.New(hotcache.Options{Now: func() time.Time { return now }})
	ve := versionengine.New(cache)
	vault, err := keyvault.NewInProcessVault(make([]byte, 32), nil, 0, 0, telemetry.Nop)
	if err != nil {
		t.Fatalf("NewInProcessVault: %v", err)
	}
	pq := &fakePersistQueue{}
	return New(ve, cache, vault, pq), cache, pq
}

func TestApplyBatchAcceptsAndFansOut(t *testing.T) {
	ctx := context.Background()
	e, _, pq := testEngine(t)

	res := e.Apply(ctx, "u1", []Change{
		{ChatID: "c1", Type: ChangeTitle, VersionBeforeEdit: 0, NewTitle: "hello"},
		{ChatID: "c1", Type: ChangeDraft, VersionBeforeEdit: 0, NewDraftCiphertext: []byte("ct")},
	})

	if res.Summary.Processed != 2 || res.Summary.Conflicts != 0 || res.Summary.Errors != 0 {
		t.Fatalf("expected 2 processed, got %+v", res.Summary)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(res.Events))
	}
	if len(pq.enqueued) != 1 || pq.enqueued[0] != "c1" {
		t.Fatalf("expected title persistence enqueue for c1, got %v", pq.enqueued)
	}
}

func TestApplyBatchCountsConflictButContinues(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)

	// First edit advances title_v to 1.
	if res := e.Apply(ctx, "u1", []Change{{ChatID: "c1", Type: ChangeTitle, VersionBeforeEdit: 0, NewTitle: "a"}}); res.Summary.Processed != 1 {
		t.Fatalf("setup edit should accept, got %+v", res.Summary)
	}

	res := e.Apply(ctx, "u1", []Change{
		{ChatID: "c1", Type: ChangeTitle, VersionBeforeEdit: 0, NewTitle: "stale"},
		{ChatID: "c1", Type: ChangeDraft, VersionBeforeEdit: 0, NewDraftCiphertext: []byte("ct")},
	})

	if res.Summary.Conflicts != 1 || res.Summary.Processed != 1 {
		t.Fatalf("expected 1 conflict + 1 processed despite the conflict, got %+v", res.Summary)
	}
}

func TestApplyBatchRejectsOversizeTitleAsError(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)

	big := make([]byte, 300)
	for i := range big {
		big[i] = 'x'
	}
	res := e.Apply(ctx, "u1", []Change{{ChatID: "c1", Type: ChangeTitle, VersionBeforeEdit: 0, NewTitle: string(big)}})
	if res.Summary.Errors != 1 || res.Summary.Processed != 0 {
		t.Fatalf("expected oversize title to count as an error, got %+v", res.Summary)
	}
}

func TestApplyBatchUnknownTypeIsError(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)

	res := e.Apply(ctx, "u1", []Change{{ChatID: "c1", Type: "bogus", VersionBeforeEdit: 0}})
	if res.Summary.Errors != 1 {
		t.Fatalf("expected unknown change type to count as an error, got %+v", res.Summary)
	}
}
