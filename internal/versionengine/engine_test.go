package versionengine

import (
	"context"
	"testing"
	"time"

	"github.com/openmates/synccore/internal/hotcache"
)

func TestApplyAcceptsWhenVersionIsCurrent(t *testing.T) {
	ctx := context.Background()
	cache := hotcache.New(hotcache.Options{})
	e := New(cache)

	// Server starts at title_v=3 (S1 scenario, spec §8).
	for i := 0; i < 3; i++ {
		if _, err := e.Increment(ctx, "C1", ComponentTitle); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	d, err := e.Apply(ctx, "C1", ComponentTitle, 3)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !d.Accepted || d.NewV != 4 {
		t.Fatalf("expected accept with new_v=4, got %+v", d)
	}
}

func TestApplyRejectsWhenVersionIsStale(t *testing.T) {
	ctx := context.Background()
	cache := hotcache.New(hotcache.Options{})
	e := New(cache)

	for i := 0; i < 5; i++ {
		if _, err := e.Increment(ctx, "C1", ComponentTitle); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	// S2 scenario: client believes server is at 3, server is actually at 5.
	d, err := e.Apply(ctx, "C1", ComponentTitle, 3)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if d.Accepted || d.NewV != 5 {
		t.Fatalf("expected reject with current server_v=5, got %+v", d)
	}
}

func TestApplyDraftIsPerUser(t *testing.T) {
	ctx := context.Background()
	cache := hotcache.New(hotcache.Options{})
	e := New(cache)

	dU1, err := e.ApplyDraft(ctx, "u1", "C2", 0)
	if err != nil {
		t.Fatalf("ApplyDraft u1: %v", err)
	}
	if !dU1.Accepted || dU1.NewV != 1 {
		t.Fatalf("expected u1 draft_v=1, got %+v", dU1)
	}

	// A second user's draft on the same chat starts independently at 0.
	dU2, err := e.ApplyDraft(ctx, "u2", "C2", 0)
	if err != nil {
		t.Fatalf("ApplyDraft u2: %v", err)
	}
	if !dU2.Accepted || dU2.NewV != 1 {
		t.Fatalf("expected u2 draft_v=1 independently of u1, got %+v", dU2)
	}
}

func TestReadVersionsReflectsIncrements(t *testing.T) {
	ctx := context.Background()
	cache := hotcache.New(hotcache.Options{})
	e := New(cache)

	if _, err := e.Increment(ctx, "C1", ComponentMessages); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if _, err := e.IncrementDraft(ctx, "u1", "C1"); err != nil {
		t.Fatalf("IncrementDraft: %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.UpdateScore(ctx, "u1", "C1", now)

	v := e.ReadVersions(ctx, "u1", "C1")
	if v.MessagesV != 1 || v.DraftV != 1 {
		t.Fatalf("expected messages_v=1 draft_v=1, got %+v", v)
	}
	if !v.LastEditedOverallTimestamp.Equal(now) {
		t.Fatalf("expected last_edited timestamp to match score, got %v", v.LastEditedOverallTimestamp)
	}
}
