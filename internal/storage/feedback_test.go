package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInsertFeedback_AssignsIncreasingIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertFeedback(ctx, FeedbackRecord{Source: "email", Content: "first", Sentiment: "neutral", Category: "Bug"})
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	id2, err := s.InsertFeedback(ctx, FeedbackRecord{Source: "email", Content: "second", Sentiment: "positive", Category: "UI", IsSecurityRisk: true})
	if err != nil {
		t.Fatalf("InsertFeedback: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}

	rec, err := s.GetFeedback(ctx, id2)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if rec.Content != "second" || rec.Category != "UI" || !rec.IsSecurityRisk {
		t.Errorf("record = %+v, want second/UI/risk", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}
}

func TestGetFeedback_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetFeedback(context.Background(), 42); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListFeedbackSince_Window(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := FeedbackRecord{Source: "app", Content: "old", Sentiment: "negative", Category: "Bug", CreatedAt: now.Add(-48 * time.Hour)}
	recent := FeedbackRecord{Source: "app", Content: "recent", Sentiment: "positive", Category: "Feature", CreatedAt: now.Add(-time.Hour)}
	for _, r := range []FeedbackRecord{old, recent} {
		if _, err := s.InsertFeedback(ctx, r); err != nil {
			t.Fatalf("InsertFeedback: %v", err)
		}
	}

	windowed, err := s.ListFeedbackSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListFeedbackSince: %v", err)
	}
	if len(windowed) != 1 || windowed[0].Content != "recent" {
		t.Errorf("24h window = %+v, want only recent", windowed)
	}

	all, err := s.ListFeedbackSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListFeedbackSince(zero): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d rows, want 2", len(all))
	}
	if all[0].Content != "old" {
		t.Errorf("rows not ordered by id: first = %q", all[0].Content)
	}
}

func TestInsertFeedback_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	ids := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.InsertFeedback(ctx, FeedbackRecord{Source: "survey", Content: "c", Sentiment: "neutral", Category: "Other"})
			if err != nil {
				t.Errorf("InsertFeedback: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	n, err := s.CountFeedback(ctx)
	if err != nil {
		t.Fatalf("CountFeedback: %v", err)
	}
	if n != writers {
		t.Errorf("count = %d, want %d", n, writers)
	}
}
