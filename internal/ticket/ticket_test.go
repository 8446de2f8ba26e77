package ticket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/st-user/ojm-drone-remote/internal/docstore"
)

func newTestIssuer(known map[string]bool) (*Issuer, *clock.Mock) {
	mock := clock.NewMock()
	iss := NewIssuer(IssuerConfig{
		Store:     docstore.NewMemoryStore(),
		Clock:     mock,
		ExpiresIn: 30 * time.Second,
		KnownRoom: func(startKey string) bool { return known[startKey] },
	})
	return iss, mock
}

func TestIssueAndConsume(t *testing.T) {
	iss, _ := newTestIssuer(map[string]bool{"k1": true})
	ctx := context.Background()

	token, err := iss.Issue(ctx, "k1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	startKey, err := iss.Consume(ctx, token)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if startKey != "k1" {
		t.Fatalf("startKey: got %q, want k1", startKey)
	}
}

func TestIssue_UnknownStartKey(t *testing.T) {
	iss, _ := newTestIssuer(nil)
	if _, err := iss.Issue(context.Background(), "nope"); !errors.Is(err, ErrUnknownStartKey) {
		t.Fatalf("Issue: got %v, want ErrUnknownStartKey", err)
	}
}

func TestConsume_SecondConsumeFails(t *testing.T) {
	iss, _ := newTestIssuer(map[string]bool{"k1": true})
	ctx := context.Background()

	token, err := iss.Issue(ctx, "k1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.Consume(ctx, token); err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if _, err := iss.Consume(ctx, token); !errors.Is(err, ErrTicketExpiredOrUnknown) {
		t.Fatalf("second Consume: got %v, want ErrTicketExpiredOrUnknown", err)
	}
}

func TestConsume_Expired(t *testing.T) {
	iss, mock := newTestIssuer(map[string]bool{"k1": true})
	ctx := context.Background()

	token, err := iss.Issue(ctx, "k1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	mock.Add(31 * time.Second)
	if _, err := iss.Consume(ctx, token); !errors.Is(err, ErrTicketExpiredOrUnknown) {
		t.Fatalf("Consume: got %v, want ErrTicketExpiredOrUnknown", err)
	}
}

func TestConsume_Unknown(t *testing.T) {
	iss, _ := newTestIssuer(nil)
	if _, err := iss.Consume(context.Background(), "not-a-ticket"); !errors.Is(err, ErrTicketExpiredOrUnknown) {
		t.Fatalf("Consume: got %v, want ErrTicketExpiredOrUnknown", err)
	}
}

func TestPruneExpired(t *testing.T) {
	iss, mock := newTestIssuer(map[string]bool{"k1": true})
	ctx := context.Background()

	stale, err := iss.Issue(ctx, "k1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	mock.Add(31 * time.Second)
	fresh, err := iss.Issue(ctx, "k1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := iss.PruneExpired(ctx, mock.Now().UTC()); err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}

	if _, err := iss.Consume(ctx, stale); !errors.Is(err, ErrTicketExpiredOrUnknown) {
		t.Fatalf("Consume pruned ticket: got %v, want ErrTicketExpiredOrUnknown", err)
	}
	startKey, err := iss.Consume(ctx, fresh)
	if err != nil {
		t.Fatalf("Consume fresh ticket: %v", err)
	}
	if startKey != "k1" {
		t.Fatalf("startKey: got %q, want k1", startKey)
	}
}

func TestConsume_ExactlyOnceUnderConcurrency(t *testing.T) {
	iss, _ := newTestIssuer(map[string]bool{"k1": true})
	ctx := context.Background()

	token, err := iss.Issue(ctx, "k1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := iss.Consume(ctx, token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrTicketExpiredOrUnknown):
		default:
			t.Fatalf("Consume: unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("successful consumes: got %d, want 1", succeeded)
	}
}
