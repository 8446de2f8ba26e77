package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/st-user/ojm-drone-remote/internal/docstore"
	"github.com/st-user/ojm-drone-remote/internal/protocol"
	"github.com/st-user/ojm-drone-remote/internal/registry"
)

func newQueueFixture(t *testing.T) (*Queue, *registry.Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	store := docstore.NewMemoryStore()
	reg := registry.New(registry.Config{Store: store, Clock: mock})
	if err := reg.Provision(context.Background(), "k1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	q := NewQueue(QueueConfig{
		Store:          store,
		Registry:       reg,
		Clock:          mock,
		SessionTTL:     5 * time.Minute,
		ObserveTimeout: 5 * time.Minute,
	})
	return q, reg, mock
}

func TestStartObserving_UnknownRoom(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	if _, err := q.StartObserving(context.Background(), "nope", "p1", false); !errors.Is(err, registry.ErrUnknownRoom) {
		t.Fatalf("StartObserving: got %v, want ErrUnknownRoom", err)
	}
}

func TestObserve_DrainsPendingInOrder(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	ctx := context.Background()

	session, err := q.StartObserving(ctx, "k1", "p1", false)
	if err != nil {
		t.Fatalf("StartObserving: %v", err)
	}

	if err := q.ToPeer(ctx, "k1", "p1", "answer", json.RawMessage(`{"sdp":"first"}`)); err != nil {
		t.Fatalf("ToPeer: %v", err)
	}
	if err := q.ToPeer(ctx, "k1", "p1", "close", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("ToPeer: %v", err)
	}

	envs, err := q.Observe(ctx, session)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("envelopes: got %d, want 2", len(envs))
	}
	if envs[0].EventName != "answer" || envs[1].EventName != "close" {
		t.Fatalf("order: got %q then %q", envs[0].EventName, envs[1].EventName)
	}
	if string(envs[0].Payload) != `{"sdp":"first"}` {
		t.Fatalf("payload: got %s", envs[0].Payload)
	}
}

func TestObserve_AtMostOncePerSession(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	ctx := context.Background()

	s1, err := q.StartObserving(ctx, "k1", "p1", false)
	if err != nil {
		t.Fatalf("StartObserving: %v", err)
	}
	s2, err := q.StartObserving(ctx, "k1", "p2", false)
	if err != nil {
		t.Fatalf("StartObserving: %v", err)
	}

	if err := q.ToPeer(ctx, "k1", "", "iceServerInfo", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ToPeer: %v", err)
	}

	// Each registered session drains the message exactly once; the second
	// drain of s1 is a no-op even though s2 has not polled yet.
	first, _, err := q.drain(ctx, s1)
	if err != nil {
		t.Fatalf("drain s1: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("s1 first drain: got %d, want 1", len(first))
	}
	again, _, err := q.drain(ctx, s1)
	if err != nil {
		t.Fatalf("drain s1 again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("s1 second drain: got %d, want 0", len(again))
	}

	other, _, err := q.drain(ctx, s2)
	if err != nil {
		t.Fatalf("drain s2: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("s2 drain: got %d, want 1", len(other))
	}

	// Both recipients drained: the message must be pruned from the store.
	doc, ok, err := q.store.Get(ctx, queuesCollection, "k1")
	if err != nil || !ok {
		t.Fatalf("queue doc: ok=%v err=%v", ok, err)
	}
	var rq roomQueue
	if err := json.Unmarshal(doc.Data, &rq); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(rq.Messages) != 0 {
		t.Fatalf("messages after full delivery: got %d, want 0", len(rq.Messages))
	}
}

func TestSend_FansOutToAllSessions(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	ctx := context.Background()

	s1, _ := q.StartObserving(ctx, "k1", "p1", false)
	s2, _ := q.StartObserving(ctx, "k1", "p2", false)

	if err := q.Send(ctx, s1, "canOffer", json.RawMessage(`{"peerConnectionId":"p1"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, s := range []string{s1, s2} {
		envs, _, err := q.drain(ctx, s)
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(envs) != 1 || envs[0].EventName != "canOffer" {
			t.Fatalf("session %s: got %+v", s, envs)
		}
	}
}

func TestSend_UnknownSession(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	if err := q.Send(context.Background(), "nope", "offer", nil); !errors.Is(err, ErrUnknownOrExpiredSession) {
		t.Fatalf("Send: got %v, want ErrUnknownOrExpiredSession", err)
	}
}

func TestObserve_BlocksUntilSend(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	ctx := context.Background()

	s1, _ := q.StartObserving(ctx, "k1", "p1", false)

	type result struct {
		envs []protocol.Envelope
		err  error
	}
	done := make(chan result, 1)
	go func() {
		envs, err := q.Observe(ctx, s1)
		done <- result{envs, err}
	}()

	// Give the observer time to register its waker before sending.
	time.Sleep(20 * time.Millisecond)
	if err := q.ToPeer(ctx, "k1", "p1", "answer", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ToPeer: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Observe: %v", r.err)
		}
		if len(r.envs) != 1 || r.envs[0].EventName != "answer" {
			t.Fatalf("Observe: got %+v", r.envs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not wake on send")
	}
}

func TestObserve_TimeoutYieldsEmptyResult(t *testing.T) {
	q, _, mock := newQueueFixture(t)
	ctx := context.Background()

	s1, _ := q.StartObserving(ctx, "k1", "p1", false)

	done := make(chan []protocol.Envelope, 1)
	go func() {
		envs, err := q.Observe(ctx, s1)
		if err != nil {
			t.Errorf("Observe: %v", err)
		}
		done <- envs
	}()

	time.Sleep(20 * time.Millisecond)
	mock.Add(5 * time.Minute)

	select {
	case envs := <-done:
		if len(envs) != 0 {
			t.Fatalf("timed-out observe returned %+v", envs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not return on timeout")
	}
}

func TestDropRoom_ResolvesBlockedObservers(t *testing.T) {
	q, _, _ := newQueueFixture(t)
	ctx := context.Background()

	s1, _ := q.StartObserving(ctx, "k1", "p1", false)

	done := make(chan []protocol.Envelope, 1)
	go func() {
		envs, err := q.Observe(ctx, s1)
		if err != nil {
			t.Errorf("Observe: %v", err)
		}
		done <- envs
	}()

	time.Sleep(20 * time.Millisecond)
	q.DropRoom(ctx, "k1")

	select {
	case envs := <-done:
		if len(envs) != 0 {
			t.Fatalf("observer on dropped room got %+v", envs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not resolve on room drop")
	}

	if err := q.Send(ctx, s1, "offer", nil); !errors.Is(err, ErrUnknownOrExpiredSession) {
		t.Fatalf("Send after drop: got %v, want ErrUnknownOrExpiredSession", err)
	}
}

func TestPruneSessions_ExpiresIdleSessionsAndReleasesClaim(t *testing.T) {
	q, reg, mock := newQueueFixture(t)
	ctx := context.Background()

	s1, _ := q.StartObserving(ctx, "k1", "p1", true)
	room, _ := reg.Lookup("k1")
	room.ClaimPrimary("p1")

	if !q.Active("k1") {
		t.Fatal("freshly observed room reported inactive")
	}

	mock.Add(6 * time.Minute)
	if q.Active("k1") {
		t.Fatal("stale room reported active")
	}
	if err := q.PruneSessions(ctx, mock.Now().UTC()); err != nil {
		t.Fatalf("PruneSessions: %v", err)
	}

	if _, _, err := q.drain(ctx, s1); !errors.Is(err, ErrUnknownOrExpiredSession) {
		t.Fatalf("drain after prune: got %v, want ErrUnknownOrExpiredSession", err)
	}
	if _, held := room.PrimaryClaim(); held {
		t.Fatal("expired session kept its primary claim")
	}
}

func TestObserve_TouchKeepsSessionAlive(t *testing.T) {
	q, _, mock := newQueueFixture(t)
	ctx := context.Background()

	s1, _ := q.StartObserving(ctx, "k1", "p1", false)

	// Polling every 4 minutes keeps the 5-minute session alive.
	for i := 0; i < 5; i++ {
		mock.Add(4 * time.Minute)
		if _, _, err := q.drain(ctx, s1); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		if err := q.PruneSessions(ctx, mock.Now().UTC()); err != nil {
			t.Fatalf("PruneSessions: %v", err)
		}
	}
	if _, _, err := q.drain(ctx, s1); err != nil {
		t.Fatalf("final drain: %v", err)
	}
}
