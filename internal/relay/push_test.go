package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/st-user/ojm-drone-remote/internal/docstore"
	"github.com/st-user/ojm-drone-remote/internal/registry"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func newPushFixture(t *testing.T) (*Push, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{Store: docstore.NewMemoryStore()})
	if err := reg.Provision(context.Background(), "k1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return NewPush(reg, nil), reg
}

func TestPush_ToControllerDelivers(t *testing.T) {
	push, reg := newPushFixture(t)
	controller := &fakeChannel{}
	if err := reg.AttachController("k1", controller); err != nil {
		t.Fatalf("AttachController: %v", err)
	}

	if err := push.ToController(context.Background(), "k1", []byte(`{"messageType":"offer"}`)); err != nil {
		t.Fatalf("ToController: %v", err)
	}
	msgs := controller.messages()
	if len(msgs) != 1 || string(msgs[0]) != `{"messageType":"offer"}` {
		t.Fatalf("controller received %q", msgs)
	}
}

func TestPush_ToPeerAddressesSingleSocket(t *testing.T) {
	push, reg := newPushFixture(t)
	p1 := &fakeChannel{}
	p2 := &fakeChannel{}
	if _, err := reg.AttachPeer("k1", "p1", p1); err != nil {
		t.Fatalf("AttachPeer: %v", err)
	}
	if _, err := reg.AttachPeer("k1", "p2", p2); err != nil {
		t.Fatalf("AttachPeer: %v", err)
	}

	if err := push.ToPeer(context.Background(), "k1", "p2", "answer", []byte(`{"messageType":"answer"}`)); err != nil {
		t.Fatalf("ToPeer: %v", err)
	}
	if len(p1.messages()) != 0 {
		t.Fatal("message leaked to a different peer")
	}
	if got := p2.messages(); len(got) != 1 {
		t.Fatalf("p2 received %d messages, want 1", len(got))
	}
}

func TestPush_MissingTargetsAreDroppedSilently(t *testing.T) {
	push, reg := newPushFixture(t)
	ctx := context.Background()

	if err := push.ToController(ctx, "unknown-room", []byte(`{}`)); err != nil {
		t.Fatalf("ToController unknown room: %v", err)
	}
	if err := push.ToController(ctx, "k1", []byte(`{}`)); err != nil {
		t.Fatalf("ToController no controller: %v", err)
	}
	if err := push.ToPeer(ctx, "k1", "nope", "answer", []byte(`{}`)); err != nil {
		t.Fatalf("ToPeer unknown peer: %v", err)
	}

	closed := &fakeChannel{}
	_ = closed.Close()
	if _, err := reg.AttachPeer("k1", "p1", closed); err != nil {
		t.Fatalf("AttachPeer: %v", err)
	}
	if err := push.ToPeer(ctx, "k1", "p1", "answer", []byte(`{}`)); err != nil {
		t.Fatalf("ToPeer closed peer: %v", err)
	}
	if len(closed.messages()) != 0 {
		t.Fatal("sent to closed channel")
	}
}
