package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type memEntry struct {
	data json.RawMessage
	rev  int64
}

// MemoryStore is an in-process Store. A single mutex serializes transactions,
// which trivially satisfies the atomicity contract.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]memEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(collection, key)
}

func (s *MemoryStore) get(collection, key string) (Document, bool, error) {
	c, ok := s.collections[collection]
	if !ok {
		return Document{}, false, nil
	}
	e, ok := c[key]
	if !ok {
		return Document{}, false, nil
	}
	return Document{Key: key, Data: cloneRaw(e.data), Rev: e.rev}, true, nil
}

func (s *MemoryStore) ConditionalSet(ctx context.Context, collection, key string, data json.RawMessage, expectedRev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collections[collection]
	if c == nil {
		c = make(map[string]memEntry)
		s.collections[collection] = c
	}
	current := int64(0)
	if e, ok := c[key]; ok {
		current = e.rev
	}
	if current != expectedRev {
		return ErrRevisionMismatch
	}
	c[key] = memEntry{data: cloneRaw(data), rev: current + 1}
	return nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, staged: make(map[string]map[string]*memEntry)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(collection)
}

func (s *MemoryStore) list(collection string) ([]Document, error) {
	c := s.collections[collection]
	docs := make([]Document, 0, len(c))
	for k, e := range c {
		docs = append(docs, Document{Key: k, Data: cloneRaw(e.data), Rev: e.rev})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes and applies them on commit. A nil staged entry marks a
// deletion.
type memTx struct {
	store  *memStoreAlias
	staged map[string]map[string]*memEntry
}

type memStoreAlias = MemoryStore

func (t *memTx) Get(collection, key string) (Document, bool, error) {
	if c, ok := t.staged[collection]; ok {
		if e, staged := c[key]; staged {
			if e == nil {
				return Document{}, false, nil
			}
			return Document{Key: key, Data: cloneRaw(e.data), Rev: e.rev}, true, nil
		}
	}
	return t.store.get(collection, key)
}

func (t *memTx) Put(collection, key string, data json.RawMessage) error {
	rev := int64(1)
	if doc, ok, _ := t.Get(collection, key); ok {
		rev = doc.Rev + 1
	}
	t.stage(collection)[key] = &memEntry{data: cloneRaw(data), rev: rev}
	return nil
}

func (t *memTx) Delete(collection, key string) error {
	t.stage(collection)[key] = nil
	return nil
}

func (t *memTx) List(collection string) ([]Document, error) {
	base, _ := t.store.list(collection)
	staged, ok := t.staged[collection]
	if !ok {
		return base, nil
	}
	out := base[:0]
	for _, doc := range base {
		if e, isStaged := staged[doc.Key]; isStaged {
			if e == nil {
				continue
			}
			doc.Data, doc.Rev = cloneRaw(e.data), e.rev
		}
		out = append(out, doc)
	}
	for k, e := range staged {
		if e == nil {
			continue
		}
		if _, exists, _ := t.store.get(collection, k); !exists {
			out = append(out, Document{Key: k, Data: cloneRaw(e.data), Rev: e.rev})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *memTx) stage(collection string) map[string]*memEntry {
	c, ok := t.staged[collection]
	if !ok {
		c = make(map[string]*memEntry)
		t.staged[collection] = c
	}
	return c
}

func (t *memTx) commit() {
	for collection, staged := range t.staged {
		c := t.store.collections[collection]
		if c == nil {
			c = make(map[string]memEntry)
			t.store.collections[collection] = c
		}
		for k, e := range staged {
			if e == nil {
				delete(c, k)
				continue
			}
			c[k] = *e
		}
	}
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
