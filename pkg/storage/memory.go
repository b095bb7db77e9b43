// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MemoryConversationStorage is an in-process ConversationStorage backed by
// a map; it does not persist across restarts (spec.md §6 "Memory"
// implementation).
type MemoryConversationStorage struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryConversationStorage builds an empty store.
func NewMemoryConversationStorage() *MemoryConversationStorage {
	return &MemoryConversationStorage{conversations: make(map[string]*Conversation)}
}

// Create inserts a new conversation and returns its generated id.
func (s *MemoryConversationStorage) Create(ctx context.Context, nc NewConversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.conversations[id] = &Conversation{
		ID:       id,
		TenantID: nc.TenantID,
		Metadata: cloneStringMap(nc.Metadata),
	}
	return id, nil
}

// Get returns a defensive copy of the conversation, or ErrNotFound.
func (s *MemoryConversationStorage) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return cloneConversation(c), nil
}

// List returns every conversation matching params, newest-created is not
// guaranteed in any particular order (the memory backend does not index by
// creation time).
func (s *MemoryConversationStorage) List(ctx context.Context, params ListParams) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Conversation
	for _, c := range s.conversations {
		if params.TenantID != "" && c.TenantID != params.TenantID {
			continue
		}
		out = append(out, cloneConversation(c))
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
	}
	return out, nil
}

// AppendItems appends items to the conversation's item list.
func (s *MemoryConversationStorage) AppendItems(ctx context.Context, id string, items []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	c.Items = append(c.Items, items...)
	return nil
}

// Delete removes the conversation, if present.
func (s *MemoryConversationStorage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return &ErrNotFound{ID: id}
	}
	delete(s.conversations, id)
	return nil
}

// MemoryResponseStorage is an in-process ResponseStorage backed by a map,
// chaining responses via their caller-supplied previous_response_id.
type MemoryResponseStorage struct {
	mu         sync.RWMutex
	bodies     map[string]json.RawMessage
	childrenOf map[string][]string // previous_response_id -> responses naming it
}

// NewMemoryResponseStorage builds an empty store.
func NewMemoryResponseStorage() *MemoryResponseStorage {
	return &MemoryResponseStorage{
		bodies:     make(map[string]json.RawMessage),
		childrenOf: make(map[string][]string),
	}
}

// responsePrevID is the subset of a stored response body this package
// reads to maintain the chain index; callers may store a richer body, but
// it must carry this field for ListChain to work.
type responsePrevID struct {
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

// Put stores body under id, indexing its previous_response_id (if any) for
// ListChain.
func (s *MemoryResponseStorage) Put(ctx context.Context, id string, body json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bodies[id] = append(json.RawMessage(nil), body...)

	var prev responsePrevID
	if err := json.Unmarshal(body, &prev); err == nil && prev.PreviousResponseID != "" {
		s.childrenOf[prev.PreviousResponseID] = append(s.childrenOf[prev.PreviousResponseID], id)
	}
	return nil
}

// Get returns the stored body for id, or ErrNotFound.
func (s *MemoryResponseStorage) Get(ctx context.Context, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.bodies[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return append(json.RawMessage(nil), body...), nil
}

// ListChain walks forward from previousID along the responses that name
// their predecessor as previous_response_id, in chain order. Where several
// responses name the same predecessor, only the first one recorded is
// followed; the other branches are not returned.
func (s *MemoryResponseStorage) ListChain(ctx context.Context, previousID string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []json.RawMessage
	current := previousID
	for {
		children := s.childrenOf[current]
		if len(children) == 0 {
			break
		}
		next := children[0]
		out = append(out, append(json.RawMessage(nil), s.bodies[next]...))
		current = next
	}
	return out, nil
}

// NoneConversationStorage discards every write; Get/List always report no
// data (spec.md §6 "None" implementation, for deployments that opt out of
// conversation persistence entirely).
type NoneConversationStorage struct{}

func (NoneConversationStorage) Create(context.Context, NewConversation) (string, error) {
	return uuid.NewString(), nil
}
func (NoneConversationStorage) Get(ctx context.Context, id string) (*Conversation, error) {
	return nil, &ErrNotFound{ID: id}
}
func (NoneConversationStorage) List(context.Context, ListParams) ([]*Conversation, error) {
	return nil, nil
}
func (NoneConversationStorage) AppendItems(context.Context, string, []json.RawMessage) error {
	return nil
}
func (NoneConversationStorage) Delete(context.Context, string) error { return nil }

// NoneResponseStorage discards every write (spec.md §6 "None"
// implementation).
type NoneResponseStorage struct{}

func (NoneResponseStorage) Put(context.Context, string, json.RawMessage) error { return nil }
func (NoneResponseStorage) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return nil, &ErrNotFound{ID: id}
}
func (NoneResponseStorage) ListChain(context.Context, string) ([]json.RawMessage, error) {
	return nil, nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneConversation(c *Conversation) *Conversation {
	clone := *c
	clone.Metadata = cloneStringMap(c.Metadata)
	clone.Items = append([]json.RawMessage(nil), c.Items...)
	return &clone
}

var (
	_ ConversationStorage = (*MemoryConversationStorage)(nil)
	_ ConversationStorage = NoneConversationStorage{}
	_ ResponseStorage     = (*MemoryResponseStorage)(nil)
	_ ResponseStorage     = NoneResponseStorage{}
)
