// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session implements the Session type and an in-memory Store
// (spec §3, §6), grounded on the teacher's Session/Service split in
// pkg/session/session.go.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"hectorcore/internal/eventmodel"
)

// ErrNotFound is returned when a session id does not resolve.
var ErrNotFound = errors.New("session: not found")

// Session holds a conversation's accumulated state (spec §3).
//
// Mutation happens only through Store methods (AppendMessages,
// SetSystemPrompt); callers must not modify Messages directly, since a Store
// guards every mutation with its own lock.
type Session struct {
	ID           string
	Messages     []eventmodel.Message
	CreatedAt    time.Time
	LastActivity time.Time
	SystemPrompt string
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.Messages = append([]eventmodel.Message{}, s.Messages...)
	return cp
}

// Store is an in-memory session table guarded by a single store-wide mutex;
// sessions have no lock of their own.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{sessions: map[string]*Session{}, now: time.Now}
}

// GetOrCreate resolves id to an existing session, or creates one with a
// freshly generated id when id is empty.
func (st *Store) GetOrCreate(ctx context.Context, id string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if id != "" {
		if s, ok := st.sessions[id]; ok {
			return s.snapshot(), nil
		}
	} else {
		id = uuid.NewString()
	}

	now := st.now()
	s := &Session{ID: id, CreatedAt: now, LastActivity: now}
	st.sessions[id] = s
	return s.snapshot(), nil
}

// Get resolves id to an existing session, or ErrNotFound.
func (st *Store) Get(ctx context.Context, id string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// AppendMessages appends messages to id's history and advances
// LastActivity, which is monotonic: it never moves backward even if the
// caller's clock is stale.
func (st *Store) AppendMessages(ctx context.Context, id string, messages ...eventmodel.Message) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Messages = append(s.Messages, messages...)
	now := st.now()
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
	return nil
}

// SetSystemPrompt replaces id's system prompt.
func (st *Store) SetSystemPrompt(ctx context.Context, id string, prompt string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.SystemPrompt = prompt
	return nil
}

// Delete removes a session.
func (st *Store) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(st.sessions, id)
	return nil
}
