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

// Package runmanager implements the per-run lifecycle and broadcast fan-out
// of spec §4.3: it resolves/creates a session, enriches the system prompt
// with a skill overlay (no knowledge passages are retrieved or injected into
// the prompt), runs the orchestrator's tool loop, and
// relabels normalized events into the domain event vocabulary of spec §6
// while persisting the turn back to the session.
//
// Grounded on the teacher's request-scoped event translation in
// pkg/server/events.go and its SSE delivery pattern in
// pkg/transport/rest_gateway.go; the multi-subscriber broadcast channel
// itself has no direct teacher precedent and is built in the idiom the
// teacher uses elsewhere for bounded, mutex-guarded channel state
// (pkg/server/server.go's stopChan/reloadChan).
package runmanager

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"hectorcore/internal/config"
	"hectorcore/internal/contextmgr"
	"hectorcore/internal/eventmodel"
	"hectorcore/internal/llmproto"
	"hectorcore/internal/observability"
	"hectorcore/internal/orchestrator"
	"hectorcore/internal/session"
	"hectorcore/internal/skills"
	"hectorcore/internal/toolregistry"
)

// Status is a Run's lifecycle stage (spec §4.3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// DomainEvent is the relabeled vocabulary exposed outside the core (spec
// §6's mapping table), wrapping one normalized eventmodel.Event.
type DomainEvent struct {
	Kind    string
	RunID   string
	Payload eventmodel.Event
}

// domain event kinds (spec §6).
const (
	KindChatDelta      = "ChatDelta"
	KindReasoningDelta = "ReasoningDelta"
	KindToolStart      = "ToolStart"
	KindToolEnd        = "ToolEnd"
	KindError          = "Error"
	KindRunStart       = "RunStart"
	KindRunDone        = "RunDone"
)

// relabel maps one normalized event to zero or one domain events (spec §6).
func relabel(runID string, ev eventmodel.Event) (DomainEvent, bool) {
	switch ev.(type) {
	case eventmodel.MessageDelta:
		return DomainEvent{Kind: KindChatDelta, RunID: runID, Payload: ev}, true
	case eventmodel.ThinkingDelta, eventmodel.ReasoningDelta:
		return DomainEvent{Kind: KindReasoningDelta, RunID: runID, Payload: ev}, true
	case eventmodel.ToolCallComplete:
		return DomainEvent{Kind: KindToolStart, RunID: runID, Payload: ev}, true
	case eventmodel.ToolResult:
		return DomainEvent{Kind: KindToolEnd, RunID: runID, Payload: ev}, true
	case eventmodel.Error:
		return DomainEvent{Kind: KindError, RunID: runID, Payload: ev}, true
	default:
		return DomainEvent{}, false
	}
}

// broadcastCapacity bounds each subscriber's channel (spec §4.3).
const broadcastCapacity = 100

// run tracks one in-flight or completed run's broadcast state.
type run struct {
	id     string
	status Status

	mu   sync.Mutex
	subs []chan DomainEvent
}

func (r *run) subscribe() <-chan DomainEvent {
	ch := make(chan DomainEvent, broadcastCapacity)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// publish fans out to every current subscriber without blocking; a
// subscriber that can't keep up has the event dropped for it and the drop
// recorded in metrics rather than stalling the run (spec §4.3).
func (r *run) publish(ev DomainEvent, metrics *observability.Metrics) {
	r.mu.Lock()
	subs := append([]chan DomainEvent{}, r.subs...)
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			if metrics != nil {
				metrics.BroadcastDropped(r.id)
			}
		}
	}
}

func (r *run) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// Dependencies bundles what Manager needs to execute a run; callers build
// one composite registry and context/skill configuration shared across
// runs, and the Manager augments it per-run with ephemeral tools.
type Dependencies struct {
	Driver       llmproto.Driver
	BaseRegistry *toolregistry.Registry
	Sessions     *session.Store
	ContextMgr   *contextmgr.Manager
	SkillMatcher *skills.Matcher
	Metrics      *observability.Metrics
	RunManager   config.RunManagerConfig
}

// Manager owns the run_id -> run table and drives runs to completion.
type Manager struct {
	deps Dependencies

	mu   sync.Mutex
	runs map[string]*run
}

// New builds a Manager over deps.
func New(deps Dependencies) *Manager {
	return &Manager{deps: deps, runs: map[string]*run{}}
}

// Start resolves/creates sessionID's session, launches the orchestrator
// asynchronously, and returns the new run's id. The run's events are only
// available to subscribers that call Subscribe before the run finishes;
// late joiners do not receive replay (spec §4.3).
func (m *Manager) Start(ctx context.Context, sessionID string, userMessage eventmodel.Message, extraTools ...toolregistry.Toolset) (string, error) {
	runID, _, err := m.start(ctx, sessionID, userMessage, extraTools, false)
	return runID, err
}

// StartAndSubscribe is Start plus an atomic initial Subscribe, closing the
// window between launching a run and registering its first subscriber. HTTP
// handlers that stream the run they just started must use this instead of
// Start+Subscribe, since the execute goroutine may otherwise publish (and
// drop, unobserved) its opening events before a separate Subscribe call runs.
func (m *Manager) StartAndSubscribe(ctx context.Context, sessionID string, userMessage eventmodel.Message, extraTools ...toolregistry.Toolset) (string, <-chan DomainEvent, error) {
	return m.start(ctx, sessionID, userMessage, extraTools, true)
}

func (m *Manager) start(ctx context.Context, sessionID string, userMessage eventmodel.Message, extraTools []toolregistry.Toolset, subscribe bool) (string, <-chan DomainEvent, error) {
	sess, err := m.deps.Sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}

	runID := uuid.NewString()
	r := &run{id: runID, status: StatusPending}

	m.mu.Lock()
	m.runs[runID] = r
	m.mu.Unlock()

	var events <-chan DomainEvent
	if subscribe {
		events = r.subscribe()
	}

	go m.execute(ctx, r, sess, userMessage, extraTools)
	return runID, events, nil
}

// Subscribe returns a channel of this run's domain events. Returns false if
// runID is unknown; a run that has already finished yields a closed channel.
func (m *Manager) Subscribe(runID string) (<-chan DomainEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	switch r.status {
	case StatusDone, StatusError, StatusCancelled:
		ch := make(chan DomainEvent)
		close(ch)
		return ch, true
	}
	return r.subscribe(), true
}

// Status returns runID's current lifecycle stage.
func (m *Manager) Status(runID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return "", false
	}
	return r.status, true
}

func (m *Manager) execute(ctx context.Context, r *run, sess session.Session, userMessage eventmodel.Message, extraTools []toolregistry.Toolset) {
	m.setStatus(r, StatusRunning)
	r.publish(DomainEvent{Kind: KindRunStart, RunID: r.id}, m.deps.Metrics)
	if m.deps.Metrics != nil {
		m.deps.Metrics.RunStarted(r.id)
	}

	systemPrompt := sess.SystemPrompt
	if m.deps.SkillMatcher != nil {
		if overlay := m.skillOverlay(ctx, userMessage); overlay != "" {
			if systemPrompt != "" {
				systemPrompt += "\n\n" + overlay
			} else {
				systemPrompt = overlay
			}
		}
	}

	var messages []eventmodel.Message
	if systemPrompt != "" {
		messages = append(messages, eventmodel.Message{Role: eventmodel.RoleSystem, Text: systemPrompt})
	}
	messages = append(messages, sess.Messages...)
	messages = append(messages, userMessage)

	if m.deps.ContextMgr != nil {
		trimmed, action := m.deps.ContextMgr.Apply(messages)
		messages = trimmed
		if action.WasApplied && m.deps.Metrics != nil {
			m.deps.Metrics.ContextTrimApplied(string(action.Strategy))
		}
	}

	registry := m.deps.BaseRegistry
	if len(extraTools) > 0 {
		registry = registry.Merge(extraTools...)
	}

	tools, err := registry.ToolDefinitions(ctx)
	if err != nil {
		m.finish(ctx, r, sess, userMessage, nil, eventmodel.Error{Message: err.Error(), Code: "REGISTRY_ERROR"}, StatusError)
		return
	}

	orch := &orchestrator.Orchestrator{Driver: m.deps.Driver, Registry: registry}
	events := orch.Run(ctx, messages, tools)

	var turn pendingTurn
	var toPersist []eventmodel.Message
	var terminal eventmodel.Event
	finalStatus := StatusDone

	for ev := range events {
		if de, ok := relabel(r.id, ev); ok {
			r.publish(de, m.deps.Metrics)
		}
		switch e := ev.(type) {
		case eventmodel.MessageDelta:
			if len(turn.toolResults) > 0 {
				toPersist = turn.flush(toPersist)
			}
			turn.text = append(turn.text, e.Text...)
		case eventmodel.ToolCallComplete:
			if len(turn.toolResults) > 0 {
				toPersist = turn.flush(toPersist)
			}
			turn.toolCalls = append(turn.toolCalls, eventmodel.ToolCall{
				ID:   e.ID,
				Kind: "function",
				Function: eventmodel.FunctionCall{
					Name:          e.Name,
					ArgumentsJSON: e.ArgumentsJSON,
				},
			})
		case eventmodel.ToolResult:
			turn.toolResults = append(turn.toolResults, eventmodel.Message{
				Role:       eventmodel.RoleTool,
				Text:       e.Content,
				ToolCallID: e.ID,
			})
		case eventmodel.Error:
			terminal = e
			finalStatus = StatusError
		case eventmodel.Done:
			terminal = e
		}
	}
	toPersist = turn.flush(toPersist)

	m.finish(ctx, r, sess, userMessage, toPersist, terminal, finalStatus)
}

// pendingTurn accumulates one orchestrator turn's assistant text and tool
// calls until its tool results arrive, at the same message boundaries the
// Orchestrator itself builds (spec §4.3 step 5): one assistant message
// (text plus any tool calls) followed by one tool-role message per result.
type pendingTurn struct {
	text        []byte
	toolCalls   []eventmodel.ToolCall
	toolResults []eventmodel.Message
}

// flush appends this turn's assistant/tool messages to persisted and resets
// the accumulator in place.
func (t *pendingTurn) flush(persisted []eventmodel.Message) []eventmodel.Message {
	assistantMsg := eventmodel.Message{Role: eventmodel.RoleAssistant, Text: string(t.text), ToolCalls: t.toolCalls}
	if assistantMsg.HasContent() || len(assistantMsg.ToolCalls) > 0 {
		persisted = append(persisted, assistantMsg)
	}
	persisted = append(persisted, t.toolResults...)
	*t = pendingTurn{}
	return persisted
}

func (m *Manager) finish(ctx context.Context, r *run, sess session.Session, userMessage eventmodel.Message, assistantMessages []eventmodel.Message, terminal eventmodel.Event, status Status) {
	toPersist := append([]eventmodel.Message{userMessage}, assistantMessages...)
	_ = m.deps.Sessions.AppendMessages(ctx, sess.ID, toPersist...)

	m.setStatus(r, status)
	r.publish(DomainEvent{Kind: KindRunDone, RunID: r.id, Payload: terminal}, m.deps.Metrics)
	if m.deps.Metrics != nil {
		m.deps.Metrics.RunCompleted(r.id, string(status))
	}
	r.closeAll()
}

func (m *Manager) setStatus(r *run, status Status) {
	m.mu.Lock()
	r.status = status
	m.mu.Unlock()
}

// skillOverlay matches the user's message against the registered skill set
// and renders the top match's skill id (not its title) as a short
// system-prompt addendum; lower-ranked matches are not included
// (spec §4.5's composition into run enrichment).
func (m *Manager) skillOverlay(ctx context.Context, userMessage eventmodel.Message) string {
	matches, err := m.deps.SkillMatcher.Match(ctx, userMessage.Text)
	if err != nil || len(matches) == 0 {
		return ""
	}
	top := matches[0]
	if m.deps.Metrics != nil {
		m.deps.Metrics.SkillMatched(top.SkillID, top.Reason)
	}
	return "Relevant skill: " + top.SkillID
}
