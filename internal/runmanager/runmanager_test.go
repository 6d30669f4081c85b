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

package runmanager

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"hectorcore/internal/config"
	"hectorcore/internal/contextmgr"
	"hectorcore/internal/eventmodel"
	"hectorcore/internal/llmproto"
	"hectorcore/internal/observability"
	"hectorcore/internal/session"
	"hectorcore/internal/skills"
	"hectorcore/internal/toolregistry"
)

// scriptedDriver returns the next entry of turns on each Stream call.
type scriptedDriver struct {
	turns [][]eventmodel.Event
	calls int
}

func (d *scriptedDriver) Stream(ctx context.Context, req llmproto.Request) (<-chan eventmodel.Event, error) {
	idx := d.calls
	d.calls++
	ch := make(chan eventmodel.Event, len(d.turns[idx]))
	for _, ev := range d.turns[idx] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func drainAll(t *testing.T, ch <-chan DomainEvent) []DomainEvent {
	t.Helper()
	var out []DomainEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining domain events")
		}
	}
}

func waitForStatus(t *testing.T, m *Manager, runID string, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		default:
			got, ok := m.Status(runID)
			if ok && got == want {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func newManager(driver llmproto.Driver) (*Manager, *session.Store) {
	sessions := session.NewStore()
	return New(Dependencies{
		Driver:       driver,
		BaseRegistry: toolregistry.New(),
		Sessions:     sessions,
		Metrics:      observability.New(),
	}), sessions
}

func TestStartRunsToCompletionAndPersistsMessages(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "hi there"}, eventmodel.Done{}},
	}}
	m, _ := newManager(driver)

	runID, err := m.Start(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)

	sub, ok := m.Subscribe(runID)
	require.True(t, ok)

	events := drainAll(t, sub)
	require.NotEmpty(t, events)
	require.Equal(t, KindRunStart, events[0].Kind)
	require.Equal(t, KindRunDone, events[len(events)-1].Kind)

	waitForStatus(t, m, runID, StatusDone)
}

func TestStartPersistsAssistantAndToolMessagesForToolUsingRun(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{
			eventmodel.ToolCallDelta{CallIndex: 0, ID: "c_1", Name: "time::now", ArgumentsDelta: `{}`},
			eventmodel.ToolCallComplete{CallIndex: 0, ID: "c_1", Name: "time::now", ArgumentsJSON: `{}`},
		},
		{eventmodel.MessageDelta{Text: "It is noon."}, eventmodel.Done{}},
	}}

	registry := toolregistry.New()
	registry.Register(toolregistry.NewStaticToolset("time", &toolregistry.FuncTool{
		NameStr: "now",
		Fn: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"time": "12:00"}, nil
		},
	}))

	sessions := session.NewStore()
	m := New(Dependencies{Driver: driver, BaseRegistry: registry, Sessions: sessions, Metrics: observability.New()})

	runID, err := m.Start(context.Background(), "sess-1", eventmodel.Message{Role: eventmodel.RoleUser, Text: "what time"})
	require.NoError(t, err)

	sub, ok := m.Subscribe(runID)
	require.True(t, ok)
	drainAll(t, sub)
	waitForStatus(t, m, runID, StatusDone)

	sess, err := sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)

	require.Len(t, sess.Messages, 4)
	require.Equal(t, eventmodel.RoleUser, sess.Messages[0].Role)
	require.Equal(t, "what time", sess.Messages[0].Text)

	require.Equal(t, eventmodel.RoleAssistant, sess.Messages[1].Role)
	require.Len(t, sess.Messages[1].ToolCalls, 1)
	require.Equal(t, "c_1", sess.Messages[1].ToolCalls[0].ID)
	require.Equal(t, "time::now", sess.Messages[1].ToolCalls[0].Function.Name)

	require.Equal(t, eventmodel.RoleTool, sess.Messages[2].Role)
	require.Equal(t, "c_1", sess.Messages[2].ToolCallID)
	require.Contains(t, sess.Messages[2].Text, "12:00")

	require.Equal(t, eventmodel.RoleAssistant, sess.Messages[3].Role)
	require.Equal(t, "It is noon.", sess.Messages[3].Text)
	require.Empty(t, sess.Messages[3].ToolCalls)
}

// kindSequence reduces a run's events to the (Kind, RunID) shape, dropping
// the Payload so two runs can be compared on event ordering alone.
type kindSequence struct {
	Kind  string
	RunID string
}

func toKindSequence(events []DomainEvent) []kindSequence {
	seq := make([]kindSequence, len(events))
	for i, ev := range events {
		seq[i] = kindSequence{Kind: ev.Kind, RunID: ev.RunID}
	}
	return seq
}

// TestTwoIdenticalScriptsProduceIdenticalEventSequences guards the Run
// Manager's event ordering: two runs driven by the same scripted driver
// responses must emit the exact same lifecycle/chat kind sequence,
// independent of their (different) run ids.
func TestTwoIdenticalScriptsProduceIdenticalEventSequences(t *testing.T) {
	script := [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "hi there"}, eventmodel.Done{}},
	}

	m1, _ := newManager(&scriptedDriver{turns: script})
	runID1, err := m1.Start(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)
	sub1, ok := m1.Subscribe(runID1)
	require.True(t, ok)
	events1 := drainAll(t, sub1)

	m2, _ := newManager(&scriptedDriver{turns: script})
	runID2, err := m2.Start(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)
	sub2, ok := m2.Subscribe(runID2)
	require.True(t, ok)
	events2 := drainAll(t, sub2)

	got := toKindSequence(events1)
	want := toKindSequence(events2)
	for i := range want {
		want[i].RunID = got[i].RunID // run ids are expected to differ; only kind order is asserted
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event kind sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRelabelMapsNormalizedEventsToDomainKinds(t *testing.T) {
	cases := []struct {
		in       eventmodel.Event
		wantKind string
		wantOK   bool
	}{
		{eventmodel.MessageDelta{Text: "x"}, KindChatDelta, true},
		{eventmodel.ThinkingDelta{Text: "x"}, KindReasoningDelta, true},
		{eventmodel.ReasoningDelta{Text: "x"}, KindReasoningDelta, true},
		{eventmodel.ToolCallComplete{ID: "c_1"}, KindToolStart, true},
		{eventmodel.ToolResult{ID: "c_1"}, KindToolEnd, true},
		{eventmodel.Error{Message: "boom"}, KindError, true},
		{eventmodel.StreamStart{}, "", false},
		{eventmodel.Done{}, "", false},
	}

	for _, tc := range cases {
		de, ok := relabel("run-1", tc.in)
		require.Equal(t, tc.wantOK, ok)
		if ok {
			require.Equal(t, tc.wantKind, de.Kind)
			require.Equal(t, "run-1", de.RunID)
		}
	}
}

func TestExecutePersistsUserAndAssistantMessages(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "part one "}, eventmodel.MessageDelta{Text: "part two"}, eventmodel.Done{}},
	}}
	m, sessions := newManager(driver)

	sess, err := sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	runID, err := m.Start(context.Background(), sess.ID, eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)

	sub, ok := m.Subscribe(runID)
	require.True(t, ok)
	drainAll(t, sub)
	waitForStatus(t, m, runID, StatusDone)

	updated, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, updated.Messages, 2)
	require.Equal(t, eventmodel.RoleUser, updated.Messages[0].Role)
	require.Equal(t, eventmodel.RoleAssistant, updated.Messages[1].Role)
	require.Equal(t, "part one part two", updated.Messages[1].Text)
}

func TestExecuteSetsErrorStatusOnDriverError(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.Error{Message: "boom", Code: "UPSTREAM"}},
	}}
	m, _ := newManager(driver)

	runID, err := m.Start(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)

	sub, ok := m.Subscribe(runID)
	require.True(t, ok)
	events := drainAll(t, sub)

	waitForStatus(t, m, runID, StatusError)

	var sawError bool
	for _, ev := range events {
		if ev.Kind == KindError {
			sawError = true
		}
	}
	require.True(t, sawError)
}

func TestBroadcastFansOutToMultipleSubscribers(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "hi"}, eventmodel.Done{}},
	}}
	m, _ := newManager(driver)

	runID, err := m.Start(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)

	subA, ok := m.Subscribe(runID)
	require.True(t, ok)
	subB, ok := m.Subscribe(runID)
	require.True(t, ok)

	eventsA := drainAll(t, subA)
	eventsB := drainAll(t, subB)
	require.Equal(t, len(eventsA), len(eventsB))
	require.Equal(t, eventsA[0].Kind, eventsB[0].Kind)
}

func TestStartAndSubscribeObservesRunStartEvent(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "hi"}, eventmodel.Done{}},
	}}
	m, _ := newManager(driver)

	runID, sub, err := m.StartAndSubscribe(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	events := drainAll(t, sub)
	require.NotEmpty(t, events)
	require.Equal(t, KindRunStart, events[0].Kind)
}

func TestSubscribeUnknownRunReturnsFalse(t *testing.T) {
	m, _ := newManager(&scriptedDriver{})
	_, ok := m.Subscribe("ghost")
	require.False(t, ok)
}

func TestPublishDropsWhenSubscriberLagsWithoutBlocking(t *testing.T) {
	r := &run{id: "run-lag"}
	ch := r.subscribe()

	metrics := observability.New()
	for i := 0; i < broadcastCapacity+10; i++ {
		r.publish(DomainEvent{Kind: KindChatDelta, RunID: r.id}, metrics)
	}

	require.Len(t, ch, broadcastCapacity)
}

func TestSkillOverlayAddedToSystemPrompt(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "ok"}, eventmodel.Done{}},
	}}
	sessions := session.NewStore()
	matcher := skills.New(nil, 0, 0)
	require.NoError(t, matcher.Register(context.Background(), skills.Skill{
		ID: "billing", Title: "Billing", Tags: []string{"invoice"},
	}))

	sess, err := sessions.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, sessions.SetSystemPrompt(context.Background(), sess.ID, "be concise"))

	m := New(Dependencies{
		Driver:       driver,
		BaseRegistry: toolregistry.New(),
		Sessions:     sessions,
		SkillMatcher: matcher,
		Metrics:      observability.New(),
	})

	runID, err := m.Start(context.Background(), sess.ID, eventmodel.Message{Role: eventmodel.RoleUser, Text: "question about invoice"})
	require.NoError(t, err)

	sub, ok := m.Subscribe(runID)
	require.True(t, ok)
	drainAll(t, sub)
	waitForStatus(t, m, runID, StatusDone)
}

func TestContextManagerAppliedBeforeOrchestratorCall(t *testing.T) {
	driver := &scriptedDriver{turns: [][]eventmodel.Event{
		{eventmodel.MessageDelta{Text: "ok"}, eventmodel.Done{}},
	}}
	sessions := session.NewStore()
	cfg := config.ContextConfig{MaxTokens: 1000000, ReserveTokens: 0, TriggerThreshold: 0.99, Strategy: config.StrategySlidingWindow}
	cm, err := contextmgr.New("gpt-4o", cfg)
	require.NoError(t, err)

	m := New(Dependencies{
		Driver:       driver,
		BaseRegistry: toolregistry.New(),
		Sessions:     sessions,
		ContextMgr:   cm,
		Metrics:      observability.New(),
	})

	runID, err := m.Start(context.Background(), "", eventmodel.Message{Role: eventmodel.RoleUser, Text: "hello"})
	require.NoError(t, err)

	sub, ok := m.Subscribe(runID)
	require.True(t, ok)
	drainAll(t, sub)
	waitForStatus(t, m, runID, StatusDone)
}
