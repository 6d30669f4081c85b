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

// Package contextmgr implements the context window trimming strategies of
// spec §4.4, grounded on the teacher's token accounting in
// pkg/utils/tokens.go and its trigger-threshold selection in
// pkg/agent/context_manager.go.
package contextmgr

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"hectorcore/internal/config"
	"hectorcore/internal/eventmodel"
)

// tokensPerMessage mirrors OpenAI's accounting format: <|start|>role\nmessage<|end|>
const tokensPerMessage = 3

// replyPrimingTokens accounts for <|start|>assistant<|message|> (every reply).
const replyPrimingTokens = 3

var (
	encodingCache = map[string]*tiktoken.Tiktoken{}
	encodingMu    sync.Mutex
)

func encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	encodingCache[model] = enc
	return enc, nil
}

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter builds a Counter for model, falling back to cl100k_base when
// the model has no registered encoding.
func NewCounter(model string) (*Counter, error) {
	enc, err := encodingForModel(model)
	if err != nil {
		return nil, err
	}
	return &Counter{encoding: enc}, nil
}

func (c *Counter) countText(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage returns one message's token cost including role overhead.
func (c *Counter) CountMessage(m eventmodel.Message) int {
	return tokensPerMessage + c.countText(string(m.Role)) + c.countText(m.Text)
}

// CountMessages returns the total token cost of messages, including the
// fixed reply-priming overhead.
func (c *Counter) CountMessages(messages []eventmodel.Message) int {
	total := replyPrimingTokens
	for _, m := range messages {
		total += c.CountMessage(m)
	}
	return total
}

// Action describes the outcome of one Apply call (spec §4.4).
type Action struct {
	Strategy          config.ContextStrategy
	MessagesRemoved   int
	TokensSaved       int
	WasApplied        bool
	SummaryGenerated  bool
}

// Manager applies a trimming strategy once a conversation's token count
// reaches TriggerThreshold * (MaxTokens - ReserveTokens).
type Manager struct {
	counter *Counter
	cfg     config.ContextConfig
}

// New builds a Manager for model using cfg's strategy and thresholds.
func New(model string, cfg config.ContextConfig) (*Manager, error) {
	counter, err := NewCounter(model)
	if err != nil {
		return nil, err
	}
	return &Manager{counter: counter, cfg: cfg}, nil
}

// Apply returns a trimmed copy of messages, conservatively: if no message
// needs dropping, the input is returned unchanged. Applying Apply twice to its
// own output is a no-op (spec's idempotence property).
func (m *Manager) Apply(messages []eventmodel.Message) ([]eventmodel.Message, Action) {
	budget := m.cfg.MaxTokens - m.cfg.ReserveTokens
	current := m.counter.CountMessages(messages)
	trigger := float64(budget) * m.cfg.TriggerThreshold

	if m.cfg.Strategy == config.StrategyNone || float64(current) < trigger {
		return messages, Action{Strategy: m.cfg.Strategy}
	}

	var trimmed []eventmodel.Message
	switch m.cfg.Strategy {
	case config.StrategyKeepFirstLast:
		trimmed = m.keepFirstLast(messages, budget)
	case config.StrategyProgressiveSummarization:
		// Summarization requires an LLM call the context manager does not
		// own; fall back to KeepFirstLast and report no summary generated.
		trimmed = m.keepFirstLast(messages, budget)
	default: // SlidingWindow
		trimmed = m.slidingWindow(messages, budget)
	}

	if len(trimmed) == len(messages) {
		return messages, Action{Strategy: m.cfg.Strategy}
	}

	return trimmed, Action{
		Strategy:        m.cfg.Strategy,
		MessagesRemoved: len(messages) - len(trimmed),
		TokensSaved:     current - m.counter.CountMessages(trimmed),
		WasApplied:      true,
	}
}

// slidingWindow keeps the most recent messages that fit within budget,
// always preserving a leading system message if present.
func (m *Manager) slidingWindow(messages []eventmodel.Message, budget int) []eventmodel.Message {
	var system *eventmodel.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == eventmodel.RoleSystem {
		system = &messages[0]
		rest = messages[1:]
	}

	reserved := replyPrimingTokens
	if system != nil {
		reserved += m.counter.CountMessage(*system)
	}

	var kept []eventmodel.Message
	total := reserved
	for i := len(rest) - 1; i >= 0; i-- {
		cost := m.counter.CountMessage(rest[i])
		if total+cost > budget {
			break
		}
		kept = append([]eventmodel.Message{rest[i]}, kept...)
		total += cost
	}

	if system != nil {
		return append([]eventmodel.Message{*system}, kept...)
	}
	return kept
}

// keepFirstLast preserves every leading system message plus the first
// non-system message (often the goal-setting user turn), and the most
// recent messages that fit, dropping from the middle.
func (m *Manager) keepFirstLast(messages []eventmodel.Message, budget int) []eventmodel.Message {
	if len(messages) <= 2 {
		return messages
	}

	leadingEnd := 0
	for leadingEnd < len(messages) && messages[leadingEnd].Role == eventmodel.RoleSystem {
		leadingEnd++
	}
	if leadingEnd < len(messages) {
		leadingEnd++
	}
	leading := messages[:leadingEnd]
	rest := messages[leadingEnd:]

	reserved := replyPrimingTokens
	for _, lm := range leading {
		reserved += m.counter.CountMessage(lm)
	}

	var kept []eventmodel.Message
	total := reserved
	for i := len(rest) - 1; i >= 0; i-- {
		cost := m.counter.CountMessage(rest[i])
		if total+cost > budget {
			break
		}
		kept = append([]eventmodel.Message{rest[i]}, kept...)
		total += cost
	}

	return append(append([]eventmodel.Message{}, leading...), kept...)
}
