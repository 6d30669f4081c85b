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

// Package orchestrator implements the tool loop that drives a single run
// to completion (spec §4.2), grounded on the teacher's iteration loop in
// pkg/agent/llmagent/flow.go and its ChainOfThought strategy in
// pkg/reasoning/chain_of_thought_strategy.go.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"hectorcore/internal/eventmodel"
	"hectorcore/internal/llmproto"
	"hectorcore/internal/toolregistry"
)

// MaxIterations bounds the tool loop (spec §4.2).
const MaxIterations = 10

// ErrCodeMaxIterations is the Error.Code emitted when the loop is cut short.
const ErrCodeMaxIterations = "MAX_ITERATIONS"

// Orchestrator drives one LLM driver through repeated turns, executing tool
// calls against a registry until the model stops requesting them or the
// iteration cap is hit.
type Orchestrator struct {
	Driver   llmproto.Driver
	Registry *toolregistry.Registry

	// AssessCompletion, when set, is consulted each time a turn ends without
	// requesting a tool call, before the run is declared Done (spec §9
	// supplemented feature: completion-assessment-style verification). Nil
	// keeps the default iteration-based stop condition as primary.
	AssessCompletion CompletionAssessor
}

// Run streams normalized events for a full multi-turn tool loop. The
// returned channel is closed when the run terminates (Done or Error).
func (o *Orchestrator) Run(ctx context.Context, initial []eventmodel.Message, tools []eventmodel.ToolDefinition) <-chan eventmodel.Event {
	out := make(chan eventmodel.Event, 64)
	go o.run(ctx, initial, tools, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, initial []eventmodel.Message, tools []eventmodel.ToolDefinition, out chan<- eventmodel.Event) {
	defer close(out)

	out <- eventmodel.StreamStart{RequestID: uuid.NewString()}

	messages := append([]eventmodel.Message{}, initial...)
	originalQuery := firstUserText(initial)
	completionRetries := 0

	for iteration := 0; iteration < MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			out <- eventmodel.Error{Message: ctx.Err().Error(), Code: "CANCELLED"}
			return
		default:
		}

		turn, err := o.runTurn(ctx, messages, tools, out)
		if err != nil {
			out <- eventmodel.Error{Message: err.Error(), Code: "DRIVER_ERROR"}
			return
		}

		assistantMsg := eventmodel.Message{Role: eventmodel.RoleAssistant, Text: turn.text}
		for _, tc := range turn.toolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, eventmodel.ToolCall{
				ID: tc.ID, Kind: "function",
				Function: eventmodel.FunctionCall{Name: tc.Name, ArgumentsJSON: tc.ArgumentsJSON},
			})
		}
		if assistantMsg.HasContent() || len(assistantMsg.ToolCalls) > 0 {
			messages = append(messages, assistantMsg)
		}

		if !turn.hasToolCalls {
			if o.AssessCompletion != nil && completionRetries < maxCompletionRetries {
				assessment, err := o.AssessCompletion(ctx, originalQuery, turn.text)
				if err == nil && assessment != nil && !assessment.IsComplete && assessment.Recommendation == "continue" {
					completionRetries++
					messages = append(messages, eventmodel.Message{
						Role: eventmodel.RoleUser,
						Text: continuationPrompt(assessment),
					})
					continue
				}
			}
			out <- eventmodel.Done{}
			return
		}

		for _, tc := range turn.toolCalls {
			args := parseArguments(tc.ArgumentsJSON)

			var result map[string]interface{}
			var callErr error
			if schemaErr := validateArguments(tools, tc.Name, args); schemaErr != nil {
				callErr = fmt.Errorf("invalid arguments: %w", schemaErr)
			} else {
				result, callErr = o.Registry.Call(ctx, tc.Name, args)
			}
			success := callErr == nil
			content := resultContent(result, callErr)

			out <- eventmodel.ToolResult{ID: tc.ID, Name: tc.Name, Content: content, Success: success}
			messages = append(messages, eventmodel.Message{
				Role:       eventmodel.RoleTool,
				Text:       content,
				ToolCallID: tc.ID,
			})
		}
	}

	out <- eventmodel.Error{Message: fmt.Sprintf("exceeded %d iterations without terminating", MaxIterations), Code: ErrCodeMaxIterations}
}

type completedCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

type turnResult struct {
	text         string
	toolCalls    []completedCall
	hasToolCalls bool
}

// runTurn streams one driver turn, forwarding content/reasoning events
// verbatim and accumulating tool calls to execute after the turn ends.
func (o *Orchestrator) runTurn(ctx context.Context, messages []eventmodel.Message, tools []eventmodel.ToolDefinition, out chan<- eventmodel.Event) (turnResult, error) {
	ch, err := o.Driver.Stream(ctx, llmproto.Request{Messages: messages, Tools: tools})
	if err != nil {
		return turnResult{}, err
	}

	var result turnResult
	var textBuf []byte
	seenIndexes := map[int]bool{}
	var order []int
	byIndex := map[int]*completedCall{}

	for ev := range ch {
		switch e := ev.(type) {
		case eventmodel.Error:
			return turnResult{}, fmt.Errorf("%s", e.Message)
		case eventmodel.MessageDelta:
			textBuf = append(textBuf, e.Text...)
			out <- e
		case eventmodel.ThinkingDelta, eventmodel.ReasoningDelta, eventmodel.CitationAdded, eventmodel.MemoryUpdate, eventmodel.ToolCallDelta:
			out <- ev
		case eventmodel.ToolCallComplete:
			result.hasToolCalls = true
			if !seenIndexes[e.CallIndex] {
				seenIndexes[e.CallIndex] = true
				order = append(order, e.CallIndex)
			}
			byIndex[e.CallIndex] = &completedCall{ID: e.ID, Name: e.Name, ArgumentsJSON: e.ArgumentsJSON}
			out <- e
		case eventmodel.Usage:
			out <- e
		case eventmodel.Done:
			// turn-level terminator; the orchestrator decides run-level Done.
		}
	}

	sort.Ints(order)
	for _, idx := range order {
		result.toolCalls = append(result.toolCalls, *byIndex[idx])
	}
	result.text = string(textBuf)
	return result, nil
}

// parseArguments parses a tool call's accumulated arguments_json, using an
// empty object on failure rather than aborting the run (spec §4.2).
func parseArguments(argumentsJSON string) map[string]interface{} {
	if argumentsJSON == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return map[string]interface{}{}
	}
	return args
}

// validateArguments checks args against name's registered parameter schema,
// when one is present. A tool without a Parameters schema, or a schema the
// compiler rejects, is treated as unconstrained rather than failing the
// call outright.
func validateArguments(tools []eventmodel.ToolDefinition, name string, args map[string]interface{}) error {
	def := findToolDefinition(tools, name)
	if def == nil || len(def.Parameters) == 0 {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", def.Parameters); err != nil {
		return nil
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil
	}
	return schema.Validate(args)
}

// firstUserText returns the earliest user message's text, the original
// request an AssessCompletion hook judges subsequent turns against.
func firstUserText(messages []eventmodel.Message) string {
	for _, m := range messages {
		if m.Role == eventmodel.RoleUser {
			return m.Text
		}
	}
	return ""
}

func findToolDefinition(tools []eventmodel.ToolDefinition, name string) *eventmodel.ToolDefinition {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

func resultContent(result map[string]interface{}, callErr error) string {
	if callErr != nil {
		return "Error: " + callErr.Error()
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(b)
}
