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

// Package responses implements the event-typed "responses" LLM wire dialect
// (spec §4.1), grounded on the teacher's OpenAI Responses API event-name
// constants and output-item accumulation in pkg/llms/openai.go.
package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hectorcore/internal/eventmodel"
	"hectorcore/internal/httpclient"
	"hectorcore/internal/llmproto"
)

// Event names this dialect dispatches on (spec §4.1).
const (
	eventOutputTextDelta       = "response.output_text.delta"
	eventThinkingDelta         = "response.thinking.delta"
	eventReasoningDelta        = "response.reasoning.delta"
	eventFunctionCallArgsDelta = "response.function_call_arguments.delta"
	eventOutputItemAdded       = "response.output_item.added"
	eventOutputItemDone        = "response.output_item.done"
	eventDone                  = "response.done"
)

// Driver speaks the event-typed responses dialect:
// POST {base}/v1/responses { model, stream:true, input: messages, tools? }
type Driver struct {
	Settings   llmproto.Settings
	HTTPClient *http.Client
	Tracer     trace.Tracer
}

func (d *Driver) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

type responsesInputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type responsesRequest struct {
	Model  string               `json:"model"`
	Stream bool                 `json:"stream"`
	Input  []responsesInputItem `json:"input"`
	Tools  []responsesTool      `json:"tools,omitempty"`
}

func buildResponsesRequest(settings llmproto.Settings, req llmproto.Request) responsesRequest {
	out := responsesRequest{Model: settings.Model, Stream: true}
	for _, m := range req.Messages {
		switch m.Role {
		case eventmodel.RoleTool:
			out.Input = append(out.Input, responsesInputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Text,
			})
		case eventmodel.RoleAssistant:
			if m.HasContent() {
				out.Input = append(out.Input, responsesInputItem{Type: "message", Role: "assistant", Content: m.Text})
			}
			for _, tc := range m.ToolCalls {
				out.Input = append(out.Input, responsesInputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.ArgumentsJSON,
				})
			}
		default:
			out.Input = append(out.Input, responsesInputItem{Type: "message", Role: string(m.Role), Content: m.Text})
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Stream implements llmproto.Driver.
func (d *Driver) Stream(ctx context.Context, req llmproto.Request) (<-chan eventmodel.Event, error) {
	payload := buildResponsesRequest(d.Settings, req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("responses: marshal request: %w", err)
	}

	url := llmproto.ResponsesURL(d.Settings)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("responses: build request: %w", err)
	}
	llmproto.ApplyAuth(httpReq, d.Settings)

	tracer := d.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("hectorcore/llmproto/responses")
	}
	ctx, span := tracer.Start(ctx, "llm.responses.stream", trace.WithAttributes(
		attribute.String("llm.model", d.Settings.Model),
		attribute.Bool("llm.streaming", true),
	))

	start := time.Now()
	resp, err := d.httpClient().Do(httpReq.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("responses: request failed: %w", err)
	}

	if resp.StatusCode >= 300 {
		providerErr := llmproto.ReadErrorBody(resp)
		errEvent := eventmodel.Error{Message: providerErr.Message, Param: providerErr.Param, Code: providerErr.Code}
		if resp.StatusCode == http.StatusTooManyRequests {
			info := httpclient.ParseRateLimitHeaders(resp.Header)
			errEvent.RetryAfterSeconds = info.RetryAfter.Seconds()
		}
		resp.Body.Close()
		span.SetStatus(codes.Error, providerErr.Message)
		span.End()
		out := make(chan eventmodel.Event, 1)
		out <- errEvent
		close(out)
		return out, nil
	}

	out := make(chan eventmodel.Event, 64)
	go func() {
		defer resp.Body.Close()
		defer func() {
			span.SetAttributes(attribute.Float64("llm.duration_seconds", time.Since(start).Seconds()))
			span.End()
		}()
		defer close(out)
		runStream(resp.Body, out)
	}()
	return out, nil
}

type textDeltaPayload struct {
	Delta string `json:"delta"`
}

type outputItemPayload struct {
	Item outputItem `json:"item"`
}

type outputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionCallArgsDeltaPayload struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

// runStream drains body, dispatching on the `event:` name of each frame.
// Unknown event names, and unknown fields inside known events, are ignored
// silently (spec §4.1).
func runStream(body io.Reader, out chan<- eventmodel.Event) {
	reader := llmproto.NewFrameReader(body)

	// call_index assignment: the responses dialect identifies calls by
	// item id/call_id, not a numeric index, so we assign indices in
	// first-sight order to satisfy the normalized CallIndex contract.
	indexByItemID := map[string]int{}
	nextIndex := 0
	indexFor := func(itemID string) int {
		if idx, ok := indexByItemID[itemID]; ok {
			return idx
		}
		idx := nextIndex
		nextIndex++
		indexByItemID[itemID] = idx
		return idx
	}

	for {
		frame, err := reader.Next()
		if err != nil {
			break
		}
		if frame.Event == "" || len(frame.Data) == 0 {
			continue
		}
		data := frame.Data[len(frame.Data)-1]

		switch frame.Event {
		case eventOutputTextDelta:
			var p textDeltaPayload
			if json.Unmarshal([]byte(data), &p) != nil {
				continue
			}
			if p.Delta != "" {
				out <- eventmodel.MessageDelta{Text: p.Delta}
			}
		case eventThinkingDelta:
			var p textDeltaPayload
			if json.Unmarshal([]byte(data), &p) != nil {
				continue
			}
			if p.Delta != "" {
				out <- eventmodel.ThinkingDelta{Text: p.Delta}
			}
		case eventReasoningDelta:
			var p textDeltaPayload
			if json.Unmarshal([]byte(data), &p) != nil {
				continue
			}
			if p.Delta != "" {
				out <- eventmodel.ReasoningDelta{Text: p.Delta}
			}
		case eventFunctionCallArgsDelta:
			var p functionCallArgsDeltaPayload
			if json.Unmarshal([]byte(data), &p) != nil {
				continue
			}
			idx := indexFor(p.ItemID)
			out <- eventmodel.ToolCallDelta{CallIndex: idx, ArgumentsDelta: p.Delta}
		case eventOutputItemAdded:
			var p outputItemPayload
			if json.Unmarshal([]byte(data), &p) != nil {
				continue
			}
			if p.Item.Type != "function_call" {
				continue
			}
			itemID := p.Item.ID
			if itemID == "" {
				itemID = p.Item.CallID
			}
			idx := indexFor(itemID)
			out <- eventmodel.ToolCallDelta{CallIndex: idx, ID: p.Item.CallID, Name: p.Item.Name}
		case eventOutputItemDone:
			var p outputItemPayload
			if json.Unmarshal([]byte(data), &p) != nil {
				continue
			}
			if p.Item.Type != "function_call" {
				continue
			}
			itemID := p.Item.ID
			if itemID == "" {
				itemID = p.Item.CallID
			}
			idx := indexFor(itemID)
			if p.Item.CallID != "" && p.Item.Name != "" {
				out <- eventmodel.ToolCallComplete{
					CallIndex:     idx,
					ID:            p.Item.CallID,
					Name:          p.Item.Name,
					ArgumentsJSON: p.Item.Arguments,
				}
			}
		case eventDone:
			out <- eventmodel.Done{}
		}
	}
}
