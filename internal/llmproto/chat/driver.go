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

// Package chat implements the turn-based "chat" LLM wire dialect (spec
// §4.1), grounded on the teacher's legacy chat-completions accumulation
// logic in pkg/llms/openai.go and pkg/llms/ollama.go.
package chat

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

// Driver speaks the chat-completions dialect:
// POST {base}/v1/chat/completions { model, stream:true, messages, tools?, parallel_tool_calls? }
type Driver struct {
	Settings   llmproto.Settings
	HTTPClient *http.Client
	Tracer     trace.Tracer

	// ProviderAdvertisesParallelToolCalls lets the wiring layer declare
	// whether the configured provider supports parallel_tool_calls at all;
	// model-family suppression is still applied on top (spec §4.1).
	ProviderAdvertisesParallelToolCalls bool
}

func (d *Driver) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

type chatRequest struct {
	Model             string                 `json:"model"`
	Stream            bool                   `json:"stream"`
	StreamOptions     streamOptions          `json:"stream_options"`
	Messages          []chatMessage          `json:"messages"`
	Tools             []chatTool             `json:"tools,omitempty"`
	ParallelToolCalls *bool                  `json:"parallel_tool_calls,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

func buildChatRequest(settings llmproto.Settings, req llmproto.Request, allowParallel bool) chatRequest {
	out := chatRequest{
		Model:         settings.Model,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	}
	for _, m := range req.Messages {
		cm := chatMessage{Role: string(m.Role), Content: m.Text, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chatFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.ArgumentsJSON,
				},
			})
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if allowParallel {
		v := true
		out.ParallelToolCalls = &v
	}
	return out
}

// Stream implements llmproto.Driver.
func (d *Driver) Stream(ctx context.Context, req llmproto.Request) (<-chan eventmodel.Event, error) {
	allowParallel := llmproto.SupportsParallelToolCalls(d.Settings, d.ProviderAdvertisesParallelToolCalls)
	payload := buildChatRequest(d.Settings, req, allowParallel)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chat: marshal request: %w", err)
	}

	url := llmproto.ChatCompletionsURL(d.Settings)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat: build request: %w", err)
	}
	llmproto.ApplyAuth(httpReq, d.Settings)

	tracer := d.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("hectorcore/llmproto/chat")
	}
	ctx, span := tracer.Start(ctx, "llm.chat.stream", trace.WithAttributes(
		attribute.String("llm.model", d.Settings.Model),
		attribute.Bool("llm.streaming", true),
	))

	start := time.Now()
	resp, err := d.httpClient().Do(httpReq.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("chat: request failed: %w", err)
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

// chatFrame mirrors one chat-completions SSE data payload: its choices and
// the optional usage block.
type chatFrame struct {
	Choices []chatChoice  `json:"choices"`
	Usage   *chatUsage    `json:"usage"`
}

type chatChoice struct {
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatDelta struct {
	Content   string            `json:"content"`
	ToolCalls []chatDeltaToolCall `json:"tool_calls"`
}

type chatDeltaToolCall struct {
	Index    *int             `json:"index"`
	ID       string           `json:"id"`
	Function chatDeltaFunction `json:"function"`
}

type chatDeltaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// toolAccumulator tracks the growing id/name/arguments for one call_index.
type toolAccumulator struct {
	id   string
	name string
	args []byte
}

// runStream drains body, emitting normalized events onto out. It never
// returns an error: HTTP-layer errors are reported before this is called,
// and JSON parse failures inside a frame are skipped per spec §4.7.
func runStream(body io.Reader, out chan<- eventmodel.Event) {
	reader := llmproto.NewFrameReader(body)

	acc := map[int]*toolAccumulator{}
	order := []int{}
	sawDoneTerminator := false

	emitDelta := func(idx int, id, name, argsDelta string) {
		a, ok := acc[idx]
		if !ok {
			a = &toolAccumulator{}
			acc[idx] = a
			order = append(order, idx)
		}
		if a.id == "" && id != "" {
			a.id = id
		}
		if a.name == "" && name != "" {
			a.name = name
		}
		if argsDelta != "" {
			a.args = append(a.args, argsDelta...)
		}
		out <- eventmodel.ToolCallDelta{CallIndex: idx, ID: id, Name: name, ArgumentsDelta: argsDelta}
	}

	for {
		frame, err := reader.Next()
		if err != nil {
			break
		}
		for _, data := range frame.Data {
			if data == "[DONE]" {
				sawDoneTerminator = true
				continue
			}
			var cf chatFrame
			if err := json.Unmarshal([]byte(data), &cf); err != nil {
				continue
			}
			if cf.Usage != nil {
				out <- eventmodel.Usage{
					Prompt:     cf.Usage.PromptTokens,
					Completion: cf.Usage.CompletionTokens,
					Total:      cf.Usage.TotalTokens,
				}
			}
			if len(cf.Choices) == 0 {
				continue
			}
			choice := cf.Choices[0]
			if choice.Delta.Content != "" {
				out <- eventmodel.MessageDelta{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				emitDelta(idx, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
			if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
				for _, idx := range order {
					a := acc[idx]
					if a.id != "" && a.name != "" {
						out <- eventmodel.ToolCallComplete{
							CallIndex:     idx,
							ID:            a.id,
							Name:          a.name,
							ArgumentsJSON: string(a.args),
						}
					}
				}
				acc = map[int]*toolAccumulator{}
				order = nil
			}
		}
	}

	if sawDoneTerminator {
		out <- eventmodel.Done{}
	}
}
