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

package responses

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hectorcore/internal/config"
	"hectorcore/internal/eventmodel"
	"hectorcore/internal/llmproto"
)

func drain(t *testing.T, ch <-chan eventmodel.Event) []eventmodel.Event {
	t.Helper()
	var events []eventmodel.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestResponsesDriverTextDeltas(t *testing.T) {
	frames := []string{
		"event: response.output_text.delta\ndata: {\"delta\":\"Hi\"}\n\n",
		"event: response.output_text.delta\ndata: {\"delta\":\" there\"}\n\n",
		"event: response.done\ndata: {}\n\n",
	}
	srv := sseServer(t, frames)
	defer srv.Close()

	d := &Driver{Settings: llmproto.Settings{BaseURL: srv.URL, Model: "gpt-4o", Provider: config.ProviderGeneric}}
	ch, err := d.Stream(context.Background(), llmproto.Request{
		Messages: []eventmodel.Message{{Role: eventmodel.RoleUser, Text: "Say hi"}},
	})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 3)
	require.Equal(t, eventmodel.MessageDelta{Text: "Hi"}, events[0])
	require.Equal(t, eventmodel.MessageDelta{Text: " there"}, events[1])
	require.Equal(t, eventmodel.Done{}, events[2])
}

func TestResponsesDriverReasoningAndThinking(t *testing.T) {
	frames := []string{
		"event: response.thinking.delta\ndata: {\"delta\":\"pondering\"}\n\n",
		"event: response.reasoning.delta\ndata: {\"delta\":\"because X\"}\n\n",
		"event: response.done\ndata: {}\n\n",
	}
	srv := sseServer(t, frames)
	defer srv.Close()

	d := &Driver{Settings: llmproto.Settings{BaseURL: srv.URL, Model: "gpt-4o", Provider: config.ProviderGeneric}}
	ch, err := d.Stream(context.Background(), llmproto.Request{})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 3)
	require.Equal(t, eventmodel.ThinkingDelta{Text: "pondering"}, events[0])
	require.Equal(t, eventmodel.ReasoningDelta{Text: "because X"}, events[1])
	require.Equal(t, eventmodel.Done{}, events[2])
}

func TestResponsesDriverToolCall(t *testing.T) {
	frames := []string{
		"event: response.output_item.added\ndata: {\"item\":{\"type\":\"function_call\",\"id\":\"item_1\",\"call_id\":\"c_1\",\"name\":\"time::now\"}}\n\n",
		"event: response.function_call_arguments.delta\ndata: {\"item_id\":\"item_1\",\"delta\":\"{\"}\n\n",
		"event: response.function_call_arguments.delta\ndata: {\"item_id\":\"item_1\",\"delta\":\"\\\"tz\\\":\\\"UTC\\\"}\"}\n\n",
		"event: response.output_item.done\ndata: {\"item\":{\"type\":\"function_call\",\"id\":\"item_1\",\"call_id\":\"c_1\",\"name\":\"time::now\",\"arguments\":\"{\\\"tz\\\":\\\"UTC\\\"}\"}}\n\n",
		"event: response.done\ndata: {}\n\n",
	}
	srv := sseServer(t, frames)
	defer srv.Close()

	d := &Driver{Settings: llmproto.Settings{BaseURL: srv.URL, Model: "gpt-4o", Provider: config.ProviderGeneric}}
	ch, err := d.Stream(context.Background(), llmproto.Request{
		Messages: []eventmodel.Message{{Role: eventmodel.RoleUser, Text: "what time"}},
	})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 5)
	require.Equal(t, eventmodel.ToolCallDelta{CallIndex: 0, ID: "c_1", Name: "time::now"}, events[0])
	require.Equal(t, eventmodel.ToolCallDelta{CallIndex: 0, ArgumentsDelta: "{"}, events[1])
	require.Equal(t, eventmodel.ToolCallDelta{CallIndex: 0, ArgumentsDelta: `"tz":"UTC"}`}, events[2])
	require.Equal(t, eventmodel.ToolCallComplete{CallIndex: 0, ID: "c_1", Name: "time::now", ArgumentsJSON: `{"tz":"UTC"}`}, events[3])
	require.Equal(t, eventmodel.Done{}, events[4])
}

func TestResponsesDriverIgnoresUnknownEventNames(t *testing.T) {
	frames := []string{
		"event: response.created\ndata: {\"id\":\"resp_1\"}\n\n",
		"event: response.output_text.delta\ndata: {\"delta\":\"ok\"}\n\n",
		"event: response.some_future_event\ndata: {\"whatever\":true}\n\n",
		"event: response.done\ndata: {}\n\n",
	}
	srv := sseServer(t, frames)
	defer srv.Close()

	d := &Driver{Settings: llmproto.Settings{BaseURL: srv.URL, Model: "gpt-4o", Provider: config.ProviderGeneric}}
	ch, err := d.Stream(context.Background(), llmproto.Request{})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 2)
	require.Equal(t, eventmodel.MessageDelta{Text: "ok"}, events[0])
	require.Equal(t, eventmodel.Done{}, events[1])
}

func TestResponsesDriverHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "15")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","param":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	d := &Driver{Settings: llmproto.Settings{BaseURL: srv.URL, Model: "gpt-4o", Provider: config.ProviderGeneric}}
	ch, err := d.Stream(context.Background(), llmproto.Request{})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 1)
	errEv, ok := events[0].(eventmodel.Error)
	require.True(t, ok)
	require.Equal(t, "rate limited", errEv.Message)
	require.Equal(t, "requests", errEv.Param)
	require.Equal(t, "rate_limit_exceeded", errEv.Code)
	require.Equal(t, float64(15), errEv.RetryAfterSeconds)
}

func TestResponsesDriverToolResultRoundTripsIntoInput(t *testing.T) {
	var captured string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		captured = string(buf)
		fmt.Fprint(w, "event: response.done\ndata: {}\n\n")
	}))
	defer srv.Close()

	d := &Driver{Settings: llmproto.Settings{BaseURL: srv.URL, Model: "gpt-4o", Provider: config.ProviderGeneric}}
	ch, err := d.Stream(context.Background(), llmproto.Request{
		Messages: []eventmodel.Message{
			{Role: eventmodel.RoleTool, ToolCallID: "c_1", Text: `{"ok":true}`},
		},
	})
	require.NoError(t, err)
	drain(t, ch)

	require.Contains(t, captured, `"call_id":"c_1"`)
	require.Contains(t, captured, `"type":"function_call_output"`)
}
