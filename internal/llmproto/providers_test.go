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

package llmproto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hectorcore/internal/config"
)

func TestChatCompletionsURLAzure(t *testing.T) {
	settings := Settings{
		BaseURL:    "https://r.openai.azure.com",
		Provider:   config.ProviderAzureOpenAI,
		Deployment: "gpt-4o",
		APIVersion: "2024-08-01-preview",
	}
	got := ChatCompletionsURL(settings)
	require.Equal(t, "https://r.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-08-01-preview", got)
}

func TestChatCompletionsURLGeneric(t *testing.T) {
	settings := Settings{BaseURL: "https://api.openai.com/", Provider: config.ProviderOpenAI}
	require.Equal(t, "https://api.openai.com/v1/chat/completions", ChatCompletionsURL(settings))
}

func TestResponsesURLTrimsTrailingSlash(t *testing.T) {
	settings := Settings{BaseURL: "https://api.openai.com///", Provider: config.ProviderOpenAI}
	require.Equal(t, "https://api.openai.com/v1/responses", ResponsesURL(settings))
}

func TestSupportsParallelToolCalls(t *testing.T) {
	cases := []struct {
		name       string
		settings   Settings
		advertises bool
		want       bool
	}{
		{"provider unsupported", Settings{Model: "gpt-4o"}, false, false},
		{"supported, non-reserved model", Settings{Model: "gpt-4o"}, true, true},
		{"reserved prefix o1", Settings{Model: "o1-preview"}, true, false},
		{"reserved prefix o3", Settings{Model: "o3-mini"}, true, false},
		{"explicit false override", Settings{Model: "gpt-4o", ParallelToolCalls: boolPtr(false)}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SupportsParallelToolCalls(tc.settings, tc.advertises))
		})
	}
}

func TestParseErrorBodyStructured(t *testing.T) {
	body := []byte(`{"error":{"message":"bad request","type":"invalid_request_error","param":"model","code":"unknown_model"}}`)
	got := ParseErrorBody(400, body)
	require.Equal(t, "bad request", got.Message)
	require.Equal(t, "invalid_request_error", got.Type)
	require.Equal(t, "model", got.Param)
	require.Equal(t, "unknown_model", got.Code)
}

func TestParseErrorBodyFallback(t *testing.T) {
	got := ParseErrorBody(500, []byte("internal server error"))
	require.Contains(t, got.Message, "http 500")
	require.Contains(t, got.Message, "internal server error")
}

func boolPtr(b bool) *bool { return &b }
