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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hectorcore/internal/config"
)

// reservedNonParallelPrefixes names model-identifier prefixes that never
// support parallel_tool_calls regardless of what the provider advertises
// (spec §4.1, Open Question (a) — resolved in DESIGN.md).
var reservedNonParallelPrefixes = []string{"o1", "o3"}

// SupportsParallelToolCalls reports whether parallel_tool_calls should be
// sent for this model, honoring both the provider's advertised support and
// the model family's reserved-prefix restriction.
func SupportsParallelToolCalls(settings Settings, providerAdvertisesSupport bool) bool {
	if !providerAdvertisesSupport {
		return false
	}
	if settings.ParallelToolCalls != nil && !*settings.ParallelToolCalls {
		return false
	}
	for _, prefix := range reservedNonParallelPrefixes {
		if strings.HasPrefix(settings.Model, prefix) {
			return false
		}
	}
	return true
}

// ChatCompletionsURL builds the URL for the chat dialect.
func ChatCompletionsURL(settings Settings) string {
	base := strings.TrimRight(settings.BaseURL, "/")
	if settings.Provider == config.ProviderAzureOpenAI {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, settings.Deployment, settings.APIVersion)
	}
	return base + "/v1/chat/completions"
}

// EmbeddingsURL builds the URL for the embeddings endpoint, used by
// internal/knowledge and internal/memory to vectorize search queries.
func EmbeddingsURL(settings Settings) string {
	base := strings.TrimRight(settings.BaseURL, "/")
	if settings.Provider == config.ProviderAzureOpenAI {
		return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			base, settings.Deployment, settings.APIVersion)
	}
	return base + "/v1/embeddings"
}

// ResponsesURL builds the URL for the responses dialect.
func ResponsesURL(settings Settings) string {
	base := strings.TrimRight(settings.BaseURL, "/")
	if settings.Provider == config.ProviderAzureOpenAI {
		return fmt.Sprintf("%s/openai/deployments/%s/responses?api-version=%s",
			base, settings.Deployment, settings.APIVersion)
	}
	return base + "/v1/responses"
}

// ApplyAuth sets the bearer Authorization header when an API key is
// configured.
func ApplyAuth(req *http.Request, settings Settings) {
	if settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+settings.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
}

// ProviderError is the normalized shape of a provider's structured error
// body: {"error": {"message", "type", "param", "code"}}.
type ProviderError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type providerErrorEnvelope struct {
	Error ProviderError `json:"error"`
}

// ParseErrorBody attempts to decode body as a structured provider error. On
// failure, it falls back to a ProviderError carrying the raw body text as
// the message.
func ParseErrorBody(statusCode int, body []byte) ProviderError {
	var envelope providerErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error
	}
	return ProviderError{
		Message: fmt.Sprintf("http %d: %s", statusCode, strings.TrimSpace(string(body))),
	}
}

// ReadErrorBody reads and parses the error body of a non-success response,
// capping the read to avoid unbounded memory use on pathological bodies.
func ReadErrorBody(resp *http.Response) ProviderError {
	const maxErrorBody = 64 * 1024
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ParseErrorBody(resp.StatusCode, body)
}
