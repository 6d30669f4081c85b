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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"hectorcore/internal/httpclient"
)

type embeddingsRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embedder vectorizes text against the same provider and API key as a chat
// Driver, built once and shared by internal/knowledge and internal/memory
// so both retrieval tools embed queries the same way the chat dialect
// talks to the provider (same URL-building helper and bearer-auth
// convention).
type Embedder struct {
	Settings        Settings
	EmbeddingsModel string
	HTTPClient      *http.Client
}

func (e *Embedder) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

// Embed vectorizes text via the provider's non-streaming embeddings
// endpoint.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	model := e.EmbeddingsModel
	if model == "" {
		model = e.Settings.Model
	}

	body, err := json.Marshal(embeddingsRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("llmproto: marshal embeddings request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, EmbeddingsURL(e.Settings), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmproto: build embeddings request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.Settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.Settings.APIKey)
	}

	resp, err := e.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llmproto: embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		providerErr := ReadErrorBody(resp)
		if resp.StatusCode == http.StatusTooManyRequests {
			info := httpclient.ParseRateLimitHeaders(resp.Header)
			return nil, &httpclient.RetryableError{
				StatusCode: resp.StatusCode,
				Message:    providerErr.Message,
				RetryAfter: info.RetryAfter,
			}
		}
		return nil, fmt.Errorf("llmproto: embeddings request rejected: %s", providerErr.Message)
	}

	var decoded embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llmproto: decode embeddings response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("llmproto: embeddings response contained no vectors")
	}
	return decoded.Data[0].Embedding, nil
}
