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

package httpclient

import (
	"net/http"
	"time"
)

// RateLimitInfo summarizes a provider's rate-limit response headers.
type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	TokensRemaining       int
	InputTokensRemaining  int
	OutputTokensRemaining int
}

// ParseRateLimitHeaders picks the OpenAI or Anthropic header parser based
// on which style of header the response actually carries, so a caller that
// doesn't know which dialect it's talking to can call one function.
func ParseRateLimitHeaders(headers http.Header) RateLimitInfo {
	if headers.Get("anthropic-ratelimit-requests-reset") != "" {
		return ParseAnthropicRateLimitHeaders(headers)
	}
	return ParseOpenAIRateLimitHeaders(headers)
}
