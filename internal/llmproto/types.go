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

// Package llmproto contains the two protocol drivers (chat and responses)
// that speak to remote LLM providers, plus the shared provider-URL and
// auth-header construction that both dialects share (spec §4.1).
package llmproto

import (
	"context"

	"hectorcore/internal/config"
	"hectorcore/internal/eventmodel"
)

// Request is the provider-agnostic request a driver translates into its
// wire dialect.
type Request struct {
	Messages []eventmodel.Message
	Tools    []eventmodel.ToolDefinition
}

// Driver speaks one LLM wire dialect. Stream returns a channel of normalized
// events; the channel is closed when the driver has nothing more to emit,
// whether or not a terminal Done/Error event was sent on it. Callers must
// drain the channel to avoid leaking the goroutine feeding it.
type Driver interface {
	Stream(ctx context.Context, req Request) (<-chan eventmodel.Event, error)
}

// Settings is an alias kept local to this package for readability at call
// sites; it is exactly config.LLMSettings.
type Settings = config.LLMSettings
