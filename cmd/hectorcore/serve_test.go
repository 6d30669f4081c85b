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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hectorcore/internal/config"
	"hectorcore/internal/llmproto/chat"
	"hectorcore/internal/llmproto/responses"
)

func TestBuildDriverAutoResolvesToChat(t *testing.T) {
	d, err := buildDriver(config.LLMSettings{Model: "gpt-4o", Protocol: config.ProtocolAuto})
	require.NoError(t, err)
	require.IsType(t, &chat.Driver{}, d)
}

func TestBuildDriverExplicitResponses(t *testing.T) {
	d, err := buildDriver(config.LLMSettings{Model: "gpt-4o", Protocol: config.ProtocolResponses})
	require.NoError(t, err)
	require.IsType(t, &responses.Driver{}, d)
}

func TestBuildDriverUnknownProtocolErrors(t *testing.T) {
	_, err := buildDriver(config.LLMSettings{Model: "gpt-4o", Protocol: "carrier-pigeon"})
	require.Error(t, err)
}
