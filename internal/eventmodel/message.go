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

// Package eventmodel defines the normalized data and event model shared by
// the protocol drivers, the orchestrator, and the run manager.
package eventmodel

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one piece of a multi-part message. A part is either text or
// an image reference; exactly one of Text or Image is set.
type ContentPart struct {
	Text  string      `json:"text,omitempty"`
	Image *ImagePart  `json:"image,omitempty"`
}

// ImagePart references an image either by URL or inline base64 data.
type ImagePart struct {
	URL    string `json:"url,omitempty"`
	Data   string `json:"data,omitempty"` // base64, set when URL is empty
	Detail string `json:"detail,omitempty"`
}

// Message is a single turn in a conversation. Content is either a plain
// string (Text) or an ordered sequence of Parts; callers should set exactly
// one. A message with Role==RoleTool must carry ToolCallID; a message with
// ToolCalls set must have Role==RoleAssistant.
type Message struct {
	Role       Role       `json:"role"`
	Text       string     `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Validate enforces the role/field invariants from the data model.
func (m Message) Validate() error {
	if m.Role == RoleTool && m.ToolCallID == "" {
		return errToolMessageMissingID
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return errToolCallsRequireAssistant
	}
	return nil
}

// HasContent reports whether the message carries any text or image content.
func (m Message) HasContent() bool {
	if m.Text != "" {
		return true
	}
	for _, p := range m.Parts {
		if p.Text != "" || p.Image != nil {
			return true
		}
	}
	return false
}

// ToolCall is a single function call requested by the model. ArgumentsJSON
// is kept as a raw string because providers stream it in fragments; it must
// not be re-parsed and re-serialized before being handed to a tool, or the
// model's exact formatting is lost.
type ToolCall struct {
	ID       string       `json:"id"`
	Kind     string       `json:"kind"` // always "function" today
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function payload of a ToolCall.
type FunctionCall struct {
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// ToolDefinition describes a callable tool in OpenAI function-schema shape.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
