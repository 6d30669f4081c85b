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

// Package sse encodes normalized events (internal/eventmodel) into
// server-sent-event wire frames. The encoder is pure: it performs no I/O and
// allocates nothing beyond the bytes of the event being encoded, mirroring
// the framing the protocol drivers parse on the inbound side
// (internal/llmproto) but run in reverse.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"

	"hectorcore/internal/eventmodel"
)

// Frame encodes ev as a two-line SSE frame:
//
//	event: <name>\n
//	data: <json>\n\n
func Frame(ev eventmodel.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal event %s: %w", ev.Name(), err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", ev.Name())
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	return buf.Bytes(), nil
}

// UIEnvelope is the secondary projection for UI clients: every event is
// wrapped with kind/phase/request_id alongside the raw payload fields.
type UIEnvelope struct {
	Kind      string          `json:"kind"`
	Phase     string          `json:"phase,omitempty"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// UIFrame encodes ev as the `agui.`-prefixed UI projection. requestID and
// phase are supplied by the caller (internal/transport passes the run id
// and the domain event kind; phase may be empty).
func UIFrame(ev eventmodel.Event, requestID, phase string) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal ui payload %s: %w", ev.Name(), err)
	}

	envelope := UIEnvelope{
		Kind:      ev.Name(),
		Phase:     phase,
		RequestID: requestID,
		Payload:   payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal ui envelope %s: %w", ev.Name(), err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: agui.%s\n", ev.Name())
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return buf.Bytes(), nil
}

// DualFrame emits both the normalized frame and the UI projection frame for
// ev, concatenated, for callers that want compatibility with both consumers
// at once.
func DualFrame(ev eventmodel.Event, requestID, phase string) ([]byte, error) {
	normalized, err := Frame(ev)
	if err != nil {
		return nil, err
	}
	ui, err := UIFrame(ev, requestID, phase)
	if err != nil {
		return nil, err
	}
	return append(normalized, ui...), nil
}

// LifecycleFrame encodes a bare run-lifecycle marker (a Run Manager event
// with no underlying eventmodel.Event payload, such as RunStart) as a
// single SSE frame named kind, carrying only the run id.
func LifecycleFrame(kind, runID string) ([]byte, error) {
	payload, err := json.Marshal(struct {
		RunID string `json:"run_id"`
	}{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("sse: marshal lifecycle payload %s: %w", kind, err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", kind)
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	return buf.Bytes(), nil
}
