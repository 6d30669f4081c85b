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

package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RawFrame is a parsed SSE record: the event name (if any `event:` line was
// present) and the raw `data:` payload.
type RawFrame struct {
	Event string
	Data  json.RawMessage
}

// Parse splits an SSE byte stream into records delimited by a blank line and
// decodes each into a RawFrame. It is the inverse of Frame/UIFrame and is
// used both by tests (round-trip invariant) and by any consumer that needs
// to re-parse previously encoded frames.
func Parse(b []byte) ([]RawFrame, error) {
	var frames []RawFrame
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur RawFrame
	haveData := false

	flush := func() error {
		if !haveData {
			return nil
		}
		frames = append(frames, cur)
		cur = RawFrame{}
		haveData = false
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data = json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			haveData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sse: scan frames: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return frames, nil
}
