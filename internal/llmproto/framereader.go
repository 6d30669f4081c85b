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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Frame is one SSE record read off a provider's chunked response body: an
// optional `event:` name (responses dialect) and zero or more `data:`
// payloads (chat dialect frames carry exactly one; this reader still
// supports multiple for robustness).
type Frame struct {
	Event string
	Data  []string
}

// FrameReader incrementally parses a provider's chunked body into logical
// records delimited by a blank line, mirroring the bufio.Reader-based loop
// the teacher's openai.go uses for the Responses API stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps body for frame-at-a-time reading.
func NewFrameReader(body io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(body, 64*1024)}
}

// Next returns the next frame, or io.EOF when the stream ends. A frame is
// only returned once a blank line (or EOF) closes it; frames with no
// `data:` lines are skipped.
func (fr *FrameReader) Next() (Frame, error) {
	var cur Frame
	haveData := false

	for {
		lineBytes, err := fr.r.ReadBytes('\n')
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return Frame{}, fmt.Errorf("llmproto: read stream: %w", err)
		}

		line := strings.TrimRight(string(bytes.TrimSpace(lineBytes)), "\r")

		switch {
		case line == "":
			if haveData {
				return cur, nil
			}
			if atEOF {
				return Frame{}, io.EOF
			}
			cur = Frame{}
			continue
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data = append(cur.Data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			haveData = true
		}

		if atEOF {
			if haveData {
				return cur, nil
			}
			return Frame{}, io.EOF
		}
	}
}
