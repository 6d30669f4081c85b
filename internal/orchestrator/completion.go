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

package orchestrator

import "context"

// CompletionAssessment is a verdict on whether a turn's assistant response
// truly satisfied the originating user request, grounded on the teacher's
// structured-output completion check in pkg/reasoning/completion.go.
type CompletionAssessment struct {
	IsComplete     bool
	MissingActions []string
	Recommendation string // "stop", "continue", or "clarify"
	Reasoning      string
}

// CompletionAssessor judges a finished turn. It is the orchestrator's own
// caller-supplied hook rather than a second model call made by the
// orchestrator itself, since drivers here stream normalized events and have
// no structured-output mode to piggyback on; a caller that wants the
// teacher's LLM-judged check wires one up using its own driver instance.
type CompletionAssessor func(ctx context.Context, originalQuery, assistantResponse string) (*CompletionAssessment, error)

// maxCompletionRetries bounds how many times a "continue" recommendation can
// extend a run, independent of MaxIterations, so a misbehaving assessor
// can't keep a run alive indefinitely.
const maxCompletionRetries = 2

// continuationPrompt turns a CompletionAssessment's missing actions into a
// synthetic user message that re-prompts the model for another turn.
func continuationPrompt(a *CompletionAssessment) string {
	msg := "Your previous response did not fully address the request."
	if a.Reasoning != "" {
		msg += " " + a.Reasoning
	}
	if len(a.MissingActions) > 0 {
		msg += " Please also address:"
		for _, action := range a.MissingActions {
			msg += "\n- " + action
		}
	}
	return msg
}
