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

package eventmodel

import "errors"

var (
	errToolMessageMissingID      = errors.New("eventmodel: message with role=tool must carry tool_call_id")
	errToolCallsRequireAssistant = errors.New("eventmodel: message with tool_calls must have role=assistant")
)
