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

package skills

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeEmbed produces a crude bag-of-words vector so cosine similarity
// reflects shared vocabulary without pulling in a real embedding model.
func fakeEmbed(vocab []string) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		lower := strings.ToLower(text)
		vec := make([]float32, len(vocab))
		for i, word := range vocab {
			if strings.Contains(lower, word) {
				vec[i] = 1
			}
		}
		return vec, nil
	}
}

var testVocab = []string{"billing", "invoice", "refund", "weather", "forecast", "code", "deploy"}

func TestMatchKeywordExact(t *testing.T) {
	m := New(nil, 0, 0)
	require.NoError(t, m.Register(context.Background(), Skill{ID: "billing", Title: "Billing", Description: "handles invoices", Tags: []string{"billing", "invoice"}}))
	require.NoError(t, m.Register(context.Background(), Skill{ID: "weather", Title: "Weather", Description: "forecasts", Tags: []string{"weather"}}))

	matches, err := m.Match(context.Background(), "I need help with my invoice")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "billing", matches[0].SkillID)
	require.Equal(t, keywordScore, matches[0].Score)
	require.Equal(t, keywordReason, matches[0].Reason)
}

func TestMatchVectorSimilarityAboveThreshold(t *testing.T) {
	m := New(fakeEmbed(testVocab), 0.5, 5)
	require.NoError(t, m.Register(context.Background(), Skill{ID: "billing", Title: "Billing", Description: "handles invoice and refund requests"}))
	require.NoError(t, m.Register(context.Background(), Skill{ID: "weather", Title: "Weather", Description: "gives weather forecast"}))

	matches, err := m.Match(context.Background(), "I want a refund on my invoice")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	require.Equal(t, "billing", matches[0].SkillID)
	require.Contains(t, matches[0].Reason, "vector similarity")
}

func TestMatchVectorBelowThresholdExcluded(t *testing.T) {
	m := New(fakeEmbed(testVocab), 0.99, 5)
	require.NoError(t, m.Register(context.Background(), Skill{ID: "weather", Title: "Weather", Description: "gives weather forecast"}))

	matches, err := m.Match(context.Background(), "unrelated query about code deploy")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestMatchKeywordDominatesOverVector(t *testing.T) {
	m := New(fakeEmbed(testVocab), 0.1, 5)
	require.NoError(t, m.Register(context.Background(), Skill{
		ID: "billing", Title: "Billing", Description: "handles invoice",
		Tags: []string{"billing"},
	}))

	matches, err := m.Match(context.Background(), "billing question about invoice")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, keywordReason, matches[0].Reason)
	require.Equal(t, keywordScore, matches[0].Score)
}

func TestMatchKeywordTiesBrokenByRegistrationOrder(t *testing.T) {
	m := New(nil, 0, 0)
	require.NoError(t, m.Register(context.Background(), Skill{ID: "zebra", Title: "Zebra", Tags: []string{"support"}}))
	require.NoError(t, m.Register(context.Background(), Skill{ID: "apple", Title: "Apple", Tags: []string{"support"}}))

	matches, err := m.Match(context.Background(), "support request")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "zebra", matches[0].SkillID)
	require.Equal(t, "apple", matches[1].SkillID)
}

func TestMatchWithoutEmbedFuncOnlyUsesKeywords(t *testing.T) {
	m := New(nil, 0, 0)
	require.NoError(t, m.Register(context.Background(), Skill{ID: "billing", Title: "Billing", Tags: []string{"billing"}}))

	matches, err := m.Match(context.Background(), "totally unrelated text")
	require.NoError(t, err)
	require.Empty(t, matches)
}
