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

// Package skills implements the Skill Matcher of spec §4.5: keyword/tag
// matching composed with vector similarity, keyword matches dominating.
// Grounded on the teacher's chromem-backed vector provider in
// pkg/vector/chromem.go, adapted here to index skills instead of documents.
package skills

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Skill is a registrable capability description the matcher can surface.
type Skill struct {
	ID          string
	Title       string
	Description string
	Tags        []string
}

func (s Skill) indexText() string {
	return fmt.Sprintf("%s: %s", s.Title, s.Description)
}

// Match is one matcher result (spec §4.5).
type Match struct {
	SkillID string
	Score   float64
	Reason  string
}

// EmbedFunc computes an embedding vector for text, mirroring the teacher's
// precomputed-vector convention (the matcher never calls a provider itself).
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

const (
	keywordScore           = 1.0
	keywordReason          = "explicit tag"
	defaultVectorThreshold = 0.75
	collectionName         = "skills"
)

// Matcher composes keyword and vector matching over a registered skill set.
// Safe for concurrent Match calls; Register must not race with Match.
type Matcher struct {
	embed     EmbedFunc
	threshold float64
	topK      int

	mu         sync.Mutex
	skills     map[string]Skill
	order      []string // registration order, for keyword-match tie-breaking
	db         *chromem.DB
	collection *chromem.Collection
}

// New builds a Matcher. threshold and topK come from
// config.SkillMatcherConfig (spec §4.5 defaults: threshold 0.75).
func New(embed EmbedFunc, threshold float64, topK int) *Matcher {
	if threshold <= 0 {
		threshold = defaultVectorThreshold
	}
	if topK <= 0 {
		topK = 5
	}
	return &Matcher{
		embed:     embed,
		threshold: threshold,
		topK:      topK,
		skills:    map[string]Skill{},
		db:        chromem.NewDB(),
	}
}

// identityEmbed reports pre-computed vectors only; the matcher computes
// embeddings itself via embed and passes them to chromem directly.
func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("skills: embedding must be pre-computed")
}

func (m *Matcher) collectionHandle(ctx context.Context) (*chromem.Collection, error) {
	if m.collection != nil {
		return m.collection, nil
	}
	col, err := m.db.GetOrCreateCollection(collectionName, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("skills: create collection: %w", err)
	}
	m.collection = col
	return col, nil
}

// Register adds or replaces a skill, indexing it for vector search if an
// EmbedFunc is configured.
func (m *Matcher) Register(ctx context.Context, skill Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.skills[skill.ID]; !exists {
		m.order = append(m.order, skill.ID)
	}
	m.skills[skill.ID] = skill

	if m.embed == nil {
		return nil
	}
	vec, err := m.embed(ctx, skill.indexText())
	if err != nil {
		return fmt.Errorf("skills: embed %q: %w", skill.ID, err)
	}
	col, err := m.collectionHandle(ctx)
	if err != nil {
		return err
	}
	return col.AddDocuments(ctx, []chromem.Document{{
		ID:        skill.ID,
		Content:   skill.indexText(),
		Embedding: vec,
	}}, 1)
}

// Match returns the union of keyword and vector matches for query, ordered
// by descending score. Keyword matches take priority: when both methods
// surface the same skill, the keyword match (score 1.0, fixed reason) wins
// and the vector result for that skill is discarded (spec §4.5).
func (m *Matcher) Match(ctx context.Context, query string) ([]Match, error) {
	m.mu.Lock()
	skillsSnapshot := make(map[string]Skill, len(m.skills))
	for k, v := range m.skills {
		skillsSnapshot[k] = v
	}
	idOrder := append([]string{}, m.order...)
	m.mu.Unlock()

	byID := map[string]Match{}
	var order []string

	for _, id := range idOrder {
		skill := skillsSnapshot[id]
		if keywordMatches(query, skill) {
			byID[id] = Match{SkillID: id, Score: keywordScore, Reason: keywordReason}
			order = append(order, id)
		}
	}

	if m.embed != nil && len(skillsSnapshot) > 0 {
		vectorMatches, err := m.vectorMatch(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, vm := range vectorMatches {
			if _, exists := byID[vm.SkillID]; exists {
				continue
			}
			byID[vm.SkillID] = vm
			order = append(order, vm.SkillID)
		}
	}

	matches := make([]Match, 0, len(order))
	for _, id := range order {
		matches = append(matches, byID[id])
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

func (m *Matcher) vectorMatch(ctx context.Context, query string) ([]Match, error) {
	vec, err := m.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("skills: embed query: %w", err)
	}

	m.mu.Lock()
	col := m.collection
	m.mu.Unlock()
	if col == nil {
		return nil, nil
	}

	n := m.topK
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("skills: query: %w", err)
	}

	var matches []Match
	for _, r := range results {
		if float64(r.Similarity) < m.threshold {
			continue
		}
		matches = append(matches, Match{
			SkillID: r.ID,
			Score:   float64(r.Similarity),
			Reason:  fmt.Sprintf("vector similarity(%.2f)", r.Similarity),
		})
	}
	return matches, nil
}

func keywordMatches(query string, skill Skill) bool {
	lowerQuery := strings.ToLower(query)
	for _, tag := range skill.Tags {
		if tag == "" {
			continue
		}
		if strings.Contains(lowerQuery, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}
