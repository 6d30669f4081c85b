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

// Package knowledge implements Knowledge retrieval as a search_knowledge
// tool backed by Qdrant, grounded on the teacher's qdrantDatabaseProvider in
// pkg/databases/qdrant.go. Where the teacher's DatabaseProvider is a general
// upsert/search/delete interface shared across backends, Store narrows to
// the read path the orchestrator needs: embed a query, search one
// collection, and return scored passages above a minimum score.
package knowledge

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"hectorcore/internal/toolregistry"
)

// EmbedFunc computes an embedding vector for text, mirroring the teacher's
// precomputed-vector convention used by internal/skills: the store never
// picks its own embedding model, it calls out to whatever the orchestrator
// wires in.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Result is one scored passage returned by Search.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]interface{}
}

// Config configures the Qdrant connection and retrieval parameters.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	TopK       int
	MinScore   float64
}

// Store is a Qdrant-backed knowledge base searched by the search_knowledge
// tool.
type Store struct {
	client     *qdrant.Client
	collection string
	topK       int
	minScore   float64
	embed      EmbedFunc
}

// New dials Qdrant and returns a Store. It does not verify the collection
// exists; a missing collection surfaces as a Search error.
func New(cfg Config, embed EmbedFunc) (*Store, error) {
	if embed == nil {
		return nil, fmt.Errorf("knowledge: embed function is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("knowledge: collection is required")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		topK:       topK,
		minScore:   cfg.MinScore,
		embed:      embed,
	}, nil
}

// Search embeds query and returns the top-k passages scoring at or above
// MinScore.
func (s *Store) Search(ctx context.Context, query string) ([]Result, error) {
	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	resp, err := s.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(s.topK),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: search collection %q: %w", s.collection, err)
	}

	return convertResults(resp.Result, s.minScore), nil
}

func convertResults(scored []*qdrant.ScoredPoint, minScore float64) []Result {
	results := make([]Result, 0, len(scored))
	for _, point := range scored {
		if float64(point.Score) < minScore {
			continue
		}

		var id string
		if point.Id != nil {
			switch v := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = v.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", v.Num)
			}
		}

		metadata := make(map[string]interface{}, len(point.Payload))
		for key, value := range point.Payload {
			if v := payloadValue(value); v != nil {
				metadata[key] = v
			}
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}

		results = append(results, Result{
			ID:       id,
			Score:    point.Score,
			Content:  content,
			Metadata: metadata,
		})
	}
	return results
}

func payloadValue(v *qdrant.Value) interface{} {
	switch k := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

// Close releases the underlying Qdrant connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Tool adapts Store into the search_knowledge tool.
func (s *Store) Tool() toolregistry.Tool {
	return &toolregistry.FuncTool{
		NameStr:        "search_knowledge",
		DescriptionStr: "Searches the knowledge base for passages relevant to a natural-language query.",
		ParametersMap: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"query"},
		},
		Fn: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("knowledge: query is required")
			}
			results, err := s.Search(ctx, query)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"results": resultsToMaps(results)}, nil
		},
	}
}

func resultsToMaps(results []Result) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"id":       r.ID,
			"score":    r.Score,
			"content":  r.Content,
			"metadata": r.Metadata,
		})
	}
	return out
}

// Toolset wraps Tool under the "knowledge" namespace.
func (s *Store) Toolset() toolregistry.Toolset {
	return toolregistry.NewStaticToolset("knowledge", s.Tool())
}
