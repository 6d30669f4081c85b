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

// Package memory implements Memory retrieval as a search_memory tool backed
// by Pinecone, grounded on the teacher's pineconeDatabaseProvider in
// pkg/databases/pinecone.go. It exists alongside internal/knowledge as a
// swap-in alternate backend: same shape (embed a query, search, return
// scored passages), different vector store, so a deployment can point
// long-lived memory at a managed index while knowledge stays on a
// self-hosted Qdrant collection.
package memory

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"

	"hectorcore/internal/toolregistry"
)

// EmbedFunc computes an embedding vector for text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Result is one scored passage returned by Search.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]interface{}
}

// Config configures the Pinecone connection and retrieval parameters.
type Config struct {
	APIKey    string
	Host      string
	IndexName string
	TopK      int
	MinScore  float64
}

// Store is a Pinecone-backed memory searched by the search_memory tool.
type Store struct {
	client    *pinecone.Client
	indexName string
	topK      int
	minScore  float64
	embed     EmbedFunc
}

// New builds a Pinecone client. It does not resolve the index host until
// the first Search call, so a misconfigured index name surfaces there
// rather than at startup.
func New(cfg Config, embed EmbedFunc) (*Store, error) {
	if embed == nil {
		return nil, fmt.Errorf("memory: embed function is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("memory: API key is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
		Host:   cfg.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: create pinecone client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "hectorcore-memory"
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}

	return &Store{
		client:    client,
		indexName: indexName,
		topK:      topK,
		minScore:  cfg.MinScore,
		embed:     embed,
	}, nil
}

func (s *Store) indexConnection(ctx context.Context) (*pinecone.IndexConnection, error) {
	index, err := s.client.DescribeIndex(ctx, s.indexName)
	if err != nil {
		return nil, fmt.Errorf("memory: describe index %q: %w", s.indexName, err)
	}
	conn, err := s.client.Index(pinecone.NewIndexConnParams{Host: index.Host})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to index %q: %w", s.indexName, err)
	}
	return conn, nil
}

// Search embeds query and returns the top-k passages scoring at or above
// MinScore.
func (s *Store) Search(ctx context.Context, query string) ([]Result, error) {
	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	conn, err := s.indexConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(s.topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: query index %q: %w", s.indexName, err)
	}

	return convertResults(resp.Matches, s.minScore), nil
}

func convertResults(matches []*pinecone.ScoredVector, minScore float64) []Result {
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.Vector == nil || float64(m.Score) < minScore {
			continue
		}

		metadata := map[string]interface{}{}
		if m.Vector.Metadata != nil {
			metadata = m.Vector.Metadata.AsMap()
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}

		results = append(results, Result{
			ID:       m.Vector.Id,
			Score:    m.Score,
			Content:  content,
			Metadata: metadata,
		})
	}
	return results
}

// Tool adapts Store into the search_memory tool.
func (s *Store) Tool() toolregistry.Tool {
	return &toolregistry.FuncTool{
		NameStr:        "search_memory",
		DescriptionStr: "Searches long-lived memory for passages relevant to a natural-language query.",
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
				return nil, fmt.Errorf("memory: query is required")
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

// Toolset wraps Tool under the "memory" namespace.
func (s *Store) Toolset() toolregistry.Toolset {
	return toolregistry.NewStaticToolset("memory", s.Tool())
}
