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

// Package mcpregistry adapts an MCP stdio server into a toolregistry.Toolset,
// grounded on the teacher's lazy-connecting mcptoolset.Toolset in
// pkg/tool/mcptoolset/mcptoolset.go.
package mcpregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"hectorcore/internal/toolregistry"
)

// Config configures a stdio-transport MCP server.
type Config struct {
	Namespace string
	Command   string
	Args      []string
	Env       map[string]string
	Filter    []string
}

// Toolset lazily connects to an MCP server on first Tools() call and caches
// the tool list for the lifetime of the process.
type Toolset struct {
	cfg Config

	mu        sync.Mutex
	client    *client.Client
	connected bool
	tools     []toolregistry.Tool
	filterSet map[string]bool
}

// New builds a lazily-connecting MCP toolset. It does not dial the server.
func New(cfg Config) (*Toolset, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpregistry: command is required")
	}
	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}
	return &Toolset{cfg: cfg, filterSet: filterSet}, nil
}

func (t *Toolset) Namespace() string { return t.cfg.Namespace }

func (t *Toolset) Tools(ctx context.Context) ([]toolregistry.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("mcpregistry: connect: %w", err)
		}
	}
	return t.tools, nil
}

func (t *Toolset) connect(ctx context.Context) error {
	env := make([]string, 0, len(t.cfg.Env))
	for k, v := range t.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "hectorcore", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	tools := make([]toolregistry.Tool, 0, len(listResp.Tools))
	for _, mt := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[mt.Name] {
			continue
		}
		tools = append(tools, &mcpTool{
			client: mcpClient,
			name:   mt.Name,
			desc:   mt.Description,
			schema: convertSchema(mt.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true
	return nil
}

// Close releases the underlying MCP client connection, if any.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

type mcpTool struct {
	client *client.Client
	name   string
	desc   string
	schema map[string]interface{}
}

func (w *mcpTool) Name() string                      { return w.name }
func (w *mcpTool) Description() string               { return w.desc }
func (w *mcpTool) Parameters() map[string]interface{} { return w.schema }

func (w *mcpTool) Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := w.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcpregistry: call %q: %w", w.name, err)
	}

	result := map[string]interface{}{}
	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) > 0 {
		result["text"] = texts[0]
		if len(texts) > 1 {
			result["text_parts"] = texts
		}
	}
	result["is_error"] = resp.IsError
	return result, nil
}

func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if json.Unmarshal(data, &result) != nil {
		return nil
	}
	return result
}

var _ toolregistry.Toolset = (*Toolset)(nil)
