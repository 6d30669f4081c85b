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

// Package toolregistry implements the Tool Registry contract (spec §4.1,
// §6): a namespaced set of callable tools exposed to the orchestrator as
// function schemas, grounded on the teacher's layered tool.Tool / Toolset
// design in pkg/tool/tool.go.
package toolregistry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"hectorcore/internal/eventmodel"
)

// Tool is a single callable capability. Implementations are expected to be
// safe for concurrent Call invocations.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

// FuncTool adapts a bare function into a Tool, mirroring the teacher's
// functiontool.New ergonomics for the common case of a single Go function.
type FuncTool struct {
	NameStr        string
	DescriptionStr string
	ParametersMap  map[string]interface{}
	Fn             func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

func (f *FuncTool) Name() string                           { return f.NameStr }
func (f *FuncTool) Description() string                    { return f.DescriptionStr }
func (f *FuncTool) Parameters() map[string]interface{}      { return f.ParametersMap }
func (f *FuncTool) Call(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return f.Fn(ctx, args)
}

// Toolset groups tools under a namespace. A server exposes its tools under
// namespaced_name "server::tool" (spec §6).
type Toolset interface {
	Namespace() string
	Tools(ctx context.Context) ([]Tool, error)
}

// staticToolset is a Toolset backed by a fixed, already-resolved slice.
type staticToolset struct {
	namespace string
	tools     []Tool
}

func NewStaticToolset(namespace string, tools ...Tool) Toolset {
	return &staticToolset{namespace: namespace, tools: tools}
}

func (s *staticToolset) Namespace() string { return s.namespace }
func (s *staticToolset) Tools(ctx context.Context) ([]Tool, error) {
	return s.tools, nil
}

// namespacedName joins a toolset namespace and tool name as "server::tool".
func namespacedName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "::" + name
}

// splitNamespacedName is the inverse of namespacedName.
func splitNamespacedName(full string) (namespace, name string) {
	idx := strings.Index(full, "::")
	if idx < 0 {
		return "", full
	}
	return full[:idx], full[idx+2:]
}

// Registry composes one or more toolsets into a single namespaced
// call(namespaced_name, args) surface for the orchestrator.
type Registry struct {
	mu       sync.RWMutex
	toolsets []Toolset
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a toolset. Order determines resolution precedence when two
// toolsets export the same namespace (first registered wins on conflict).
func (r *Registry) Register(ts Toolset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolsets = append(r.toolsets, ts)
}

// Merge returns a new Registry combining the receiver's toolsets with
// extra, used by the run manager to build an ephemeral per-run registry
// without mutating the shared base registry (spec §4.3).
func (r *Registry) Merge(extra ...Toolset) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := &Registry{toolsets: append(append([]Toolset{}, r.toolsets...), extra...)}
	return merged
}

type resolvedTool struct {
	namespacedName string
	tool           Tool
}

func (r *Registry) resolve(ctx context.Context) ([]resolvedTool, error) {
	r.mu.RLock()
	toolsets := append([]Toolset{}, r.toolsets...)
	r.mu.RUnlock()

	seen := map[string]bool{}
	var out []resolvedTool
	for _, ts := range toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("toolregistry: resolve toolset %q: %w", ts.Namespace(), err)
		}
		for _, t := range tools {
			full := namespacedName(ts.Namespace(), t.Name())
			if seen[full] {
				continue
			}
			seen[full] = true
			out = append(out, resolvedTool{namespacedName: full, tool: t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].namespacedName < out[j].namespacedName })
	return out, nil
}

// ToolDefinitions returns the function schemas exposed to the LLM, with
// namespaced names (spec §4.1 to_function_schemas()).
func (r *Registry) ToolDefinitions(ctx context.Context) ([]eventmodel.ToolDefinition, error) {
	resolved, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]eventmodel.ToolDefinition, 0, len(resolved))
	for _, rt := range resolved {
		defs = append(defs, eventmodel.ToolDefinition{
			Name:        rt.namespacedName,
			Description: rt.tool.Description(),
			Parameters:  rt.tool.Parameters(),
		})
	}
	return defs, nil
}

// ErrToolNotFound is returned by Call when namespacedName does not resolve.
type ErrToolNotFound struct {
	NamespacedName string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("toolregistry: tool %q not found", e.NamespacedName)
}

// Call executes namespacedName ("server::tool" or a bare tool name for the
// default namespace) with args, per spec §4.1's call(namespaced_name, args)
// contract.
func (r *Registry) Call(ctx context.Context, namespacedNameStr string, args map[string]interface{}) (map[string]interface{}, error) {
	resolved, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	for _, rt := range resolved {
		if rt.namespacedName == namespacedNameStr {
			return rt.tool.Call(ctx, args)
		}
	}
	return nil, &ErrToolNotFound{NamespacedName: namespacedNameStr}
}
