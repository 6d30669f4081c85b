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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hectorcore/internal/config"
	"hectorcore/internal/contextmgr"
	"hectorcore/internal/knowledge"
	"hectorcore/internal/llmproto"
	"hectorcore/internal/llmproto/chat"
	"hectorcore/internal/llmproto/responses"
	"hectorcore/internal/logging"
	"hectorcore/internal/memory"
	"hectorcore/internal/observability"
	"hectorcore/internal/runmanager"
	"hectorcore/internal/session"
	"hectorcore/internal/skills"
	"hectorcore/internal/toolregistry"
	"hectorcore/internal/toolregistry/mcpregistry"
	"hectorcore/internal/transport"
)

// ServeCmd starts the HTTP/SSE server.
type ServeCmd struct {
	Addr string `help:"Listen address, overrides the config file's server_addr."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("hectorcore: %w", err)
	}

	logLevelStr := cfg.LogLevel
	if cli.LogLevel != "" {
		logLevelStr = cli.LogLevel
	}
	level, err := logging.ParseLevel(logLevelStr)
	if err != nil {
		return fmt.Errorf("hectorcore: %w", err)
	}
	logger := logging.New(level)

	addr := cfg.ServerAddr
	if c.Addr != "" {
		addr = c.Addr
	}

	metrics := observability.New()

	driver, err := buildDriver(cfg.LLM)
	if err != nil {
		return fmt.Errorf("hectorcore: %w", err)
	}

	registry := toolregistry.New()
	var mcpToolsets []*mcpregistry.Toolset
	for _, ts := range cfg.ToolServers {
		mcpTools, err := mcpregistry.New(mcpregistry.Config{
			Namespace: ts.Namespace,
			Command:   ts.Command,
			Args:      ts.Args,
			Env:       ts.Env,
			Filter:    ts.Filter,
		})
		if err != nil {
			return fmt.Errorf("hectorcore: tool server %q: %w", ts.Namespace, err)
		}
		registry.Register(mcpTools)
		mcpToolsets = append(mcpToolsets, mcpTools)
	}
	defer func() {
		for _, ts := range mcpToolsets {
			_ = ts.Close()
		}
	}()

	embedder := &llmproto.Embedder{Settings: cfg.LLM, HTTPClient: driverHTTPClient(cfg.LLM)}

	if cfg.Knowledge.Enabled {
		knowledgeStore, err := knowledge.New(knowledge.Config{
			Host:       cfg.Knowledge.Host,
			Port:       cfg.Knowledge.Port,
			APIKey:     cfg.Knowledge.APIKey,
			UseTLS:     cfg.Knowledge.UseTLS,
			Collection: cfg.Knowledge.Collection,
			TopK:       cfg.Knowledge.TopK,
			MinScore:   cfg.Knowledge.MinScore,
		}, embedder.Embed)
		if err != nil {
			return fmt.Errorf("hectorcore: knowledge store: %w", err)
		}
		defer knowledgeStore.Close()
		registry.Register(knowledgeStore.Toolset())
	}

	if cfg.Memory.Enabled {
		memoryStore, err := memory.New(memory.Config{
			APIKey:    cfg.Memory.APIKey,
			Host:      cfg.Memory.Host,
			IndexName: cfg.Memory.IndexName,
			TopK:      cfg.Memory.TopK,
			MinScore:  cfg.Memory.MinScore,
		}, embedder.Embed)
		if err != nil {
			return fmt.Errorf("hectorcore: memory store: %w", err)
		}
		registry.Register(memoryStore.Toolset())
	}

	var cm *contextmgr.Manager
	if cfg.Context.Strategy != config.StrategyNone {
		cm, err = contextmgr.New(cfg.LLM.Model, cfg.Context)
		if err != nil {
			return fmt.Errorf("hectorcore: %w", err)
		}
	}

	matcher := skills.New(nil, cfg.Skills.VectorThreshold, cfg.Skills.TopK)

	runs := runmanager.New(runmanager.Dependencies{
		Driver:       driver,
		BaseRegistry: registry,
		Sessions:     session.NewStore(),
		ContextMgr:   cm,
		SkillMatcher: matcher,
		Metrics:      metrics,
		RunManager:   cfg.RunManager,
	})

	srv := transport.NewServer(runs, metrics, logger)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("hectorcore: serve: %w", err)
	}
	<-ctx.Done()
	return nil
}

// buildDriver resolves cfg.Protocol to a concrete llmproto.Driver. "auto"
// resolves to the chat dialect: every configured provider speaks
// chat-completions, while the responses dialect must be requested
// explicitly since only OpenAI's newer models support it.
func buildDriver(cfg config.LLMSettings) (llmproto.Driver, error) {
	protocol := cfg.Protocol
	if protocol == config.ProtocolAuto {
		protocol = config.ProtocolChat
	}

	httpClient := driverHTTPClient(cfg)
	providerAdvertisesParallel := cfg.Provider == config.ProviderOpenAI || cfg.Provider == config.ProviderAzureOpenAI

	switch protocol {
	case config.ProtocolChat:
		return &chat.Driver{
			Settings:                           cfg,
			HTTPClient:                          httpClient,
			ProviderAdvertisesParallelToolCalls: providerAdvertisesParallel,
		}, nil
	case config.ProtocolResponses:
		return &responses.Driver{
			Settings:   cfg,
			HTTPClient: httpClient,
		}, nil
	default:
		return nil, fmt.Errorf("config: unknown protocol %q", cfg.Protocol)
	}
}

func driverHTTPClient(cfg config.LLMSettings) *http.Client {
	return &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
}
