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
	"fmt"

	"hectorcore/internal/config"
)

// ValidateCmd loads and validates a configuration file without starting the
// server, for use in CI or pre-deploy checks.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Printf("invalid: %v\n", err)
		return err
	}
	fmt.Printf("valid: %s (provider=%s protocol=%s model=%s)\n", cli.Config, cfg.LLM.Provider, cfg.LLM.Protocol, cfg.LLM.Model)
	return nil
}
