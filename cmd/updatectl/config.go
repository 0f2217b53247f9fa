// Copyright 2016 CoreOS, Inc.
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
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Config is an install plan as a human-editable file, the YAML counterpart
// to spec.md §6's "Install-plan input (from the scheduler to the core)".
// updatectl validates it against installPlanSchema before ever touching the
// pipeline, so a malformed file fails fast with a field-level message
// instead of a nil-pointer deep inside internal/pipeline.
type Config struct {
	// PayloadURL is fetched with a plain http.Get; PayloadPath, if set,
	// takes precedence and is opened directly, mirroring update_engine's
	// split between its curl-backed fetcher and bundled/raw payload paths.
	PayloadURL  string   `yaml:"payload_url"`
	PayloadPath string   `yaml:"payload_path"`
	KeyPaths    []string `yaml:"public_keys"`

	UpdateID string `yaml:"update_id"`
	BootID   string `yaml:"boot_id"`

	// Partition is the cgpt-tracked partition name used to resolve the
	// current/target slot, e.g. "USR".
	Partition string `yaml:"partition"`

	// Mode is "raw" or "cow".
	Mode string `yaml:"mode"`

	// JournalPath is the bbolt database path internal/journal opens.
	JournalPath string `yaml:"journal_path"`

	// CowDir backs DmSnapshotWriter's snapshot files when Mode is "cow".
	CowDir string `yaml:"cow_dir"`

	// DevicesRoot overrides /dev/disk/by-partlabel for testing.
	DevicesRoot string `yaml:"devices_root"`

	// ProgressAddr, if set, is an http://host:port/progress endpoint
	// updatectl POSTs progress events to for cmd/progress-monitor to relay.
	ProgressAddr string `yaml:"progress_addr"`

	Interactive bool `yaml:"interactive"`
}

const installPlanSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["public_keys", "update_id", "boot_id", "partition", "mode", "journal_path"],
  "properties": {
    "payload_url": {"type": "string"},
    "payload_path": {"type": "string"},
    "public_keys": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "update_id": {"type": "string", "minLength": 1},
    "boot_id": {"type": "string", "minLength": 1},
    "partition": {"type": "string", "minLength": 1},
    "mode": {"type": "string", "enum": ["raw", "cow"]},
    "journal_path": {"type": "string", "minLength": 1},
    "cow_dir": {"type": "string"},
    "devices_root": {"type": "string"},
    "progress_addr": {"type": "string"},
    "interactive": {"type": "boolean"}
  }
}`

// LoadConfig reads, schema-validates, and parses an install-plan file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("updatectl: read config: %w", err)
	}

	// gojsonschema validates JSON documents; yaml.v3 unmarshals YAML into
	// a generic map first so a YAML install plan validates against the
	// same schema a JSON one would.
	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("updatectl: parse config: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(installPlanSchema)
	docLoader := gojsonschema.NewGoLoader(generic)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("updatectl: validate config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("updatectl: invalid install plan:\n%s", strings.Join(msgs, "\n"))
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("updatectl: parse config: %w", err)
	}
	if cfg.PayloadPath == "" && cfg.PayloadURL == "" {
		return nil, fmt.Errorf("updatectl: install plan needs payload_path or payload_url")
	}
	return &cfg, nil
}
