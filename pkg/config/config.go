// Copyright 2026 The kubridge Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for the emulated kernel and the bridge. Settings come from command line
// flags and, optionally, a TOML file overlaid on top of them.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// Firmware versions, which select the export NID scheme.
const (
	Firmware360 = "3.60"
	Firmware365 = "3.65"
)

// Exception safety levels.
const (
	// SafetyPrivileged reads thread stack bounds with a privileged read.
	SafetyPrivileged = 1

	// SafetyValidated reads thread stack bounds through a validated user
	// copy.
	SafetyValidated = 2
)

// Config holds configuration that is not part of the registration API.
//
// Fields with a "flag" tag are populated by NewFromFlags and written back by
// ToFlags. The "toml" tag names the key read by LoadFile.
type Config struct {
	// Firmware is the emulated firmware version.
	Firmware string `flag:"firmware" toml:"firmware"`

	// Cores is the number of emulated processors.
	Cores int `flag:"cores" toml:"cores"`

	// ExceptionSafety selects how the dispatcher reads stack bounds.
	ExceptionSafety int `flag:"exception-safety" toml:"exception_safety"`

	// HandlerStackMargin is the stack headroom, beyond the context reserve,
	// that a handler is guaranteed.
	HandlerStackMargin uint `flag:"handler-stack-margin" toml:"handler_stack_margin"`

	// DispatchPriority is the exception manager priority of the bridge.
	DispatchPriority int `flag:"dispatch-priority" toml:"dispatch_priority"`

	// BootstrapOnSpawn bootstraps every process when it is created, so that
	// processes that never register a handler still get the default handler.
	BootstrapOnSpawn bool `flag:"bootstrap-on-spawn" toml:"bootstrap_on_spawn"`

	// MemoryLimit is the emulated physical memory budget in bytes.
	MemoryLimit uint64 `flag:"memory-limit" toml:"memory_limit"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// MetricsPath is the file the metrics are written to on exit, if not
	// empty.
	MetricsPath string `flag:"metrics" toml:"metrics"`
}

// MaxHandlerStackMargin bounds HandlerStackMargin so that it always fits a
// user address.
const MaxHandlerStackMargin = 1 << 20

func (c *Config) validate() error {
	switch c.Firmware {
	case Firmware360, Firmware365:
	default:
		return fmt.Errorf("invalid firmware %q, must be %q or %q", c.Firmware, Firmware360, Firmware365)
	}
	if c.Cores < 1 {
		return fmt.Errorf("cores must be at least 1, got %d", c.Cores)
	}
	if c.ExceptionSafety != SafetyPrivileged && c.ExceptionSafety != SafetyValidated {
		return fmt.Errorf("exception-safety must be %d or %d, got %d", SafetyPrivileged, SafetyValidated, c.ExceptionSafety)
	}
	if c.HandlerStackMargin%8 != 0 {
		return fmt.Errorf("handler-stack-margin must be a multiple of 8, got %#x", c.HandlerStackMargin)
	}
	if c.HandlerStackMargin > MaxHandlerStackMargin {
		return fmt.Errorf("handler-stack-margin must be at most %#x, got %#x", MaxHandlerStackMargin, c.HandlerStackMargin)
	}
	if c.MemoryLimit == 0 {
		return fmt.Errorf("memory-limit must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q", c.LogFormat)
	}
	return nil
}

// LoadFile overlays the settings in the TOML file at path on c. Keys absent
// from the file keep their current value.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q has unknown keys: %v", path, undecoded)
	}
	return c.validate()
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}
