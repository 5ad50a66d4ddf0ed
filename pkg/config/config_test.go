// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	c := Default()
	want := &Config{
		Firmware:           Firmware365,
		Cores:              4,
		ExceptionSafety:    SafetyValidated,
		HandlerStackMargin: 0x400,
		MemoryLimit:        64 << 20,
		LogFormat:          "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Default() mismatch (-want +got):\n%s", diff)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("ToFlags() of default config = %v, want none", flags)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	args := []string{
		"--firmware=3.60",
		"--cores=2",
		"--exception-safety=1",
		"--bootstrap-on-spawn=true",
		"--debug=true",
	}
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	c, err := NewFromFlags(flagSet)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	if c.Firmware != Firmware360 || c.Cores != 2 || c.ExceptionSafety != SafetyPrivileged || !c.BootstrapOnSpawn || !c.Debug {
		t.Errorf("NewFromFlags(%v) = %+v", args, c)
	}
	if diff := cmp.Diff(args, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewFromFlagsValidates(t *testing.T) {
	for _, arg := range []string{
		"--firmware=3.70",
		"--cores=0",
		"--exception-safety=3",
		"--handler-stack-margin=3",
		"--handler-stack-margin=0x100008",
		"--handler-stack-margin=4294967296",
		"--memory-limit=0",
		"--log-format=xml",
	} {
		t.Run(arg, func(t *testing.T) {
			flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(flagSet)
			if err := flagSet.Parse([]string{arg}); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if _, err := NewFromFlags(flagSet); err == nil {
				t.Errorf("NewFromFlags(%s) succeeded", arg)
			}
		})
	}
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kubridge.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	c := Default()
	path := writeFile(t, `
firmware = "3.60"
handler_stack_margin = 2048
bootstrap_on_spawn = true
`)
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Firmware != Firmware360 || c.HandlerStackMargin != 2048 || !c.BootstrapOnSpawn {
		t.Errorf("LoadFile overlay = %+v", c)
	}
	if c.Cores != 4 {
		t.Errorf("Cores = %d, want default 4", c.Cores)
	}
}

func TestLoadFileErrors(t *testing.T) {
	c := Default()
	if err := c.LoadFile(writeFile(t, `cores = 2
colour = "blue"
`)); err == nil || !strings.Contains(err.Error(), "colour") {
		t.Errorf("LoadFile with unknown key = %v", err)
	}
	if err := Default().LoadFile(writeFile(t, `exception_safety = 7`)); err == nil {
		t.Errorf("LoadFile with invalid value succeeded")
	}
	if err := Default().LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadFile of missing file succeeded")
	}
}

func TestCopy(t *testing.T) {
	c := Default()
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Errorf("Copy() mismatch (-want +got):\n%s", diff)
	}
	cp.Cores = 16
	if c.Cores == 16 {
		t.Errorf("modifying the copy changed the original")
	}
}
