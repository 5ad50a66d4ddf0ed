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

package log

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		t.Run(tc.level.String(), func(t *testing.T) {
			b, err := json.Marshal(tc.level)
			if err != nil {
				t.Fatalf("json.Marshal(%v): %v", tc.level, err)
			}
			if diff := cmp.Diff(tc.name, string(b)); diff != "" {
				t.Errorf("marshalled level mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLevelFromConfig(t *testing.T) {
	// Config files may carry the level by name or by number.
	for in, want := range map[string]Level{
		`{"level":"warning"}`: Warning,
		`{"level":1}`:         Info,
		`{"level":"debug"}`:   Debug,
		`{"level":2}`:         Debug,
	} {
		var got struct{ Level Level }
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Errorf("json.Unmarshal(%s): %v", in, err)
			continue
		}
		if got.Level != want {
			t.Errorf("json.Unmarshal(%s) = %v, want %v", in, got.Level, want)
		}
	}
}

func TestLevelJSONInvalid(t *testing.T) {
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("json.Marshal(Level(7)) succeeded")
	}
	for _, in := range []string{`"fatal"`, `3`, `""`} {
		var l Level
		if err := json.Unmarshal([]byte(in), &l); err == nil {
			t.Errorf("json.Unmarshal(%s) = %v, want error", in, l)
		}
	}
}
