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

package hostarch

import "testing"

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		in   Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{0xfffff001, 0, false},
	} {
		got, ok := tc.in.RoundUp()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestToRange(t *testing.T) {
	if _, ok := Addr(0xfffffff0).ToRange(0x20); ok {
		t.Errorf("ToRange did not detect wraparound")
	}
	ar, ok := Addr(0x81000000).ToRange(PageSize)
	if !ok || ar.Length() != PageSize || !ar.Contains(0x81000fff) || ar.Contains(0x81001000) {
		t.Errorf("ToRange = (%v, %t)", ar, ok)
	}
}

func TestOverlaps(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	for _, tc := range []struct {
		b    AddrRange
		want bool
	}{
		{AddrRange{0x0000, 0x1000}, false},
		{AddrRange{0x0000, 0x1001}, true},
		{AddrRange{0x2000, 0x4000}, true},
		{AddrRange{0x3000, 0x4000}, false},
	} {
		if got := a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, tc.b, got, tc.want)
		}
	}
}

func TestAccessTypeString(t *testing.T) {
	if got := ReadExec.String(); got != "r-x" {
		t.Errorf("ReadExec.String() = %q, want r-x", got)
	}
	if !AnyAccess.SupersetOf(ReadWrite) || ReadExec.SupersetOf(Write) {
		t.Errorf("SupersetOf misbehaves")
	}
}
