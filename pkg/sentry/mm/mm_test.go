// Copyright 2018 Google Inc.
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

package mm

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/pgalloc"
)

func newTestMM(t *testing.T) *MemoryManager {
	t.Helper()
	mm := NewMemoryManager(pgalloc.NewMemoryFile(1 << 20))
	t.Cleanup(mm.Release)
	return mm
}

func mustMap(t *testing.T, mm *MemoryManager, start hostarch.Addr, pages uint32, perms hostarch.AccessType, name string) hostarch.AddrRange {
	t.Helper()
	ar, _ := start.ToRange(pages * hostarch.PageSize)
	if err := mm.Map(ar, perms, name); err != nil {
		t.Fatalf("Map(%v, %v): %v", ar, perms, err)
	}
	return ar
}

func TestMapRejectsOverlap(t *testing.T) {
	mm := newTestMM(t)
	mustMap(t, mm, UserStart+0x2000, 2, hostarch.ReadWrite, "a")

	for _, start := range []hostarch.Addr{UserStart + 0x1000, UserStart + 0x3000} {
		ar, _ := start.ToRange(2 * hostarch.PageSize)
		if err := mm.Map(ar, hostarch.ReadWrite, "b"); !sceerr.Equals(sceerr.NoMemory, err) {
			t.Errorf("Map(%v) = %v, want NoMemory", ar, err)
		}
	}
	if err := mm.Map(hostarch.AddrRange{Start: 0x1000, End: 0x2000}, hostarch.ReadWrite, "low"); err != sceerr.IllegalAddr {
		t.Errorf("Map below user range = %v, want %v", err, sceerr.IllegalAddr)
	}
}

func TestFindAvailable(t *testing.T) {
	mm := newTestMM(t)

	top, err := mm.FindAvailable(1, true)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if want := UserEnd - hostarch.PageSize; top != want {
		t.Errorf("highest = %v, want %v", top, want)
	}
	mustMap(t, mm, top, 1, hostarch.ReadExec, "top")
	next, err := mm.FindAvailable(hostarch.PageSize, true)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if want := top - hostarch.PageSize; next != want {
		t.Errorf("next highest = %v, want %v", next, want)
	}

	mustMap(t, mm, UserStart, 1, hostarch.ReadWrite, "bottom")
	low, err := mm.FindAvailable(hostarch.PageSize, false)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if want := UserStart + hostarch.PageSize; low != want {
		t.Errorf("lowest = %v, want %v", low, want)
	}
}

func TestCopyPermissions(t *testing.T) {
	ctx := context.Background()
	mm := newTestMM(t)
	rw := mustMap(t, mm, UserStart, 1, hostarch.ReadWrite, "data")
	rx := mustMap(t, mm, UserStart+0x10000, 1, hostarch.ReadExec, "code")

	msg := []byte("hello")
	if _, err := mm.CopyOut(ctx, rw.Start+8, msg, IOOpts{}); err != nil {
		t.Fatalf("CopyOut to rw: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := mm.CopyIn(ctx, rw.Start+8, got, IOOpts{}); err != nil || !bytes.Equal(got, msg) {
		t.Fatalf("CopyIn = (%q, %v), want %q", got, err, msg)
	}

	if _, err := mm.CopyOut(ctx, rx.Start, msg, IOOpts{}); err != sceerr.IllegalAddr {
		t.Errorf("unprivileged CopyOut to r-x = %v, want %v", err, sceerr.IllegalAddr)
	}
	if _, err := mm.CopyOut(ctx, rx.Start, msg, IOOpts{IgnorePermissions: true}); err != nil {
		t.Errorf("privileged CopyOut to r-x: %v", err)
	}
	if _, err := mm.Fetch(ctx, rx.Start, got); err != nil || !bytes.Equal(got, msg) {
		t.Errorf("Fetch = (%q, %v), want %q", got, err, msg)
	}
	if _, err := mm.Fetch(ctx, rw.Start, got); err != sceerr.IllegalAddr {
		t.Errorf("Fetch from rw- = %v, want %v", err, sceerr.IllegalAddr)
	}
}

func TestCopyOutIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	mm := newTestMM(t)
	ar := mustMap(t, mm, UserStart, 1, hostarch.ReadWrite, "data")

	// The copy straddles the end of the mapping.
	src := bytes.Repeat([]byte{0xaa}, 16)
	if _, err := mm.CopyOut(ctx, ar.End-8, src, IOOpts{}); err != sceerr.IllegalAddr {
		t.Fatalf("CopyOut across end = %v, want %v", err, sceerr.IllegalAddr)
	}
	tail := make([]byte, 8)
	if _, err := mm.CopyIn(ctx, ar.End-8, tail, IOOpts{}); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if diff := cmp.Diff(make([]byte, 8), tail); diff != "" {
		t.Errorf("partial write happened (-want +got):\n%s", diff)
	}
}

func TestCopySpansAdjacentMappings(t *testing.T) {
	ctx := context.Background()
	mm := newTestMM(t)
	a := mustMap(t, mm, UserStart, 1, hostarch.ReadWrite, "a")
	mustMap(t, mm, a.End, 1, hostarch.ReadWrite, "b")

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if n, err := mm.CopyOut(ctx, a.End-4, src, IOOpts{}); err != nil || n != len(src) {
		t.Fatalf("CopyOut = (%d, %v)", n, err)
	}
	v, err := mm.CopyInUint32(ctx, a.End, IOOpts{})
	if err != nil {
		t.Fatalf("CopyInUint32: %v", err)
	}
	if v != 0x08070605 {
		t.Errorf("word = %#x, want %#x", v, 0x08070605)
	}
}

func TestUnmap(t *testing.T) {
	mm := newTestMM(t)
	ar := mustMap(t, mm, UserStart, 1, hostarch.ReadWrite, "data")
	if !mm.IsMapped(ar.Start) {
		t.Fatalf("IsMapped = false after Map")
	}
	if err := mm.Unmap(ar.Start); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if mm.IsMapped(ar.Start) {
		t.Errorf("IsMapped = true after Unmap")
	}
	if err := mm.Unmap(ar.Start); err != sceerr.NotFound {
		t.Errorf("second Unmap = %v, want %v", err, sceerr.NotFound)
	}
}
