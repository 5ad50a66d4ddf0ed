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

// Package pgalloc provides the host memory that backs emulated user pages.
package pgalloc

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
)

// MemoryFile allocates page-granular host mappings up to a fixed budget.
//
// Each allocation is an independent anonymous private mapping, so releasing
// one returns its pages to the host immediately.
type MemoryFile struct {
	// limit is the maximum number of bytes that may be allocated at once.
	limit uint64

	// usage is the number of bytes currently allocated.
	usage atomic.Uint64
}

// NewMemoryFile returns a MemoryFile that allows at most limit bytes to be
// allocated at any time.
func NewMemoryFile(limit uint64) *MemoryFile {
	return &MemoryFile{limit: limit}
}

// Allocate returns zeroed host memory of the given length, which is rounded
// up to whole pages. It returns sceerr.NoMemory if the budget would be
// exceeded.
func (f *MemoryFile) Allocate(length uint32) ([]byte, error) {
	size, ok := hostarch.PageRoundUp(length)
	if !ok || size == 0 {
		return nil, sceerr.IllegalSize
	}
	for {
		cur := f.usage.Load()
		if cur+uint64(size) > f.limit {
			return nil, sceerr.NoMemory
		}
		if f.usage.CompareAndSwap(cur, cur+uint64(size)) {
			break
		}
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		f.usage.Add(-uint64(size))
		return nil, fmt.Errorf("mmap of %d bytes failed: %v: %w", size, err, sceerr.NoMemory)
	}
	return b, nil
}

// Release returns memory obtained from Allocate to the host.
func (f *MemoryFile) Release(b []byte) {
	if len(b) == 0 {
		return
	}
	size := uint64(len(b))
	if err := unix.Munmap(b); err != nil {
		log.Warningf("munmap of %d bytes failed: %v", size, err)
		return
	}
	f.usage.Add(-size)
}

// Usage returns the number of bytes currently allocated.
func (f *MemoryFile) Usage() uint64 {
	return f.usage.Load()
}

// Limit returns the allocation budget.
func (f *MemoryFile) Limit() uint64 {
	return f.limit
}
