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

// Package mm provides the emulated address space of a user process.
//
// Every mapping is backed by host memory from a pgalloc.MemoryFile and
// carries its own permissions. Copies across the privilege boundary go
// through CopyIn and CopyOut, which validate the whole range before touching
// any byte, so a failed copy never leaves a partial write behind.
package mm

import (
	"fmt"
	"strings"

	"github.com/google/btree"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/pgalloc"
	"kubridge.dev/kubridge/pkg/sync"
)

// Bounds of the user address space.
const (
	UserStart hostarch.Addr = 0x81000000
	UserEnd   hostarch.Addr = 0xE0000000
)

// IOOpts controls the behavior of copies.
type IOOpts struct {
	// IgnorePermissions, if true, allows the copy to touch memory regardless
	// of the mapping's permissions. It is set for privileged accesses such
	// as writing code into read-execute pages.
	IgnorePermissions bool
}

// vma is a single mapping.
type vma struct {
	ar    hostarch.AddrRange
	perms hostarch.AccessType
	name  string
	data  []byte
}

func vmaLess(a, b *vma) bool {
	return a.ar.Start < b.ar.Start
}

// MemoryManager implements a process address space.
type MemoryManager struct {
	mf *pgalloc.MemoryFile

	// mu protects vmas.
	mu sync.RWMutex

	// vmas is ordered by start address. Mappings never overlap.
	vmas *btree.BTreeG[*vma]
}

// NewMemoryManager returns an empty address space backed by mf.
func NewMemoryManager(mf *pgalloc.MemoryFile) *MemoryManager {
	return &MemoryManager{
		mf:   mf,
		vmas: btree.NewG[*vma](8, vmaLess),
	}
}

// Mapping describes a mapping for inspection.
type Mapping struct {
	Range hostarch.AddrRange
	Perms hostarch.AccessType
	Name  string
}

// overlapping returns the first vma that overlaps ar, or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) overlapping(ar hostarch.AddrRange) *vma {
	var found *vma
	// The only candidate below ar.Start is the vma starting closest to it.
	mm.vmas.DescendLessOrEqual(&vma{ar: hostarch.AddrRange{Start: ar.Start}}, func(v *vma) bool {
		if v.ar.Overlaps(ar) {
			found = v
		}
		return false
	})
	if found != nil {
		return found
	}
	mm.vmas.AscendGreaterOrEqual(&vma{ar: hostarch.AddrRange{Start: ar.Start}}, func(v *vma) bool {
		if v.ar.Start >= ar.End {
			return false
		}
		found = v
		return false
	})
	return found
}

// Map creates a mapping of ar with the given permissions. ar must be page
// aligned, lie within the user range and not overlap an existing mapping.
func (mm *MemoryManager) Map(ar hostarch.AddrRange, perms hostarch.AccessType, name string) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.Start.IsPageAligned() || !ar.End.IsPageAligned() {
		return sceerr.InvalidArgument
	}
	if ar.Start < UserStart || ar.End > UserEnd {
		return sceerr.IllegalAddr
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if v := mm.overlapping(ar); v != nil {
		return fmt.Errorf("%v overlaps %q at %v: %w", ar, v.name, v.ar, sceerr.NoMemory)
	}
	data, err := mm.mf.Allocate(ar.Length())
	if err != nil {
		return err
	}
	mm.vmas.ReplaceOrInsert(&vma{ar: ar, perms: perms, name: name, data: data})
	return nil
}

// Unmap removes the mapping starting at addr and releases its memory.
func (mm *MemoryManager) Unmap(addr hostarch.Addr) error {
	mm.mu.Lock()
	v, ok := mm.vmas.Delete(&vma{ar: hostarch.AddrRange{Start: addr}})
	mm.mu.Unlock()
	if !ok {
		return sceerr.NotFound
	}
	mm.mf.Release(v.data)
	return nil
}

// Release unmaps everything.
func (mm *MemoryManager) Release() {
	mm.mu.Lock()
	var all []*vma
	mm.vmas.Ascend(func(v *vma) bool {
		all = append(all, v)
		return true
	})
	mm.vmas.Clear(false)
	mm.mu.Unlock()
	for _, v := range all {
		mm.mf.Release(v.data)
	}
}

// FindAvailable returns the start of an unmapped, page aligned range of
// length bytes inside [UserStart, UserEnd). If highest is true the highest
// such range is returned, otherwise the lowest.
func (mm *MemoryManager) FindAvailable(length uint32, highest bool) (hostarch.Addr, error) {
	size, ok := hostarch.PageRoundUp(length)
	if !ok || size == 0 {
		return 0, sceerr.IllegalSize
	}

	mm.mu.RLock()
	defer mm.mu.RUnlock()

	var (
		found hostarch.Addr
		ok2   bool
	)
	if highest {
		top := UserEnd
		mm.vmas.Descend(func(v *vma) bool {
			if top-v.ar.End >= hostarch.Addr(size) {
				found, ok2 = top-hostarch.Addr(size), true
				return false
			}
			top = v.ar.Start
			return true
		})
		if !ok2 && top-UserStart >= hostarch.Addr(size) {
			found, ok2 = top-hostarch.Addr(size), true
		}
	} else {
		bottom := UserStart
		mm.vmas.Ascend(func(v *vma) bool {
			if v.ar.Start-bottom >= hostarch.Addr(size) {
				found, ok2 = bottom, true
				return false
			}
			bottom = v.ar.End
			return true
		})
		if !ok2 && UserEnd-bottom >= hostarch.Addr(size) {
			found, ok2 = bottom, true
		}
	}
	if !ok2 {
		return 0, sceerr.NoMemory
	}
	return found, nil
}

// IsMapped returns true if addr lies in a mapping.
func (mm *MemoryManager) IsMapped(addr hostarch.Addr) bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.overlapping(hostarch.AddrRange{Start: addr, End: addr + 1}) != nil
}

// Mappings returns a description of every mapping in address order.
func (mm *MemoryManager) Mappings() []Mapping {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	var ms []Mapping
	mm.vmas.Ascend(func(v *vma) bool {
		ms = append(ms, Mapping{Range: v.ar, Perms: v.perms, Name: v.name})
		return true
	})
	return ms
}

// String implements fmt.Stringer.String in the style of /proc/pid/maps.
func (mm *MemoryManager) String() string {
	var b strings.Builder
	for _, m := range mm.Mappings() {
		fmt.Fprintf(&b, "%08x-%08x %s %s\n", uint32(m.Range.Start), uint32(m.Range.End), m.Perms, m.Name)
	}
	return b.String()
}
