// Copyright 2018 The gVisor Authors.
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
	"context"

	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
)

// logIOErrors enables debug logging of rejected copies.
const logIOErrors = true

// segment is the part of a copy that falls inside one vma.
type segment struct {
	v   *vma
	off uint32
	n   uint32
}

// segments splits ar into per-vma segments, checking that every byte is
// mapped and, unless opts.IgnorePermissions, that every mapping grants at.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) segments(ar hostarch.AddrRange, at hostarch.AccessType, opts IOOpts) ([]segment, bool) {
	var segs []segment
	addr := ar.Start
	for addr < ar.End {
		v := mm.overlapping(hostarch.AddrRange{Start: addr, End: addr + 1})
		if v == nil {
			return nil, false
		}
		if !opts.IgnorePermissions && !v.perms.SupersetOf(at) {
			return nil, false
		}
		end := v.ar.End
		if ar.End < end {
			end = ar.End
		}
		segs = append(segs, segment{v: v, off: uint32(addr - v.ar.Start), n: uint32(end - addr)})
		addr = end
	}
	return segs, true
}

// checkIORange returns the range [addr, addr+length) if it does not wrap and
// lies within the user address space.
func checkIORange(addr hostarch.Addr, length int) (hostarch.AddrRange, bool) {
	ar, ok := addr.ToRange(uint32(length))
	return ar, ok && length >= 0 && ar.Start >= UserStart && ar.End <= UserEnd
}

// translateIOError converts errors to IllegalAddr, as is reported for all
// rejected user copies.
func translateIOError(ctx context.Context, op string, addr hostarch.Addr, n int) error {
	if logIOErrors && log.IsLogging(log.Debug) {
		log.Debugf("MM %s of %d bytes at %v rejected", op, n, addr)
	}
	return sceerr.IllegalAddr
}

// CopyOut copies src to the user address addr. It fails with
// sceerr.IllegalAddr, writing nothing, unless the whole destination is mapped
// writable (or opts.IgnorePermissions is set).
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	ar, ok := checkIORange(addr, len(src))
	if !ok {
		return 0, translateIOError(ctx, "CopyOut", addr, len(src))
	}
	if len(src) == 0 {
		return 0, nil
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	segs, ok := mm.segments(ar, hostarch.Write, opts)
	if !ok {
		return 0, translateIOError(ctx, "CopyOut", addr, len(src))
	}
	n := 0
	for _, s := range segs {
		n += copy(s.v.data[s.off:s.off+s.n], src[n:])
	}
	return n, nil
}

// CopyIn copies len(dst) bytes from the user address addr into dst. It fails
// with sceerr.IllegalAddr, reading nothing, unless the whole source is mapped
// readable (or opts.IgnorePermissions is set).
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	return mm.copyIn(ctx, "CopyIn", addr, dst, hostarch.Read, opts)
}

// Fetch reads instruction bytes at addr, requiring execute permission.
func (mm *MemoryManager) Fetch(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return mm.copyIn(ctx, "Fetch", addr, dst, hostarch.Execute, IOOpts{})
}

func (mm *MemoryManager) copyIn(ctx context.Context, op string, addr hostarch.Addr, dst []byte, at hostarch.AccessType, opts IOOpts) (int, error) {
	ar, ok := checkIORange(addr, len(dst))
	if !ok {
		return 0, translateIOError(ctx, op, addr, len(dst))
	}
	if len(dst) == 0 {
		return 0, nil
	}

	mm.mu.RLock()
	defer mm.mu.RUnlock()
	segs, ok := mm.segments(ar, at, opts)
	if !ok {
		return 0, translateIOError(ctx, op, addr, len(dst))
	}
	n := 0
	for _, s := range segs {
		n += copy(dst[n:], s.v.data[s.off:s.off+s.n])
	}
	return n, nil
}

// CopyInUint32 reads a little-endian word from addr.
func (mm *MemoryManager) CopyInUint32(ctx context.Context, addr hostarch.Addr, opts IOOpts) (uint32, error) {
	var b [4]byte
	if _, err := mm.CopyIn(ctx, addr, b[:], opts); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint32(b[:]), nil
}

// CopyOutUint32 writes a little-endian word to addr.
func (mm *MemoryManager) CopyOutUint32(ctx context.Context, addr hostarch.Addr, val uint32, opts IOOpts) error {
	var b [4]byte
	hostarch.ByteOrder.PutUint32(b[:], val)
	_, err := mm.CopyOut(ctx, addr, b[:], opts)
	return err
}
