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

// Package kubridge contains the user-visible ABI of the exception bridge:
// exception kinds, the exception context layout delivered to handlers, the
// handler option structure, and the identifiers of the firmware exports the
// bridge depends on.
package kubridge

import (
	"fmt"

	"kubridge.dev/kubridge/pkg/hostarch"
)

// ExceptionType identifies the CPU exception a handler is registered for.
type ExceptionType uint32

// Supported exception types.
const (
	ExceptionTypeDataAbort     ExceptionType = 0
	ExceptionTypePrefetchAbort ExceptionType = 1
	ExceptionTypeUndefInstr    ExceptionType = 2

	// NumExceptionTypes is the number of supported exception types.
	NumExceptionTypes = 3
)

// Valid returns true if t is a supported exception type.
func (t ExceptionType) Valid() bool {
	return t < NumExceptionTypes
}

// String implements fmt.Stringer.String.
func (t ExceptionType) String() string {
	switch t {
	case ExceptionTypeDataAbort:
		return "data_abort"
	case ExceptionTypePrefetchAbort:
		return "prefetch_abort"
	case ExceptionTypeUndefInstr:
		return "undef_instr"
	default:
		return fmt.Sprintf("ExceptionType(%d)", uint32(t))
	}
}

// ExceptionTypes lists the supported exception types in order.
var ExceptionTypes = [NumExceptionTypes]ExceptionType{
	ExceptionTypeDataAbort,
	ExceptionTypePrefetchAbort,
	ExceptionTypeUndefInstr,
}

// NumGPRs is the number of general purpose registers r0-r12.
const NumGPRs = 13

// NumVFPRegs is the number of 64-bit VFP registers.
const NumVFPRegs = 32

// ExceptionContext is the register snapshot written to the faulting thread's
// stack and passed to the handler. Handlers may modify it; the trampoline
// reloads every register from it before resuming.
//
// Layout (little endian):
//
//	0x000 r0..r12, sp, lr, pc  16 x u32
//	0x040 vfpRegisters         32 x u64
//	0x140 SPSR FPSCR FPEXC FSR FAR exceptionType
type ExceptionContext struct {
	R             [NumGPRs]uint32
	SP            uint32
	LR            uint32
	PC            uint32
	VFP           [NumVFPRegs]uint64
	SPSR          uint32
	FPSCR         uint32
	FPEXC         uint32
	FSR           uint32
	FAR           uint32
	ExceptionType ExceptionType
}

// ExceptionContextSize is the size of the marshalled ExceptionContext.
const ExceptionContextSize = 16*4 + NumVFPRegs*8 + 6*4

// ExceptionContextReserve is the stack space set aside for the context when
// checking headroom. It is the context size rounded up to 32 bytes.
const ExceptionContextReserve = 0x160

// SizeBytes returns the marshalled size.
func (c *ExceptionContext) SizeBytes() int {
	return ExceptionContextSize
}

// MarshalBytes serializes c into dst, which must be at least SizeBytes long.
// It returns the remainder of dst.
func (c *ExceptionContext) MarshalBytes(dst []byte) []byte {
	bo := hostarch.ByteOrder
	for _, r := range c.R {
		bo.PutUint32(dst[:4], r)
		dst = dst[4:]
	}
	for _, r := range [...]uint32{c.SP, c.LR, c.PC} {
		bo.PutUint32(dst[:4], r)
		dst = dst[4:]
	}
	for _, d := range c.VFP {
		bo.PutUint64(dst[:8], d)
		dst = dst[8:]
	}
	for _, r := range [...]uint32{c.SPSR, c.FPSCR, c.FPEXC, c.FSR, c.FAR, uint32(c.ExceptionType)} {
		bo.PutUint32(dst[:4], r)
		dst = dst[4:]
	}
	return dst
}

// UnmarshalBytes deserializes c from src, which must be at least SizeBytes
// long. It returns the remainder of src.
func (c *ExceptionContext) UnmarshalBytes(src []byte) []byte {
	bo := hostarch.ByteOrder
	for i := range c.R {
		c.R[i] = bo.Uint32(src[:4])
		src = src[4:]
	}
	for _, r := range [...]*uint32{&c.SP, &c.LR, &c.PC} {
		*r = bo.Uint32(src[:4])
		src = src[4:]
	}
	for i := range c.VFP {
		c.VFP[i] = bo.Uint64(src[:8])
		src = src[8:]
	}
	for _, r := range [...]*uint32{&c.SPSR, &c.FPSCR, &c.FPEXC, &c.FSR, &c.FAR} {
		*r = bo.Uint32(src[:4])
		src = src[4:]
	}
	c.ExceptionType = ExceptionType(bo.Uint32(src[:4]))
	return src[4:]
}

// Offsets of fields within the marshalled ExceptionContext.
const (
	ExceptionContextOffsetSP            = NumGPRs * 4
	ExceptionContextOffsetPC            = ExceptionContextOffsetSP + 8
	ExceptionContextOffsetExceptionType = ExceptionContextSize - 4
)

// ExceptionHandlerOpt is the option structure accepted by handler
// registration. Only its size is defined; it exists for future expansion.
type ExceptionHandlerOpt struct {
	Size uint32
}

// ExceptionHandlerOptSize is the size of the marshalled ExceptionHandlerOpt.
const ExceptionHandlerOptSize = 4

// SizeBytes returns the marshalled size.
func (o *ExceptionHandlerOpt) SizeBytes() int {
	return ExceptionHandlerOptSize
}

// MarshalBytes serializes o into dst.
func (o *ExceptionHandlerOpt) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], o.Size)
	return dst[4:]
}

// UnmarshalBytes deserializes o from src.
func (o *ExceptionHandlerOpt) UnmarshalBytes(src []byte) []byte {
	o.Size = hostarch.ByteOrder.Uint32(src[:4])
	return src[4:]
}
