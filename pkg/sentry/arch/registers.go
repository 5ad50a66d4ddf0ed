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

// Package arch describes the 32-bit ARM register state of emulated threads
// and converts between it and the exception context delivered to handlers.
package arch

import (
	"fmt"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/hostarch"
)

// Processor modes, as encoded in CPSR[4:0].
const (
	ModeUser  = 0x10
	ModeAbort = 0x17
	ModeUndef = 0x1b
	ModeMask  = 0x1f
)

// Registers is the integer and floating point register file of a thread.
type Registers struct {
	// R holds r0-r12.
	R [kubridge.NumGPRs]uint32

	SP   uint32
	LR   uint32
	PC   uint32
	CPSR uint32

	VFP   [kubridge.NumVFPRegs]uint64
	FPSCR uint32
	FPEXC uint32
}

// Reg returns general register n, where 13, 14 and 15 are sp, lr and pc.
func (r *Registers) Reg(n int) uint32 {
	switch {
	case n < kubridge.NumGPRs:
		return r.R[n]
	case n == 13:
		return r.SP
	case n == 14:
		return r.LR
	case n == 15:
		return r.PC
	default:
		panic(fmt.Sprintf("invalid register r%d", n))
	}
}

// SetReg sets general register n.
func (r *Registers) SetReg(n int, v uint32) {
	switch {
	case n < kubridge.NumGPRs:
		r.R[n] = v
	case n == 13:
		r.SP = v
	case n == 14:
		r.LR = v
	case n == 15:
		r.PC = v
	default:
		panic(fmt.Sprintf("invalid register r%d", n))
	}
}

// StackPointer returns the stack pointer.
func (r *Registers) StackPointer() hostarch.Addr {
	return hostarch.Addr(r.SP)
}

// IP returns the program counter.
func (r *Registers) IP() hostarch.Addr {
	return hostarch.Addr(r.PC)
}

// Mode returns the processor mode bits.
func (r *Registers) Mode() uint32 {
	return r.CPSR & ModeMask
}

// FaultInfo is the fault status captured by the hardware for an abort.
type FaultInfo struct {
	// FSR is the fault status register (DFSR or IFSR).
	FSR uint32

	// FAR is the fault address register (DFAR or IFAR).
	FAR uint32
}

// NewExceptionContext builds the snapshot delivered to handlers from the
// interrupted register state. SPSR holds the interrupted CPSR.
func NewExceptionContext(regs *Registers, fault FaultInfo, et kubridge.ExceptionType) kubridge.ExceptionContext {
	return kubridge.ExceptionContext{
		R:             regs.R,
		SP:            regs.SP,
		LR:            regs.LR,
		PC:            regs.PC,
		VFP:           regs.VFP,
		SPSR:          regs.CPSR,
		FPSCR:         regs.FPSCR,
		FPEXC:         regs.FPEXC,
		FSR:           fault.FSR,
		FAR:           fault.FAR,
		ExceptionType: et,
	}
}

// RestoreFrom reloads every register from ctx. The mode bits are forced to
// user mode so a handler cannot resume with elevated privilege.
func (r *Registers) RestoreFrom(ctx *kubridge.ExceptionContext) {
	r.R = ctx.R
	r.SP = ctx.SP
	r.LR = ctx.LR
	r.PC = ctx.PC
	r.VFP = ctx.VFP
	r.CPSR = (ctx.SPSR &^ ModeMask) | ModeUser
	r.FPSCR = ctx.FPSCR
	r.FPEXC = ctx.FPEXC
}

// String implements fmt.Stringer.String.
func (r *Registers) String() string {
	return fmt.Sprintf("pc=%#08x lr=%#08x sp=%#08x cpsr=%#08x r0=%#08x r1=%#08x", r.PC, r.LR, r.SP, r.CPSR, r.R[0], r.R[1])
}
