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

package kernel

import (
	"context"
	"fmt"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/trampoline"
)

// OutcomeKind says how user-mode execution ended.
type OutcomeKind int

// Outcome kinds.
const (
	// OutcomeResumed means native code resumes at Outcome.PC.
	OutcomeResumed OutcomeKind = iota

	// OutcomeExited means the process exited with Outcome.Status.
	OutcomeExited

	// OutcomeKilled means the process was killed.
	OutcomeKilled
)

// Outcome is the result of running a thread.
type Outcome struct {
	Kind   OutcomeKind
	PC     hostarch.Addr
	Status int32
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeResumed:
		return fmt.Sprintf("resumed at %v", o.PC)
	case OutcomeExited:
		return fmt.Sprintf("exited with status %#x", uint32(o.Status))
	case OutcomeKilled:
		return "killed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o.Kind))
	}
}

// outcome returns the outcome for a process that is no longer running.
func (p *Process) outcome() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case ProcessExited:
		return Outcome{Kind: OutcomeExited, Status: p.exitStatus}, true
	case ProcessKilled:
		return Outcome{Kind: OutcomeKilled}, true
	default:
		return Outcome{}, false
	}
}

// maxSteps bounds the instructions executed by one Run.
const maxSteps = 1 << 16

// Run executes injected code from the thread's pc until the thread resumes
// native code or the process ends. User functions called by the code run
// synchronously. Any fault while running injected code is fatal to the
// process.
func (t *Thread) Run(ctx context.Context) Outcome {
	ctx = ContextWithThread(ctx, t)
	regs := &t.regs
	var buf [trampoline.InstructionSize]byte
	for step := 0; ; step++ {
		if o, done := t.p.outcome(); done {
			return o
		}
		if err := ctx.Err(); err != nil {
			return t.fatal(ctx, "interrupted: %v", err)
		}
		if step == maxSteps {
			return t.fatal(ctx, "no progress after %d instructions", maxSteps)
		}

		pc := regs.IP()
		if _, err := t.p.mm.Fetch(ctx, pc, buf[:]); err != nil {
			return t.fatal(ctx, "instruction fetch at %v: %v", pc, err)
		}
		insn, err := trampoline.Decode(buf[:])
		if err != nil {
			return t.fatal(ctx, "at %v: %v", pc, err)
		}
		next := uint32(pc) + trampoline.InstructionSize
		regs.PC = next

		switch insn.Op {
		case trampoline.NOP:
		case trampoline.MOV:
			regs.SetReg(int(insn.Rd), regs.Reg(int(insn.Rs)))
		case trampoline.MOVI:
			regs.SetReg(int(insn.Rd), insn.Imm)
		case trampoline.CALL:
			target := hostarch.Addr(regs.Reg(int(insn.Rs)))
			if f, ok := t.p.function(target); ok {
				regs.R[0] = f.fn(ctx, t, regs.SyscallArgs())
				continue
			}
			regs.LR = next
			regs.PC = uint32(target)
		case trampoline.RET:
			regs.PC = regs.LR
		case trampoline.RESTORE:
			if pc, ok := t.restore(ctx, hostarch.Addr(regs.Reg(int(insn.Rs)))); ok {
				return Outcome{Kind: OutcomeResumed, PC: pc}
			}
		case trampoline.SVC:
			regs.R[0] = t.syscall(ctx, insn.Imm, regs.SyscallArgs())
		case trampoline.BZ:
			if regs.Reg(int(insn.Rs)) == 0 {
				regs.PC = uint32(int32(next) + insn.Offset())
			}
		case trampoline.B:
			regs.PC = uint32(int32(next) + insn.Offset())
		case trampoline.HALT:
			return t.fatal(ctx, "halt at %v", pc)
		}
	}
}

// restore reloads the registers from the exception context at addr.
func (t *Thread) restore(ctx context.Context, addr hostarch.Addr) (hostarch.Addr, bool) {
	var ec kubridge.ExceptionContext
	buf := make([]byte, ec.SizeBytes())
	if _, err := t.CopyIn(ctx, addr, buf); err != nil {
		log.Warningf("Thread %v: reloading exception context at %v: %v", t, addr, err)
		return 0, false
	}
	ec.UnmarshalBytes(buf)
	t.regs.RestoreFrom(&ec)
	return t.regs.IP(), true
}

func (t *Thread) fatal(ctx context.Context, format string, v ...any) Outcome {
	log.Warningf("Thread %v: fatal error in user mode: %s", t, fmt.Sprintf(format, v...))
	t.p.Kill(ctx)
	return Outcome{Kind: OutcomeKilled}
}
