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

package trampoline

import (
	"fmt"
	"io"
)

type fixup struct {
	index int
	label string
}

// Assembler builds a program one instruction at a time. Branch targets are
// named by labels, which may be defined before or after their use.
//
// The zero value is ready to use.
type Assembler struct {
	insns  []Instruction
	labels map[string]int
	fixups []fixup
	err    error
}

func (a *Assembler) emit(i Instruction) {
	a.insns = append(a.insns, i)
}

func (a *Assembler) branch(i Instruction, label string) {
	a.fixups = append(a.fixups, fixup{index: len(a.insns), label: label})
	a.emit(i)
}

// PC returns the offset of the next instruction.
func (a *Assembler) PC() uint32 {
	return uint32(len(a.insns) * InstructionSize)
}

// Label defines name at the current position.
func (a *Assembler) Label(name string) {
	if a.labels == nil {
		a.labels = make(map[string]int)
	}
	if _, ok := a.labels[name]; ok && a.err == nil {
		a.err = fmt.Errorf("label %q redefined", name)
		return
	}
	a.labels[name] = len(a.insns)
}

// Nop emits nop.
func (a *Assembler) Nop() { a.emit(Instruction{Op: NOP}) }

// Mov emits mov rd, rs.
func (a *Assembler) Mov(rd, rs uint8) { a.emit(Instruction{Op: MOV, Rd: rd, Rs: rs}) }

// Movi emits movi rd, imm.
func (a *Assembler) Movi(rd uint8, imm uint32) { a.emit(Instruction{Op: MOVI, Rd: rd, Imm: imm}) }

// Call emits call rs.
func (a *Assembler) Call(rs uint8) { a.emit(Instruction{Op: CALL, Rs: rs}) }

// Ret emits ret.
func (a *Assembler) Ret() { a.emit(Instruction{Op: RET}) }

// Restore emits restore rs.
func (a *Assembler) Restore(rs uint8) { a.emit(Instruction{Op: RESTORE, Rs: rs}) }

// SVC emits svc nr.
func (a *Assembler) SVC(nr uint32) { a.emit(Instruction{Op: SVC, Imm: nr}) }

// BZ emits a branch to label taken if rs is zero.
func (a *Assembler) BZ(rs uint8, label string) { a.branch(Instruction{Op: BZ, Rs: rs}, label) }

// B emits an unconditional branch to label.
func (a *Assembler) B(label string) { a.branch(Instruction{Op: B}, label) }

// Halt emits halt.
func (a *Assembler) Halt() { a.emit(Instruction{Op: HALT}) }

// Offset returns the byte offset of label.
func (a *Assembler) Offset(label string) (uint32, error) {
	idx, ok := a.labels[label]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", label)
	}
	return uint32(idx * InstructionSize), nil
}

// Assemble resolves branches and returns the encoded program.
func (a *Assembler) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		a.insns[f.index].Imm = uint32(int32((target - (f.index + 1)) * InstructionSize))
	}
	blob := make([]byte, 0, len(a.insns)*InstructionSize)
	for _, i := range a.insns {
		blob = i.Encode(blob)
	}
	return blob, nil
}

// Disassemble writes a listing of blob to w. Offsets present in symbols are
// printed as labels.
func Disassemble(w io.Writer, blob []byte, symbols map[uint32]string) error {
	if len(blob)%InstructionSize != 0 {
		return fmt.Errorf("blob length %d is not a multiple of %d", len(blob), InstructionSize)
	}
	for off := 0; off < len(blob); off += InstructionSize {
		if name, ok := symbols[uint32(off)]; ok {
			if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
				return err
			}
		}
		text := "<undefined>"
		if i, err := Decode(blob[off:]); err == nil {
			text = i.String()
			if i.Op == B || i.Op == BZ {
				target := uint32(int32(off+InstructionSize) + i.Offset())
				if name, ok := symbols[target]; ok {
					text += " <" + name + ">"
				}
			}
		}
		if _, err := fmt.Fprintf(w, "  %04x:  % x  %s\n", off, blob[off:off+InstructionSize], text); err != nil {
			return err
		}
	}
	return nil
}
