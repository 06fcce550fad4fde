package amd64

import (
	"github.com/tinyrange/codeinstall/internal/fault"
)

// inst is the shape of one decoded instruction: enough to find its length,
// its RIP-relative displacement and its immediate.
type inst struct {
	length  int
	rip     bool
	dispOff int // offset of the disp32 from the instruction start, -1 if none
	immOff  int // offset of the immediate, -1 if none
	immSize int
}

const (
	opCall       = 0xE8
	opJmp        = 0xE9
	opMovImm     = 0xB8
	opGroup5     = 0xFF
	opTwoByte    = 0x0F
	rexW         = 0x48
	rexB         = 0x41
	rexMask      = 0xF0
	rexBase      = 0x40
	vex2         = 0xC5
	vex3         = 0xC4
	callRelSize  = 5
	jccRelSize   = 6
	movImm64Size = 10
)

func isRex(b byte) bool { return b&rexMask == rexBase }

func isPrefix(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		return true
	}
	return false
}

func byteAt(code []byte, off int) byte {
	if off < 0 || off >= len(code) {
		fault.Fatalf("amd64", "instruction at %#x runs past the end of the code (%d bytes)", off, len(code))
	}
	return code[off]
}

func isCallAt(code []byte, pc int) bool { return pc < len(code) && code[pc] == opCall }
func isJumpAt(code []byte, pc int) bool { return pc < len(code) && code[pc] == opJmp }
func isCondJumpAt(code []byte, pc int) bool {
	return pc+1 < len(code) && code[pc] == opTwoByte && code[pc+1]&0xF0 == 0x80
}

// isMovLiteral64At matches mov r64, imm64.
func isMovLiteral64At(code []byte, pc int) bool {
	return pc+1 < len(code) && code[pc]&0xFE == rexW && code[pc+1]&0xF8 == opMovImm
}

// callRegLength returns the length of a call r64 at pc, or 0.
func callRegLength(code []byte, pc int) int {
	off := pc
	if off < len(code) && code[off] == rexB {
		off++
	}
	if off+1 < len(code) && code[off] == opGroup5 && code[off+1]&0xF8 == 0xD0 {
		return off + 2 - pc
	}
	return 0
}

// decode decodes the general-purpose and SSE/AVX instructions the compiler
// attaches data, poll and constant sites to.
func decode(code []byte, pc int) inst {
	off := pc
	for isPrefix(byteAt(code, off)) {
		off++
	}

	var rex byte
	var opmap int // 0: one byte, 1: 0F, 2: 0F38, 3: 0F3A
	op := byteAt(code, off)
	switch {
	case op == vex2:
		opmap = 1
		off += 2
	case op == vex3:
		opmap = int(byteAt(code, off+1) & 0x1F)
		off += 3
	default:
		if isRex(op) {
			rex = op
			off++
		}
		if byteAt(code, off) == opTwoByte {
			off++
			opmap = 1
			switch byteAt(code, off) {
			case 0x38:
				opmap = 2
				off++
			case 0x3A:
				opmap = 3
				off++
			}
		}
	}
	op = byteAt(code, off)
	off++

	in := inst{dispOff: -1, immOff: -1}
	hasModRM := true
	immSize := 0

	switch opmap {
	case 0:
		switch {
		case op&0xF8 == opMovImm:
			hasModRM = false
			immSize = 4
			if rex&0x08 != 0 {
				immSize = 8
			}
		case op == opCall || op == opJmp:
			hasModRM = false
			in.dispOff = off - pc
			immSize = 0
			off += 4
		case op == 0x68:
			hasModRM = false
			immSize = 4
		case op < 0x40 && op&0x07 <= 3:
		case op < 0x40 && op&0x07 == 4:
			hasModRM = false
			immSize = 1
		case op < 0x40 && op&0x07 == 5:
			hasModRM = false
			immSize = 4
		case op == 0x80 || op == 0x83 || op == 0xC0 || op == 0xC1 || op == 0xC6 || op == 0x6B:
			immSize = 1
		case op == 0x81 || op == 0xC7 || op == 0x69:
			immSize = 4
		case op == 0xF6 || op == 0xF7:
			// test r/m, imm has reg field 0
			if (byteAt(code, off)>>3)&7 == 0 {
				immSize = 1
				if op == 0xF7 {
					immSize = 4
				}
			}
		case op == 0x63, op >= 0x84 && op <= 0x8F, op == 0xD1, op == 0xD3, op == 0xFE, op == opGroup5:
		default:
			fault.Fatalf("amd64", "cannot decode opcode %#02x at %#x", op, pc)
		}
	case 1:
		switch {
		case op >= 0x80 && op <= 0x8F:
			hasModRM = false
			in.dispOff = off - pc
			off += 4
		case op >= 0x70 && op <= 0x73, op == 0xC2, op >= 0xC4 && op <= 0xC6, op == 0xBA:
			immSize = 1
		}
	case 2:
	case 3:
		immSize = 1
	default:
		fault.Fatalf("amd64", "invalid opcode map %d at %#x", opmap, pc)
	}

	if hasModRM {
		modrm := byteAt(code, off)
		off++
		mod := modrm >> 6
		rm := modrm & 7
		if mod != 3 && rm == 4 {
			sib := byteAt(code, off)
			off++
			if mod == 0 && sib&7 == 5 {
				off += 4
			}
		}
		switch mod {
		case 0:
			if rm == 5 {
				in.rip = true
				in.dispOff = off - pc
				off += 4
			}
		case 1:
			off++
		case 2:
			off += 4
		}
	}

	if immSize > 0 {
		in.immOff = off - pc
		in.immSize = immSize
		off += immSize
	}
	in.length = off - pc
	if off > len(code) {
		fault.Fatalf("amd64", "instruction at %#x runs past the end of the code", pc)
	}
	return in
}

// ripOperand returns the offset of the disp32 of the RIP-relative
// instruction at pc and the offset of the following instruction.
func ripOperand(code []byte, pc int) (disp, next int) {
	in := decode(code, pc)
	if !in.rip {
		fault.Fatalf("amd64", "instruction at %#x has no rip-relative operand", pc)
	}
	return pc + in.dispOff, pc + in.length
}

// immOperand returns the offset and size of the immediate of the instruction
// at pc.
func immOperand(code []byte, pc int) (off, size int) {
	in := decode(code, pc)
	if in.immOff < 0 {
		fault.Fatalf("amd64", "instruction at %#x has no immediate operand", pc)
	}
	return pc + in.immOff, in.immSize
}
