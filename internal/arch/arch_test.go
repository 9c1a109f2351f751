package arch

import (
	"errors"
	"testing"
)

func TestARM64Classify(t *testing.T) {
	const pc = 0x1000
	tests := []struct {
		name   string
		code   []byte
		cat    Category
		target uint64
	}{
		{"b", []byte{0x04, 0x00, 0x00, 0x14}, DirectJump, pc + 0x10},
		{"bl", []byte{0x40, 0x00, 0x00, 0x94}, DirectCall, pc + 0x100},
		{"b.eq", []byte{0x40, 0x00, 0x00, 0x54}, ConditionalBranch, pc + 8},
		{"cbz", []byte{0x40, 0x00, 0x00, 0xb4}, ConditionalBranch, pc + 8},
		{"br", []byte{0x00, 0x02, 0x1f, 0xd6}, IndirectJump, 0},
		{"blr", []byte{0x00, 0x01, 0x3f, 0xd6}, IndirectCall, 0},
		{"ret", []byte{0xc0, 0x03, 0x5f, 0xd6}, Return, 0},
		{"nop", []byte{0x1f, 0x20, 0x03, 0xd5}, NoOp, 0},
		{"mov", []byte{0xa0, 0x00, 0x80, 0xd2}, Other, 0},
	}

	dec := ARM64{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := dec.Decode(pc, tt.code)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if inst.Category != tt.cat {
				t.Errorf("Expected %s, got %s (%s)", tt.cat, inst.Category, inst.Text)
			}
			if inst.Target != tt.target {
				t.Errorf("Expected target 0x%x, got 0x%x", tt.target, inst.Target)
			}
			if inst.NextPC() != pc+4 {
				t.Errorf("Expected next pc 0x%x, got 0x%x", pc+4, inst.NextPC())
			}
		})
	}
}

func TestARM64Truncated(t *testing.T) {
	_, err := ARM64{}.Decode(0x1000, []byte{0x1f, 0x20, 0x03})
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestAMD64Classify(t *testing.T) {
	const pc = 0x400000
	tests := []struct {
		name   string
		code   []byte
		cat    Category
		size   int
		target uint64
	}{
		{"call rel32", []byte{0xe8, 0x10, 0x00, 0x00, 0x00}, DirectCall, 5, pc + 5 + 0x10},
		{"jmp rel8", []byte{0xeb, 0x10}, DirectJump, 2, pc + 2 + 0x10},
		{"jmp self", []byte{0xeb, 0xfe}, DirectJump, 2, pc},
		{"je", []byte{0x74, 0x05}, ConditionalBranch, 2, pc + 7},
		{"call rax", []byte{0xff, 0xd0}, IndirectCall, 2, 0},
		{"jmp rax", []byte{0xff, 0xe0}, IndirectJump, 2, 0},
		{"ret", []byte{0xc3}, Return, 1, 0},
		{"nop", []byte{0x90}, NoOp, 1, 0},
		{"mov", []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, Other, 5, 0},
	}

	dec := AMD64{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := dec.Decode(pc, tt.code)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if inst.Category != tt.cat {
				t.Errorf("Expected %s, got %s (%s)", tt.cat, inst.Category, inst.Text)
			}
			if inst.Size != tt.size {
				t.Errorf("Expected size %d, got %d", tt.size, inst.Size)
			}
			if inst.Target != tt.target {
				t.Errorf("Expected target 0x%x, got 0x%x", tt.target, inst.Target)
			}
		})
	}
}

func TestAMD64Truncated(t *testing.T) {
	_, err := AMD64{}.Decode(0x1000, []byte{0xe8, 0x00})
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"arm64", "AArch64", "amd64", "x86_64"} {
		if _, err := ByName(name); err != nil {
			t.Errorf("Expected decoder for %s, got %v", name, err)
		}
	}
	if _, err := ByName("mips"); err == nil {
		t.Error("Expected error for unsupported architecture")
	}
}

func TestCategoryControlTransfer(t *testing.T) {
	if Other.IsControlTransfer() || NoOp.IsControlTransfer() {
		t.Error("Expected other and nop to fall through")
	}
	if !Return.IsControlTransfer() || !IndirectCall.IsControlTransfer() {
		t.Error("Expected ret and icall to transfer control")
	}
}
