package vmreg

import "testing"

func TestStackSlots(t *testing.T) {
	r := Stack2Reg(3)
	if !r.IsStack() || r.IsReg() {
		t.Fatalf("Stack2Reg(3) IsStack=%v IsReg=%v", r.IsStack(), r.IsReg())
	}
	if got := r.StackOffset(); got != 12 {
		t.Fatalf("StackOffset()=%d, want 12", got)
	}
	if got := r.Next().StackSlot(); got != 4 {
		t.Fatalf("Next().StackSlot()=%d, want 4", got)
	}
	if got := r.Next(2).String(); got != "stack[20]" {
		t.Fatalf("Next(2)=%s, want stack[20]", got)
	}
}

func TestRegisters(t *testing.T) {
	r := VMReg(5)
	if !r.IsReg() || r.IsStack() || !r.IsValid() {
		t.Fatalf("VMReg(5) classified wrong")
	}
	if Bad.IsValid() || Bad.IsReg() {
		t.Fatalf("Bad classified as valid register")
	}
	if got := r.String(); got != "reg5" {
		t.Fatalf("String()=%s, want reg5", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("StackSlot of a register did not panic")
		}
	}()
	r.StackSlot()
}
