package policy

import (
	"testing"
)

func TestFrameGate_FullPowerAdmitsAll(t *testing.T) {
	var gate FrameGate

	for i := 0; i < 10; i++ {
		if !gate.Admit(false) {
			t.Fatalf("Expected frame %d admitted at full power", i)
		}
	}
}

func TestFrameGate_LowPowerAdmitsOneInThree(t *testing.T) {
	var gate FrameGate

	admitted := 0
	for i := 0; i < 9; i++ {
		if gate.Admit(true) {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("Expected 3 of 9 frames admitted under low power, got %d", admitted)
	}

	// Pattern is process one, skip two
	gate.Reset()
	expected := []bool{true, false, false, true, false, false}
	for i, want := range expected {
		if got := gate.Admit(true); got != want {
			t.Errorf("Expected admit=%v at frame %d, got %v", want, i, got)
		}
	}
}

func TestFrameGate_ResetsWhenPowerRecovers(t *testing.T) {
	var gate FrameGate

	// Advance into the skip cycle
	gate.Admit(true)
	gate.Admit(true)

	// Power recovery resets the cycle
	if !gate.Admit(false) {
		t.Fatal("Expected admission at full power")
	}

	// Returning to low power starts at an admitted frame again
	if !gate.Admit(true) {
		t.Error("Expected first low power frame admitted after reset")
	}
	if gate.Admit(true) {
		t.Error("Expected second low power frame skipped")
	}
}
