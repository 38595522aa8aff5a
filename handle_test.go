package fio

import "testing"

func TestHandlePacksFDAndGeneration(t *testing.T) {
	h := makeHandle(42, 7)
	if h.FD() != 42 {
		t.Fatalf("FD() = %d, want 42", h.FD())
	}
	if h.Generation() != 7 {
		t.Fatalf("Generation() = %d, want 7", h.Generation())
	}
}

func TestHandleIsZero(t *testing.T) {
	var h Handle
	if !h.IsZero() {
		t.Fatal("zero Handle should report IsZero")
	}
	if nz := makeHandle(0, 1); nz.IsZero() {
		t.Fatal("handle with non-zero generation should not report IsZero")
	}
}

func TestGenerationMaxValueFitsMask(t *testing.T) {
	h := makeHandle(3, 255)
	if h.Generation() != 255 {
		t.Fatalf("Generation() = %d, want 255", h.Generation())
	}
}
