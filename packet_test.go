package fio

import "testing"

func TestBufferPacketRemainingShrinksAsOffsetAdvances(t *testing.T) {
	p := newBufferPacket([]byte("hello"), nil, false)
	if p.remaining() != 5 {
		t.Fatalf("remaining() = %d, want 5", p.remaining())
	}
	p.offset = 3
	if p.remaining() != 2 {
		t.Fatalf("remaining() after offset = %d, want 2", p.remaining())
	}
}

func TestPacketReleaseRunsDealloc(t *testing.T) {
	called := false
	p := newBufferPacket([]byte("x"), func([]byte) { called = true }, false)
	p.release()
	if !called {
		t.Fatal("release() should invoke dealloc")
	}
	if p.buffer != nil {
		t.Fatal("release() should clear buffer")
	}
}

func TestFilePacketRemainingIsFileLen(t *testing.T) {
	p := newFilePacket(nil, 0, 42, false, false)
	if p.remaining() != 42 {
		t.Fatalf("remaining() = %d, want 42", p.remaining())
	}
}
