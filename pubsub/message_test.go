package pubsub

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		Filter:  7,
		Channel: []byte("chat.general"),
		Payload: []byte("hello world"),
		Type:    FrameForward,
	}
	frame := Encode(m)

	got, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", n, len(frame))
	}
	if got.Filter != 7 {
		t.Fatalf("Filter = %d, want 7", got.Filter)
	}
	if string(got.Channel) != "chat.general" {
		t.Fatalf("Channel = %q, want chat.general", got.Channel)
	}
	if string(got.Payload) != "hello world" {
		t.Fatalf("Payload = %q, want hello world", got.Payload)
	}
	if got.Type != FrameForward {
		t.Fatalf("Type = %v, want FrameForward", got.Type)
	}
}

func TestDecodeShortFrameReportsErrShortFrame(t *testing.T) {
	frame := Encode(&Message{Channel: []byte("x"), Payload: []byte("yz")})
	if _, _, err := Decode(frame[:len(frame)-1]); err != ErrShortFrame {
		t.Fatalf("Decode(truncated) err = %v, want ErrShortFrame", err)
	}
	if _, _, err := Decode(frame[:10]); err != ErrShortFrame {
		t.Fatalf("Decode(header-only) err = %v, want ErrShortFrame", err)
	}
}

func TestDecodeConsumesOnlyOneFrameFromConcatenatedBuffer(t *testing.T) {
	a := Encode(&Message{Channel: []byte("a"), Payload: []byte("1")})
	b := Encode(&Message{Channel: []byte("bb"), Payload: []byte("22")})
	buf := append(append([]byte(nil), a...), b...)

	first, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if string(first.Channel) != "a" {
		t.Fatalf("first.Channel = %q, want a", first.Channel)
	}

	second, _, err := Decode(buf[n:])
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if string(second.Channel) != "bb" {
		t.Fatalf("second.Channel = %q, want bb", second.Channel)
	}
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	m := &Message{}
	if _, ok := m.Metadata(1); ok {
		t.Fatal("Metadata should report absent before SetMetadata")
	}
	m.SetMetadata(1, "frame-bytes")
	v, ok := m.Metadata(1)
	if !ok || v != "frame-bytes" {
		t.Fatalf("Metadata(1) = (%v,%v), want (frame-bytes,true)", v, ok)
	}
}
