package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		NewRequest("resourceLock", Identity{IP: 0x01020304, Port: 100}),
		NewRelease("resourceLock", Identity{IP: 0x01020304, Port: 100}),
		NewGrant("resourceLock", Identity{IP: 0x05060708, Port: 200}),
		NewDeny("resourceLock", Identity{IP: 0x05060708, Port: 200}),
		NewRequest("", Identity{}),
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, want); err != nil {
			t.Fatalf("Encode(%v): %v", want, err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeShortFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, NewRequest("m", Identity{IP: 1, Port: 2})); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	if _, err := Decode(truncated); err != io.ErrUnexpectedEOF {
		t.Fatalf("Decode(truncated) = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, NewRequest("m", Identity{})); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()
	// name length byte, then name bytes, then the type byte.
	typeIdx := 1 + len(raw[1:int(raw[0])+1])
	raw[typeIdx] = 0xFF
	if _, err := Decode(bytes.NewReader(raw)); err != ErrUnknownMessageType {
		t.Fatalf("Decode(bad type) = %v, want ErrUnknownMessageType", err)
	}
}

func TestEncodeNameTooLong(t *testing.T) {
	longName := make([]byte, maxNameLen+1)
	var buf bytes.Buffer
	err := Encode(&buf, NewRequest(string(longName), Identity{}))
	if err != ErrNameTooLong {
		t.Fatalf("Encode(long name) = %v, want ErrNameTooLong", err)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		NewRequest("a", Identity{IP: 1, Port: 1}),
		NewGrant("a", Identity{IP: 1, Port: 1}),
		NewRelease("a", Identity{IP: 1, Port: 1}),
	}
	for _, m := range msgs {
		if err := Encode(&buf, m); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	for i, want := range msgs {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if got != want {
			t.Errorf("frame %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestIdentityLessAndEqual(t *testing.T) {
	a := Identity{IP: 0x01020304, Port: 100}
	b := Identity{IP: 0x05060708, Port: 200}
	if !a.Less(b) {
		t.Errorf("expected %v < %v", a, b)
	}
	if b.Less(a) {
		t.Errorf("expected %v not < %v", b, a)
	}
	if a.Less(a) {
		t.Errorf("identity must not be Less than itself")
	}
	if !a.Equal(Identity{IP: 0x01020304, Port: 100}) {
		t.Errorf("expected equal identities to compare equal")
	}
}
