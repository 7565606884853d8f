package node

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klingon-exchange/coinswap/internal/protocol"
)

func TestWriteLengthPrefixed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty message", []byte{}},
		{"small message", []byte("hello world")},
		{"binary data", []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0xfd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeLengthPrefixed(&buf, tt.data); err != nil {
				t.Fatalf("writeLengthPrefixed() error = %v", err)
			}
			result := buf.Bytes()
			if length := binary.BigEndian.Uint32(result[:4]); int(length) != len(tt.data) {
				t.Errorf("length prefix = %d, want %d", length, len(tt.data))
			}
			if !bytes.Equal(result[4:], tt.data) {
				t.Errorf("data mismatch: got %v, want %v", result[4:], tt.data)
			}

			got, err := readLengthPrefixed(bytes.NewReader(result))
			if err != nil {
				t.Fatalf("readLengthPrefixed() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("read %v, want %v", got, tt.data)
			}
		})
	}
}

func TestLengthPrefixedRejects(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized write accepted")
	}

	tooLarge := new(bytes.Buffer)
	binary.Write(tooLarge, binary.BigEndian, uint32(maxMessageSize+1))
	tooLarge.WriteString("some data")

	truncated := new(bytes.Buffer)
	binary.Write(truncated, binary.BigEndian, uint32(100))
	truncated.WriteString("short")

	tests := []struct {
		name string
		data []byte
	}{
		{"too large", tooLarge.Bytes()},
		{"truncated", truncated.Bytes()},
		{"no header", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readLengthPrefixed(bytes.NewReader(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFramedSwapMessages(t *testing.T) {
	msgs := []*protocol.Message{
		protocol.NewMessage(protocol.MsgNegotiateHop, "session-1", 0),
		protocol.NewMessage(protocol.MsgPreimageReveal, "session-1", 1),
		protocol.NewMessage(protocol.MsgAbort, "session-1", 2),
	}
	msgs[0].Amount = 500_000
	msgs[1].Preimage = bytes.Repeat([]byte{7}, 32)

	var buf bytes.Buffer
	for _, m := range msgs {
		data, err := protocol.Encode(m)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if err := writeLengthPrefixed(&buf, data); err != nil {
			t.Fatalf("writeLengthPrefixed() error = %v", err)
		}
	}

	r := bytes.NewReader(buf.Bytes())
	for i, want := range msgs {
		data, err := readLengthPrefixed(r)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		got, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.Type != want.Type || got.MessageID != want.MessageID || got.HopIndex != want.HopIndex {
			t.Errorf("message %d = %s/%s/%d, want %s/%s/%d", i,
				got.Type, got.MessageID, got.HopIndex, want.Type, want.MessageID, want.HopIndex)
		}
	}
	if got := msgs[0].Amount; got != 500_000 {
		t.Errorf("amount = %d", got)
	}
}
