package transport_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vokalis/vokalis/internal/codec"
	"github.com/vokalis/vokalis/internal/packet"
	"github.com/vokalis/vokalis/internal/transport"
)

func TestMarshalLayout(t *testing.T) {
	data := packet.AudioData{
		TargetOrContext: 5,
		Codec:           codec.Opus,
		FrameNumber:     42,
		IsLastFrame:     true,
		Payload:         []byte{0xaa, 0xbb},
	}
	buf := transport.Marshal(data)

	if buf[0] != byte(codec.Opus) {
		t.Errorf("codec byte %d", buf[0])
	}
	if buf[1]&1 == 0 {
		t.Error("last-frame flag not set")
	}
	if got := int32(binary.LittleEndian.Uint32(buf[2:])); got != 5 {
		t.Errorf("target %d, want 5", got)
	}
	if got := binary.LittleEndian.Uint64(buf[6:]); got != 42 {
		t.Errorf("frame number %d, want 42", got)
	}
	if !bytes.Equal(buf[14:], []byte{0xaa, 0xbb}) {
		t.Errorf("payload %v", buf[14:])
	}
}

func TestMarshalPositional(t *testing.T) {
	data := packet.AudioData{
		Codec:              codec.CeltAlpha,
		ContainsPositional: true,
		Position:           [3]float32{1, 2, 3},
		Payload:            []byte{1},
	}
	buf := transport.Marshal(data)

	if buf[1]&2 == 0 {
		t.Error("positional flag not set")
	}
	// header 14 bytes + 12 bytes position + 1 byte payload
	if len(buf) != 27 {
		t.Fatalf("marshalled length %d, want 27", len(buf))
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	var d transport.Discard
	if d.Send(packet.AudioData{}) {
		t.Fatal("discard sink accepted a packet")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
