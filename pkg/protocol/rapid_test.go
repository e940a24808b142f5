package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.SampledFrom([]uint8{TypeRequest, TypeResponse, TypeEvent}).Draw(t, "type")
		// Compressed frames need valid LZ4 data, covered below
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payload := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "payload")

		original := &Frame{Version: ProtocolVersion, Type: msgType, Flags: flags, Payload: payload}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Version != original.Version || decoded.Type != original.Type {
			t.Fatalf("header mismatch: got %d/%d", decoded.Version, decoded.Type)
		}
		if decoded.Flags != original.Flags {
			t.Fatalf("flags mismatch: got %d, want %d", decoded.Flags, original.Flags)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestCompressionRoundTripRapid checks that compressible payloads survive the
// compress/decompress cycle byte for byte.
func TestCompressionRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unit := rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(t, "unit")
		repeats := rapid.IntRange(1, 400).Draw(t, "repeats")
		data := bytes.Repeat(unit, repeats)

		compressed, ok := CompressPayload(data)
		if !ok {
			if !bytes.Equal(compressed, data) {
				t.Fatalf("uncompressed fallback must return the input")
			}
			return
		}
		if len(compressed) >= len(data) {
			t.Fatalf("compression grew the payload: %d >= %d", len(compressed), len(data))
		}
		out, err := DecompressPayload(compressed)
		if err != nil {
			t.Fatalf("decompress failed: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("payload mismatch after decompression")
		}
	})
}

// TestStreamOfMessages checks that back-to-back messages on one stream are
// read back in order with nothing left over.
func TestStreamOfMessages(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		texts := rapid.SliceOfN(rapid.String(), 1, 20).Draw(t, "texts")

		var buf bytes.Buffer
		for _, text := range texts {
			if err := WriteMessage(&buf, TypeEvent, ReceiveBroadcastEvent("alice", text)); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}
		for i, text := range texts {
			frameType, msg, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("read %d failed: %v", i, err)
			}
			if frameType != TypeEvent || msg.Action != ActionReceiveBroadcast {
				t.Fatalf("read %d: unexpected %d/%s", i, frameType, msg.Action)
			}
			if msg.Message != text || msg.From != "alice" {
				t.Fatalf("read %d: got %q from %q", i, msg.Message, msg.From)
			}
		}
		if buf.Len() != 0 {
			t.Fatalf("%d trailing bytes", buf.Len())
		}
	})
}
