package postgres

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeExtraDataLeavesSmallPayloadsUncompressed(t *testing.T) {
	raw := []byte(`{"tool":"search","result":"ok"}`)
	data, compressed, err := encodeExtraData(raw)
	if err != nil {
		t.Fatalf("encodeExtraData: %v", err)
	}
	if compressed {
		t.Fatal("expected a small payload to stay uncompressed")
	}
	if !bytes.Equal(data, raw) {
		t.Fatalf("expected the raw bytes back unchanged, got %q", data)
	}
}

func TestEncodeDecodeExtraDataRoundTripsAboveThreshold(t *testing.T) {
	raw := []byte(`{"output":"` + strings.Repeat("x", gzipThreshold+1) + `"}`)
	data, compressed, err := encodeExtraData(raw)
	if err != nil {
		t.Fatalf("encodeExtraData: %v", err)
	}
	if !compressed {
		t.Fatal("expected a payload above the threshold to be compressed")
	}
	if len(data) >= len(raw) {
		t.Fatalf("expected compression to shrink a repetitive payload, got %d >= %d", len(data), len(raw))
	}
	decoded, err := decodeExtraData(data, compressed)
	if err != nil {
		t.Fatalf("decodeExtraData: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatal("expected decodeExtraData to recover the original payload")
	}
}

func TestDecodeExtraDataPassesThroughUncompressedAndEmpty(t *testing.T) {
	if got, err := decodeExtraData(nil, false); err != nil || got != nil {
		t.Fatalf("expected nil/nil for an empty column, got %q, %v", got, err)
	}
	raw := []byte(`{"a":1}`)
	got, err := decodeExtraData(raw, false)
	if err != nil || !bytes.Equal(got, raw) {
		t.Fatalf("expected the uncompressed bytes back unchanged, got %q, %v", got, err)
	}
}
