package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodePayloadCarriesTypeTag(t *testing.T) {
	raw, err := EncodePayload(SyncCancel{TransferID: "t-1"})
	if err != nil {
		t.Fatalf("EncodePayload() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if fields["type"] != string(KindSyncCancel) {
		t.Errorf("Expected type %q, got %v", KindSyncCancel, fields["type"])
	}
	if fields["transferId"] != "t-1" {
		t.Errorf("Expected transferId t-1, got %v", fields["transferId"])
	}
}

func TestDecodePayloadChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1024)
	raw, err := EncodePayload(GardenZipChunk{
		TransferID:  "t-2",
		GardenName:  "notes",
		ChunkIndex:  3,
		TotalChunks: 7,
		Data:        data,
		TotalSize:   400000,
	})
	if err != nil {
		t.Fatalf("EncodePayload() failed: %v", err)
	}

	p, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	chunk, ok := p.(GardenZipChunk)
	if !ok {
		t.Fatalf("Expected GardenZipChunk, got %T", p)
	}
	if chunk.ChunkIndex != 3 || chunk.TotalChunks != 7 || chunk.GardenName != "notes" {
		t.Errorf("Unexpected chunk header: %+v", chunk)
	}
	if !bytes.Equal(chunk.Data, data) {
		t.Error("Chunk data was not preserved")
	}
}

func TestDecodePayloadUnknownKindIsNoop(t *testing.T) {
	p, err := DecodePayload(json.RawMessage(`{"type":"cursor_moved","line":4}`))
	if err != nil {
		t.Fatalf("Unknown kinds should not error, got: %v", err)
	}
	u, ok := p.(Unknown)
	if !ok {
		t.Fatalf("Expected Unknown, got %T", p)
	}
	if u.Kind() != "cursor_moved" {
		t.Errorf("Expected kind cursor_moved, got %s", u.Kind())
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{`,
		"missing type": `{"transferId":"x"}`,
		"bad field":    `{"type":"garden_zip_chunk","chunkIndex":"zero"}`,
	}
	for name, raw := range cases {
		if _, err := DecodePayload(json.RawMessage(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestEncodeEmptyVariant(t *testing.T) {
	raw, err := EncodePayload(LiveDisable{})
	if err != nil {
		t.Fatalf("EncodePayload() failed: %v", err)
	}
	p, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	if _, ok := p.(LiveDisable); !ok {
		t.Errorf("Expected LiveDisable, got %T", p)
	}
}

func TestNormalizeSession(t *testing.T) {
	if got := NormalizeSession("  Team-Notes "); got != "team-notes" {
		t.Errorf("Expected team-notes, got %q", got)
	}
}
