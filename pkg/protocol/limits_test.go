package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMaxChunkSize_FrameFitsLimit(t *testing.T) {
	size := MaxChunkSize(DefaultMaxMessageBytes)
	if size < 512*1024 {
		t.Fatalf("MaxChunkSize(default) = %d, want at least 512 KiB", size)
	}
	env, err := NewEnvelope(TypeDataChunk, NewMsgID(), DataChunk{
		TransferID: NewMsgID(),
		FileName:   strings.Repeat("n", 255),
		Seq:        1 << 40,
		Data:       make([]byte, size),
		IsFinal:    true,
		FileSize:   1 << 50,
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	env.From = "master"
	env.To = strings.Repeat("d", 64)
	frame, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if len(frame) > DefaultMaxMessageBytes {
		t.Errorf("frame = %d bytes, want <= %d", len(frame), DefaultMaxMessageBytes)
	}
}

func TestMaxChunkSize_TinyLimit(t *testing.T) {
	if got := MaxChunkSize(1024); got != 0 {
		t.Errorf("MaxChunkSize(1024) = %d, want 0", got)
	}
}
