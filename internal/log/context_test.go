// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextIDs(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		rid  string
		sid  string
	}{
		{name: "nil context", ctx: nil, rid: "req-1", sid: "src-1"},
		{name: "background context", ctx: context.Background(), rid: "req-2", sid: ""},
		{name: "empty values", ctx: context.Background()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.rid)
			ctx = ContextWithSourceID(ctx, tt.sid)
			if got := RequestIDFromContext(ctx); got != tt.rid {
				t.Errorf("RequestIDFromContext() = %q, want %q", got, tt.rid)
			}
			if got := SourceIDFromContext(ctx); got != tt.sid {
				t.Errorf("SourceIDFromContext() = %q, want %q", got, tt.sid)
			}
		})
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithSourceID(ContextWithRequestID(context.Background(), "req-9"), "cam-3")
	l := WithContext(ctx, base)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldRequestID] != "req-9" {
		t.Errorf("request_id = %v", entry[FieldRequestID])
	}
	if entry[FieldSourceID] != "cam-3" {
		t.Errorf("source_id = %v", entry[FieldSourceID])
	}
}

func TestWithContextNoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	l := WithContext(context.Background(), base)
	l.Info().Msg("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := entry[FieldRequestID]; ok {
		t.Error("unexpected request_id field")
	}
}

func TestWithComponent(t *testing.T) {
	l := WithComponent("dispatcher")
	var buf bytes.Buffer
	l = l.Output(&buf)
	l.Warn().Msg("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry[FieldComponent] != "dispatcher" {
		t.Errorf("component = %v", entry[FieldComponent])
	}
}
