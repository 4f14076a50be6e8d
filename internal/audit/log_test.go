package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithClaims(ctx, &auth.Claims{Role: auth.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"}})

	if err := LogEvent(ctx, "auth.token_revoked", map[string]any{"jti": "abc", "err": errors.New("revoked")}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "security" || entry["event"] != "auth.token_revoked" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["user_id"] != "user-42" {
		t.Fatalf("context fields missing: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["jti"] != "abc" || fields["err"] != "revoked" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
	if err := LogEvent(ctx, " ", nil); err == nil {
		t.Fatalf("expected error for empty event")
	}
}
