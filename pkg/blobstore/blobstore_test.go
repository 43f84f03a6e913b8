// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestKey(t *testing.T) {
	got := Key("documents", "alice", "f-1", ".pdf")
	if got != "documents/alice/f-1.pdf" {
		t.Errorf("Key = %q", got)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"documents/alice/f.pdf", true},
		{"images/bob/x.png", true},
		{"", false},
		{"/etc/passwd", false},
		{"documents/../../etc", false},
		{"documents//f", false},
		{"documents\\f", false},
		{"./f", false},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if tt.valid && err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", tt.key, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", tt.key, err)
		}
	}
}

func TestContextReader_ReturnsCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	r := ContextReader(ctx, strings.NewReader("hello world"))

	buf := make([]byte, 5)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}

	boom := errors.New("quota blown")
	cancel(boom)
	if _, err := io.ReadAll(r); !errors.Is(err, boom) {
		t.Errorf("read after cancel = %v, want cause", err)
	}
}
