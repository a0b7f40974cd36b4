package sandbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestCaptureWriter(t *testing.T) {
	var live bytes.Buffer
	w := newCaptureWriter(8, &live)

	n, err := w.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = w.Write([]byte(" world"))
	if n != 6 || err != nil {
		t.Fatalf("Write past limit = %d, %v; must report full length", n, err)
	}
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatalf("Write after limit: %v", err)
	}

	if !w.Truncated() {
		t.Error("Truncated() = false")
	}
	if got, want := w.String(), "hello wo"+truncationMarker; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if live.String() != "hello wo" {
		t.Errorf("live = %q, want only the kept bytes", live.String())
	}
}

func TestCaptureWriter_LiveFailureIgnored(t *testing.T) {
	w := newCaptureWriter(64, failingWriter{})
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.String() != "data" || w.Truncated() {
		t.Errorf("String() = %q truncated=%v", w.String(), w.Truncated())
	}
}

func TestOutputCaps(t *testing.T) {
	out, errCap := outputCaps(0, 0)
	if out != defaultMaxStdout || errCap != defaultMaxStderr {
		t.Errorf("outputCaps(0,0) = %d,%d", out, errCap)
	}
	out, errCap = outputCaps(10, 20)
	if out != 10 || errCap != 20 {
		t.Errorf("outputCaps(10,20) = %d,%d", out, errCap)
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		req  ExecutionRequest
		ok   bool
	}{
		{"valid", ExecutionRequest{Source: "print(1)", Policy: DefaultPolicy()}, true},
		{"empty", ExecutionRequest{Policy: DefaultPolicy()}, false},
		{"too large", ExecutionRequest{Source: strings.Repeat("x", maxSourceBytes+1), Policy: DefaultPolicy()}, false},
		{"bad policy", ExecutionRequest{Source: "print(1)"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			if tt.ok && err != nil {
				t.Errorf("validateRequest() = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("validateRequest() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestCodeHash(t *testing.T) {
	h := codeHash("print(1)")
	if len(h) != 64 {
		t.Errorf("len(codeHash) = %d, want 64", len(h))
	}
	if h != codeHash("print(1)") || h == codeHash("print(2)") {
		t.Error("codeHash not a stable content hash")
	}
}
