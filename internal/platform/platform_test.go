package platform

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("submit: %w", &Error{Op: "POST /api/submit", Kind: ErrTransport, Err: io.ErrUnexpectedEOF})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("kind not matched")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause not matched")
	}
	if Classify(err) != ErrTransport {
		t.Fatalf("Classify=%v", Classify(err))
	}
	if Classify(errors.New("other")) != nil {
		t.Fatalf("unrelated error classified")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Op != "POST /api/submit" {
		t.Fatalf("errors.As failed")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	e := &Error{Op: "vote", Kind: ErrRateLimited, Status: 429}
	if got := e.Error(); got != "vote: platform: rate limited (status 429)" {
		t.Fatalf("got %q", got)
	}
}

func TestToLink(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"/r/golang/comments/abc/title/", "https://reddit.com/r/golang/comments/abc/title/"},
		{"https://example.com/x", "https://example.com/x"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ToLink(tt.in); got != tt.want {
			t.Fatalf("ToLink(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}
