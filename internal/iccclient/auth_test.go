package iccclient

import (
	"context"
	"testing"
)

func TestStaticAuthFormatsBearerHeader(t *testing.T) {
	a := StaticAuth{Token: "abc123"}
	header, err := a.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader() error = %v", err)
	}
	if header != "Bearer abc123" {
		t.Fatalf("AuthHeader() = %q, want %q", header, "Bearer abc123")
	}
}
