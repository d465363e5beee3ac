package iccclient

import (
	"context"
	"fmt"
)

// StaticAuth is the minimal AuthProvider: a fixed bearer token read from
// static config. ICC's real token-issuing auth service is an external
// collaborator out of scope for this codebase (§1) — every call still
// goes through AuthHeader so a richer provider can be swapped in without
// touching Client.
type StaticAuth struct {
	Token string
}

// AuthHeader returns the static bearer token. It never errors; a future
// provider backed by a token-issuing service is free to fail here.
func (a StaticAuth) AuthHeader(ctx context.Context) (string, error) {
	return fmt.Sprintf("Bearer %s", a.Token), nil
}
