package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// defaultTimeoutUnit scales the fixed timeouts used for calls that don't
// carry caller-supplied context deadlines (connect, Close, row fetches and
// LOB block reads).
const defaultTimeoutUnit = time.Second

// connHash is a stable fingerprint of (upstream URL, username, password,
// key connection properties) identifying one logical backend. Credentials
// are supplied per-connect in ConnectionDetails rather than embedded in
// the DSN, so the client-side hash covers the upstream URL; the proxy
// recomputes the full fingerprint server-side once it has the credentials
// too.
func connHash(upstreamURL string) string {
	sum := sha256.Sum256([]byte(upstreamURL))
	return hex.EncodeToString(sum[:8])
}

func newClientUUID() string {
	return uuid.NewString()
}

// backgroundCtx is used for the registry's recovery-probe loop, which
// outlives any single request and is only stopped by Conn.Close calling
// Registry.Stop.
func backgroundCtx() context.Context {
	return context.Background()
}
