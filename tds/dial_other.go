//go:build !unix

package tds

import (
	"context"
	"net"
	"time"
)

// dialer is the non-unix fallback: plain net.Dialer with TCP keep-alive,
// no socket-level TCP_NODELAY tuning (golang.org/x/sys/unix is unix-only).
type dialer struct {
	keepAlive time.Duration
}

func newDialer() *dialer {
	return &dialer{keepAlive: 30 * time.Second}
}

func (d *dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{KeepAlive: d.keepAlive}
	return nd.DialContext(ctx, "tcp", addr)
}
