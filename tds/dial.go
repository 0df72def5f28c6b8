//go:build unix

package tds

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dialer opens the TCP connection used by Connection.Connect. Keep-alive
// is set through net.Dialer; Nagle's algorithm is disabled directly on
// the socket file descriptor via golang.org/x/sys, since request/response
// exchanges on a TDS connection are latency-sensitive small writes that
// should not wait for the Nagle coalescing window.
type dialer struct {
	keepAlive time.Duration
}

func newDialer() *dialer {
	return &dialer{keepAlive: 30 * time.Second}
}

func (d *dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{
		Timeout:   0, // the dial is bounded by ctx; Connect sets the connect deadline on the socket afterwards
		KeepAlive: d.keepAlive,
		Control:   d.control,
	}
	return nd.DialContext(ctx, "tcp", addr)
}

// control runs on the raw socket before connect(2), tuning options that
// net.Dialer does not expose directly.
func (d *dialer) control(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
