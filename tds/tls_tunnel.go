package tds

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// preloginFramedConn is the net.Conn TLS sees during the handshake phase:
// every Write is chunked into PRELOGIN-typed TDS packets on the real
// socket, and every Read returns buffered PRELOGIN payload bytes,
// reading further packets only while nothing is buffered (stopping at
// the first packet that carries payload or at the EOM bit), before
// handing bytes back to the TLS state machine. Grounded on the teacher's tlsHandshakeConn
// (pkg tds/tls.go, server-direction original), inverted here to feed a
// tls.Client instead of a tls.Server.
type preloginFramedConn struct {
	raw        net.Conn
	packetSize int
	packetSeq  uint8
	readBuf    []byte
}

func newPreloginFramedConn(raw net.Conn, packetSize int) *preloginFramedConn {
	return &preloginFramedConn{raw: raw, packetSize: packetSize, packetSeq: 1}
}

func (c *preloginFramedConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		hdr, err := ReadHeader(c.raw)
		if err != nil {
			return 0, err
		}
		payload := make([]byte, hdr.PayloadLength())
		if _, err := io.ReadFull(c.raw, payload); err != nil {
			return 0, err
		}
		c.readBuf = append(c.readBuf, payload...)
		if hdr.IsLastPacket() {
			break
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *preloginFramedConn) Write(p []byte) (int, error) {
	maxPayload := c.packetSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = DefaultPacketSize - HeaderSize
	}

	remaining := p
	for {
		chunk := remaining
		status := StatusEOM
		if len(chunk) > maxPayload {
			chunk = remaining[:maxPayload]
			status = StatusNormal
		}

		hdr := Header{
			Type:     PacketPrelogin,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			PacketID: c.packetSeq,
		}
		if err := hdr.Write(c.raw); err != nil {
			return 0, err
		}
		if len(chunk) > 0 {
			if _, err := c.raw.Write(chunk); err != nil {
				return 0, err
			}
		}

		c.packetSeq++
		if c.packetSeq == 0 {
			c.packetSeq = 1
		}
		remaining = remaining[len(chunk):]
		if status == StatusEOM {
			break
		}
	}
	return len(p), nil
}

func (c *preloginFramedConn) Close() error                       { return nil }
func (c *preloginFramedConn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *preloginFramedConn) RemoteAddr() net.Addr                { return c.raw.RemoteAddr() }
func (c *preloginFramedConn) SetDeadline(t time.Time) error       { return c.raw.SetDeadline(t) }
func (c *preloginFramedConn) SetReadDeadline(t time.Time) error   { return c.raw.SetReadDeadline(t) }
func (c *preloginFramedConn) SetWriteDeadline(t time.Time) error  { return c.raw.SetWriteDeadline(t) }

// switchableConn is the net.Conn handed to tls.Client. While wrapped, I/O
// goes through the PRELOGIN-framed conn (handshake phase); after
// SwitchToRaw, I/O goes straight to the raw socket, so the TLS record
// layer's ciphertext rides the wire directly and the plaintext TDS
// packet headers for ordinary traffic are themselves inside that
// ciphertext (spec invariant I6). Grounded on the teacher's
// switchableConn (tds/tls.go).
type switchableConn struct {
	raw     net.Conn
	framed  *preloginFramedConn
	wrapped bool
}

func newSwitchableConn(raw net.Conn, packetSize int) *switchableConn {
	return &switchableConn{raw: raw, framed: newPreloginFramedConn(raw, packetSize), wrapped: true}
}

func (c *switchableConn) SwitchToRaw() {
	c.wrapped = false
}

func (c *switchableConn) Read(p []byte) (int, error) {
	if c.wrapped {
		return c.framed.Read(p)
	}
	return c.raw.Read(p)
}

func (c *switchableConn) Write(p []byte) (int, error) {
	if c.wrapped {
		return c.framed.Write(p)
	}
	return c.raw.Write(p)
}

func (c *switchableConn) Close() error                      { return c.raw.Close() }
func (c *switchableConn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *switchableConn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *switchableConn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *switchableConn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *switchableConn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// tlsTunnel is the TLS engine referred to by spec §4.3/§4.1: it owns the
// tls.Client state machine tunneled inside PRELOGIN packets until the
// handshake completes, then interposed transparently on the connection.
type tlsTunnel struct {
	sw     *switchableConn
	client *tls.Conn
}

func newTLSTunnel(raw net.Conn, packetSize int, cfg *tls.Config) *tlsTunnel {
	sw := newSwitchableConn(raw, packetSize)
	return &tlsTunnel{sw: sw, client: tls.Client(sw, cfg)}
}

// Handshake drives the TLS handshake. Every byte it writes is wrapped in
// a PRELOGIN packet; every byte it needs is read by reassembling
// PRELOGIN-typed packets, both via sw while still in wrapped mode.
func (t *tlsTunnel) Handshake() error {
	return t.client.HandshakeContext(context.Background())
}

// EncryptAllFutureTraffic flips the underlying conn to raw passthrough,
// so that all further reads/writes through Conn ride the TLS record
// layer directly on the socket (spec's encryptAllFutureTraffic).
func (t *tlsTunnel) EncryptAllFutureTraffic() {
	t.sw.SwitchToRaw()
}

// Conn returns the tls.Conn to use for all I/O once the handshake has
// completed and EncryptAllFutureTraffic has been called.
func (t *tlsTunnel) Conn() *tls.Conn {
	return t.client
}
