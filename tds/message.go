package tds

import (
	"bufio"
	"io"
	"net"
)

// messageIO is the Message I/O component of spec §4.3. It packetizes
// outbound bytes into TDS packets of the negotiated size, reassembles
// inbound packets into logical messages, and — once a TLS tunnel is
// wired in — transparently routes bytes through it.
type messageIO struct {
	raw    net.Conn
	reader *bufio.Reader
	writer io.Writer

	packetSize int
	writeSeq   uint8

	resetFlag PacketStatus

	tunnel *tlsTunnel
	active bool // true once EncryptAllFutureTraffic has been called
}

func newMessageIO(raw net.Conn, packetSize int) *messageIO {
	return &messageIO{
		raw:        raw,
		reader:     bufio.NewReaderSize(raw, packetSize),
		writer:     raw,
		packetSize: packetSize,
		writeSeq:   1,
	}
}

// SetPacketSize applies a server-negotiated packet size (spec's
// packetSizeChange token), taking effect on the next packet.
func (m *messageIO) SetPacketSize(n int) {
	m.packetSize = n
}

// MarkResetConnection attaches the reset-connection bit to the first
// packet of the next outbound message, then clears itself, per the
// framing layer's resetConnectionFlag contract.
func (m *messageIO) MarkResetConnection(skipTran bool) {
	if skipTran {
		m.resetFlag = StatusResetConnectionSkipTran
	} else {
		m.resetFlag = StatusResetConnection
	}
}

// TLSNegotiationStarting records the TLS engine on the framing layer so
// EncryptAllFutureTraffic can later switch to it. The handshake's own
// PRELOGIN framing is done by the tunnel itself (tlsTunnel.Handshake over
// its preloginFramedConn), not by messageIO (spec's
// tlsNegotiationStarting).
func (m *messageIO) TLSNegotiationStarting(t *tlsTunnel) {
	m.tunnel = t
}

// EncryptAllFutureTraffic interposes the TLS engine transparently on
// both directions: subsequent SendMessage/ReadMessage calls flow through
// the negotiated tls.Conn, and outbound messages carry their real packet
// type again (spec's encryptAllFutureTraffic, invariant I6).
func (m *messageIO) EncryptAllFutureTraffic() {
	m.tunnel.EncryptAllFutureTraffic()
	m.writer = m.tunnel.Conn()
	m.reader = bufio.NewReaderSize(m.tunnel.Conn(), m.packetSize)
	m.active = true
}

// SendMessage chunks payload into packets no larger than the current
// packet size, each carrying pktType and a header; the final chunk is
// marked EOM. The pending reset-connection flag, if any, is applied to
// the first chunk's status and then cleared.
func (m *messageIO) SendMessage(pktType PacketType, payload []byte) error {
	maxPayload := m.packetSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = DefaultPacketSize - HeaderSize
	}

	reset := m.resetFlag
	m.resetFlag = 0

	remaining := payload
	first := true
	for {
		chunk := remaining
		status := StatusNormal
		if len(chunk) <= maxPayload {
			status = StatusEOM
		} else {
			chunk = remaining[:maxPayload]
		}
		if first {
			status |= reset
			first = false
		}

		hdr := Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			PacketID: m.writeSeq,
		}
		if err := hdr.Write(m.writer); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := m.writer.Write(chunk); err != nil {
				return err
			}
		}

		m.writeSeq++
		if m.writeSeq == 0 {
			m.writeSeq = 1
		}

		remaining = remaining[len(chunk):]
		if status&StatusEOM != 0 {
			break
		}
	}
	return nil
}

// ReadMessage reads one full logical message: it dispatches a `data`
// event per inbound packet payload and a `message` event once the final
// (EOM-flagged) packet has been consumed, per spec §4.3's contract.
//
// m.reader is a bufio.Reader over the raw socket, and stateSentPrelogin
// hands the TLS tunnel the raw net.Conn directly rather than m.reader,
// bypassing whatever m.reader has buffered. That's only safe because TDS
// is strictly lockstep (no pipelining): by the time the PRELOGIN message
// event fires, m.reader cannot have read past the PRELOGIN response, so
// there is nothing buffered for the handshake to miss.
func (m *messageIO) ReadMessage(c *Connection) error {
	for {
		hdr, err := ReadHeader(m.reader)
		if err != nil {
			return err
		}
		payload := make([]byte, hdr.PayloadLength())
		if _, err := io.ReadFull(m.reader, payload); err != nil {
			return err
		}

		if err := c.handleEvent(Event{Name: EventData, Data: payload}); err != nil {
			return err
		}

		if hdr.IsLastPacket() {
			return c.handleEvent(Event{Name: EventMessage})
		}
	}
}
