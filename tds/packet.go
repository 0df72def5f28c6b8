// Package tds implements the client side of the TDS (Tabular Data Stream)
// wire protocol spoken by SQL Server compatible database servers.
//
// The package establishes a session, optionally upgrades it to TLS tunneled
// inside TDS packets, authenticates, and multiplexes a single in-flight SQL
// batch, RPC call, transaction-management command, or cancellation over one
// connection. It does not implement server-side emulation, query-result
// transformation beyond token routing, automatic reconnects, or concurrent
// multiplexed requests on one connection.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch carries an ad-hoc SQL batch.
	PacketSQLBatch PacketType = 0x01

	// PacketRPCRequest invokes a stored procedure by name or system ID.
	PacketRPCRequest PacketType = 0x03

	// PacketReply is sent by the server in response to a client request.
	PacketReply PacketType = 0x04

	// PacketAttention cancels the in-flight request.
	PacketAttention PacketType = 0x06

	// PacketBulkLoad carries bulk insert data.
	PacketBulkLoad PacketType = 0x07

	// PacketFedAuthToken carries a federated authentication token.
	PacketFedAuthToken PacketType = 0x08

	// PacketTransMgrReq drives begin/commit/rollback/save transaction requests.
	PacketTransMgrReq PacketType = 0x0E

	// PacketLogin7 authenticates the session.
	PacketLogin7 PacketType = 0x10

	// PacketSSPIMessage carries SSPI/Windows authentication data.
	PacketSSPIMessage PacketType = 0x11

	// PacketPrelogin negotiates connection parameters, including encryption.
	PacketPrelogin PacketType = 0x12
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// PacketStatus indicates the status of a TDS packet.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow in this message.
	StatusNormal PacketStatus = 0x00

	// StatusEOM indicates end of message (last packet).
	StatusEOM PacketStatus = 0x01

	// StatusIgnore marks a packet to be ignored, used during TLS negotiation.
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests the server reset session state, dropping
	// the transaction scope, before processing this packet.
	StatusResetConnection PacketStatus = 0x08

	// StatusResetConnectionSkipTran is like StatusResetConnection but
	// preserves the current transaction.
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the packet size offered before negotiation.
const DefaultPacketSize = 4096

// MaxPacketSize is the maximum allowed TDS packet size.
const MaxPacketSize = 32767

// MinPacketSize is the minimum allowed TDS packet size.
const MinPacketSize = 512

// Header represents a TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // total packet length including header
	SPID     uint16 // server process ID, 0 before login
	PacketID uint8  // packet sequence number, wraps 1..255
	Window   uint8  // unused, always 0
}

// ReadHeader reads a TDS packet header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}, nil
}

// Write writes the header to w.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the length of the packet payload, excluding the header.
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket reports whether this packet is the last one of its message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// IsResetConnection reports whether the reset-connection bit is set.
func (s PacketStatus) IsResetConnection() bool {
	return s&StatusResetConnection != 0
}

// IsResetConnectionSkipTran reports whether the reset-connection-preserve-transaction bit is set.
func (s PacketStatus) IsResetConnectionSkipTran() bool {
	return s&StatusResetConnectionSkipTran != 0
}
