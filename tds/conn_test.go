package tds

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// readFakeMessage reassembles one logical TDS message off conn, following
// the same EOM-flag framing the real messageIO uses.
func readFakeMessage(conn net.Conn) (PacketType, []byte, error) {
	var pktType PacketType
	var payload []byte
	for {
		hdr, err := ReadHeader(conn)
		if err != nil {
			return 0, nil, err
		}
		pktType = hdr.Type
		chunk := make([]byte, hdr.PayloadLength())
		if _, err := io.ReadFull(conn, chunk); err != nil {
			return 0, nil, err
		}
		payload = append(payload, chunk...)
		if hdr.IsLastPacket() {
			return pktType, payload, nil
		}
	}
}

// writeFakeMessage sends payload as a single EOM-flagged packet.
func writeFakeMessage(conn net.Conn, pktType PacketType, payload []byte) error {
	hdr := Header{Type: pktType, Status: StatusEOM, Length: uint16(HeaderSize + len(payload)), PacketID: 1}
	if err := hdr.Write(conn); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// buildLoginAckToken encodes a LOGINACK token body matching
// Parser.parseLoginAck's expectations.
func buildLoginAckToken(progName string) []byte {
	body := []byte{LoginAckInterfaceSQL}
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], uint32(TDS74))
	body = append(body, ver[:]...)
	body = append(body, byte(len([]rune(progName))))
	body = append(body, encodeUCS2(progName)...)
	verBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(verBuf, 1)
	body = append(body, verBuf...)

	out := []byte{byte(TokenLoginAck)}
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(body)))
	out = append(out, lenBuf...)
	out = append(out, body...)
	return out
}

// buildColMetadataOneInt encodes a one-column INT4 COLMETADATA token.
func buildColMetadataOneInt(name string) []byte {
	out := []byte{byte(TokenColMetadata)}
	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, 1)
	out = append(out, countBuf...)
	out = append(out, 0, 0, 0, 0) // UserType
	out = append(out, 0, 0)       // Flags
	out = append(out, byte(TypeInt4))
	out = append(out, byte(len([]rune(name))))
	out = append(out, encodeUCS2(name)...)
	return out
}

func buildInt4Row(v int32) []byte {
	out := []byte{byte(TokenRow)}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return append(out, buf...)
}

// buildColMetadataTwoNullableInt encodes a two-column, nullable-flagged
// INT4 COLMETADATA token, the shape a real server emits NBCROW against.
func buildColMetadataTwoNullableInt(name1, name2 string) []byte {
	out := []byte{byte(TokenColMetadata)}
	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, 2)
	out = append(out, countBuf...)
	for _, name := range []string{name1, name2} {
		out = append(out, 0, 0, 0, 0) // UserType
		flagsBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(flagsBuf, ColFlagNullable)
		out = append(out, flagsBuf...)
		out = append(out, byte(TypeInt4))
		out = append(out, byte(len([]rune(name))))
		out = append(out, encodeUCS2(name)...)
	}
	return out
}

// buildNBCRow encodes an NBCROW token for len(values) columns; a nil
// entry is carried only in the null bitmap, with no wire bytes at all.
func buildNBCRow(values []interface{}) []byte {
	out := []byte{byte(TokenNBCRow)}
	bitmap := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v == nil {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	out = append(out, bitmap...)
	for _, v := range values {
		if v == nil {
			continue
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v.(int32)))
		out = append(out, buf...)
	}
	return out
}

// startFakeServer listens on an ephemeral port and runs handle for every
// accepted connection (one connection expected per test). It returns the
// Server/Port pair to dial and a stop func.
func startFakeServer(t *testing.T, handle func(conn net.Conn)) (string, int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port, func() { ln.Close() }
}

// handshake performs the server half of PRELOGIN (no encryption) through
// the initial SQL batch ack, leaving the connection positioned for the
// caller's own request/response exchange.
func handshake(t *testing.T, conn net.Conn) {
	t.Helper()

	if _, _, err := readFakeMessage(conn); err != nil { // PRELOGIN
		t.Errorf("server: read prelogin: %v", err)
		return
	}
	if err := writeFakeMessage(conn, PacketPrelogin, encodePrelogin("", EncryptOff)); err != nil {
		t.Errorf("server: write prelogin response: %v", err)
		return
	}

	if _, _, err := readFakeMessage(conn); err != nil { // LOGIN7
		t.Errorf("server: read login7: %v", err)
		return
	}
	ackBuf := buildLoginAckToken("gotds-fake-server")
	ackBuf = append(ackBuf, buildDoneToken(TokenDone, DoneFinal, 0, 0)...)
	if err := writeFakeMessage(conn, PacketReply, ackBuf); err != nil {
		t.Errorf("server: write login ack: %v", err)
		return
	}

	if _, _, err := readFakeMessage(conn); err != nil { // initial SQL batch
		t.Errorf("server: read initial sql: %v", err)
		return
	}
	if err := writeFakeMessage(conn, PacketReply, buildDoneToken(TokenDone, DoneFinal, 0, 0)); err != nil {
		t.Errorf("server: write initial sql ack: %v", err)
		return
	}
}

func dialConfig(host string, port int) *Config {
	cfg := DefaultConfig()
	cfg.Server = host
	cfg.Port = port
	cfg.UserName = "sa"
	cfg.Password = "hunter2"
	cfg.ConnectTimeout = 5 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func TestConnectLoginAndQueryHappyPath(t *testing.T) {
	host, port, stop := startFakeServer(t, func(conn net.Conn) {
		handshake(t, conn)

		if _, _, err := readFakeMessage(conn); err != nil { // select query
			t.Errorf("server: read query: %v", err)
			return
		}
		var resp []byte
		resp = append(resp, buildColMetadataOneInt("n")...)
		resp = append(resp, buildInt4Row(42)...)
		resp = append(resp, buildDoneToken(TokenDone, DoneFinal|DoneCount, 0, 1)...)
		if err := writeFakeMessage(conn, PacketReply, resp); err != nil {
			t.Errorf("server: write query response: %v", err)
		}
	})
	defer stop()

	conn, err := NewConnection(dialConfig(host, port))
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	conn.cfg.RowCollectionOnRequestCompletion = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != StateLoggedIn {
		t.Fatalf("State() = %v, want LoggedIn", conn.State())
	}

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	type result struct {
		err      error
		rowCount uint64
		rows     []Row
	}
	resultCh := make(chan result, 1)
	conn.ExecSql("select 42 as n", func(err error, rowCount uint64, rows []Row) {
		resultCh <- result{err, rowCount, rows}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("ExecSql callback error: %v", r.err)
		}
		if r.rowCount != 1 {
			t.Errorf("rowCount = %d, want 1", r.rowCount)
		}
		if len(r.rows) != 1 || r.rows[0][0].(int64) != 42 {
			t.Errorf("rows = %v, want one row [42]", r.rows)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ExecSql callback")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-runDone
}

// TestNBCRowDecodesNullBitmap exercises the compressed-row wire format a
// real server uses for any result set with at least one NULL-able column:
// most traffic, in practice. The fixture column is non-NULL, the second
// is NULL, proving the bitmap is consulted rather than every row token
// being treated as uncompressed ROW.
func TestNBCRowDecodesNullBitmap(t *testing.T) {
	host, port, stop := startFakeServer(t, func(conn net.Conn) {
		handshake(t, conn)

		if _, _, err := readFakeMessage(conn); err != nil { // select query
			t.Errorf("server: read query: %v", err)
			return
		}
		var resp []byte
		resp = append(resp, buildColMetadataTwoNullableInt("a", "b")...)
		resp = append(resp, buildNBCRow([]interface{}{int32(7), nil})...)
		resp = append(resp, buildDoneToken(TokenDone, DoneFinal|DoneCount, 0, 1)...)
		if err := writeFakeMessage(conn, PacketReply, resp); err != nil {
			t.Errorf("server: write query response: %v", err)
		}
	})
	defer stop()

	conn, err := NewConnection(dialConfig(host, port))
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	conn.cfg.RowCollectionOnRequestCompletion = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	type result struct {
		err  error
		rows []Row
	}
	resultCh := make(chan result, 1)
	conn.ExecSql("select a, b from t", func(err error, rowCount uint64, rows []Row) {
		resultCh <- result{err, rows}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("ExecSql callback error: %v", r.err)
		}
		if len(r.rows) != 1 {
			t.Fatalf("rows = %v, want one row", r.rows)
		}
		if r.rows[0][0].(int64) != 7 {
			t.Errorf("rows[0][0] = %v, want 7", r.rows[0][0])
		}
		if r.rows[0][1] != nil {
			t.Errorf("rows[0][1] = %v, want nil (NULL bitmap bit set)", r.rows[0][1])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ExecSql callback")
	}

	conn.Close()
	<-runDone
}

func TestConnectLoginRejected(t *testing.T) {
	host, port, stop := startFakeServer(t, func(conn net.Conn) {
		if _, _, err := readFakeMessage(conn); err != nil { // PRELOGIN
			t.Errorf("server: read prelogin: %v", err)
			return
		}
		if err := writeFakeMessage(conn, PacketPrelogin, encodePrelogin("", EncryptOff)); err != nil {
			t.Errorf("server: write prelogin response: %v", err)
			return
		}

		if _, _, err := readFakeMessage(conn); err != nil { // LOGIN7
			t.Errorf("server: read login7: %v", err)
			return
		}
		errBuf := buildInfoToken(TokenError, 18456, 1, 14, "Login failed for user 'sa'.")
		errBuf = append(errBuf, buildDoneToken(TokenDone, DoneError, 0, 0)...)
		if err := writeFakeMessage(conn, PacketReply, errBuf); err != nil {
			t.Errorf("server: write login failure: %v", err)
		}
	})
	defer stop()

	conn, err := NewConnection(dialConfig(host, port))
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = conn.Connect(ctx)
	if err == nil {
		t.Fatal("expected Connect to fail on login rejection")
	}
	if ce, ok := err.(*ConnectionError); !ok || ce.Code != CodeLogin {
		t.Fatalf("err = %v (%T), want *ConnectionError{Code: %q}", err, err, CodeLogin)
	}
	if conn.State() != StateFinal {
		t.Fatalf("State() = %v, want Final", conn.State())
	}
}

func TestCancelInFlightRequest(t *testing.T) {
	host, port, stop := startFakeServer(t, func(conn net.Conn) {
		handshake(t, conn)

		if _, _, err := readFakeMessage(conn); err != nil { // the query about to be canceled
			t.Errorf("server: read query: %v", err)
			return
		}
		if _, _, err := readFakeMessage(conn); err != nil { // ATTENTION
			t.Errorf("server: read attention: %v", err)
			return
		}
		if err := writeFakeMessage(conn, PacketReply, buildDoneToken(TokenDone, DoneFinal|DoneAttn, 0, 0)); err != nil {
			t.Errorf("server: write attention ack: %v", err)
		}
	})
	defer stop()

	conn, err := NewConnection(dialConfig(host, port))
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	resultCh := make(chan error, 1)
	conn.ExecSql("waitfor delay '00:00:05'", func(err error, rowCount uint64, rows []Row) {
		resultCh <- err
	})

	// Give the request time to reach the server and the FSM time to settle
	// into SentClientRequest before canceling it.
	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateSentClientRequest && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !conn.Cancel() {
		t.Fatal("Cancel() = false, want true while a request is in flight")
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected the canceled request's callback to receive an error")
		}
		if re, ok := err.(*RequestError); !ok || re.Code != CodeCancel {
			t.Fatalf("err = %v (%T), want *RequestError{Code: %q}", err, err, CodeCancel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation to complete")
	}

	conn.Close()
	<-runDone
}
