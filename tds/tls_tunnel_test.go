package tds

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/gotds/tds/pkg/tlsutil"
)

// tlsHandshake performs the server half of PRELOGIN through login, but
// with the PRELOGIN exchange negotiating encryption and the rest of the
// handshake riding a tls.Server wrapped around the same PRELOGIN packet
// framing the client's tlsTunnel uses — the mirror image of
// tds/tls_tunnel.go's client-side switchableConn/preloginFramedConn, so
// it genuinely exercises stateSentTLSSSLNegotiation end to end rather
// than stubbing the handshake out. Once the handshake completes, sw is
// flipped to raw passthrough, mirroring the client's own
// EncryptAllFutureTraffic: post-handshake application data rides the TLS
// record layer directly on the socket, with no outer PRELOGIN framing.
func tlsHandshake(t *testing.T, raw net.Conn, serverTLSConfig *tls.Config) net.Conn {
	t.Helper()

	if _, _, err := readFakeMessage(raw); err != nil { // client's PRELOGIN
		t.Fatalf("server: read prelogin: %v", err)
	}
	if err := writeFakeMessage(raw, PacketPrelogin, encodePrelogin("", EncryptOn)); err != nil {
		t.Fatalf("server: write prelogin response: %v", err)
	}

	sw := newSwitchableConn(raw, DefaultPacketSize)
	tlsConn := tls.Server(sw, serverTLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("server: tls handshake: %v", err)
	}
	sw.SwitchToRaw()
	return tlsConn
}

func TestConnectWithTLSTunnelNegotiatesEncryption(t *testing.T) {
	serverTLSConfig, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	host, port, stop := startFakeServer(t, func(raw net.Conn) {
		conn := tlsHandshake(t, raw, serverTLSConfig)

		if _, _, err := readFakeMessage(conn); err != nil { // LOGIN7, now inside TLS
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

		if _, _, err := readFakeMessage(conn); err != nil { // select query, still inside TLS
			t.Errorf("server: read query: %v", err)
			return
		}
		var resp []byte
		resp = append(resp, buildColMetadataOneInt("n")...)
		resp = append(resp, buildInt4Row(7)...)
		resp = append(resp, buildDoneToken(TokenDone, DoneFinal|DoneCount, 0, 1)...)
		if err := writeFakeMessage(conn, PacketReply, resp); err != nil {
			t.Errorf("server: write query response: %v", err)
		}
	})
	defer stop()

	cfg := dialConfig(host, port)
	cfg.Encrypt = true
	cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}

	conn, err := NewConnection(cfg)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != StateLoggedIn {
		t.Fatalf("State() = %v, want LoggedIn", conn.State())
	}
	if !conn.tlsNegotiated {
		t.Fatal("tlsNegotiated = false, want true after an Encrypt:true Connect")
	}

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	type result struct {
		err      error
		rowCount uint64
	}
	resultCh := make(chan result, 1)
	conn.ExecSql("select 7 as n", func(err error, rowCount uint64, rows []Row) {
		resultCh <- result{err, rowCount}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("ExecSql callback error: %v", r.err)
		}
		if r.rowCount != 1 {
			t.Errorf("rowCount = %d, want 1", r.rowCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ExecSql callback over the TLS tunnel")
	}

	conn.Close()
	<-runDone
}
