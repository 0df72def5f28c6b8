package tds

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gotds/tds/internal/tderrors"
)

// Connection is the TDS client connection described by spec §3: it owns
// the nine-state FSM, the message-framing layer, the transaction
// descriptor stack, and the single in-flight request, and is the sole
// mutator of all of them (spec §5). It also implements Listener, since
// the Connection is the token-stream parser's only subscriber.
type Connection struct {
	cfg *Config

	conn net.Conn
	io   *messageIO
	fsm  *fsm

	parser *Parser
	txns   *descriptorStack

	request *Request

	tunnel        *tlsTunnel
	preloginBuf   []byte
	tlsNegotiated bool

	loggedIn    bool
	loginError  error
	connectErr  error

	closed bool
}

// NewConnection builds a Connection from cfg, applying defaults and
// validating boundary rules (spec §6) before any I/O is attempted.
func NewConnection(cfg *Config) (*Connection, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{cfg: cfg, txns: newDescriptorStack()}
	c.parser = NewParser(c)
	c.fsm = newFSM(newStates(), StateConnecting)
	return c, nil
}

// Connect dials the server (resolving a named instance first if
// Config.Port is unset), then drives the FSM through PRELOGIN, the
// optional TLS tunnel, LOGIN7, and the initial SQL batch, blocking until
// LoggedIn or Final is reached (spec §4.2's Initialize+Connect).
func (c *Connection) Connect(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	port := c.cfg.Port
	if port == 0 {
		p, err := c.cfg.InstanceLookup.LookupPort(ctx, c.cfg.Server, c.cfg.InstanceName)
		if err != nil {
			return c.connectFailed(newConnError(CodeInstanceLookup,
				tderrors.Wrap(err, tderrors.ErrCodeInstanceLookup, "instance lookup")))
		}
		port = p
	}

	addr := net.JoinHostPort(c.cfg.Server, strconv.Itoa(port))
	conn, err := newDialer().DialContext(ctx, addr)
	if err != nil {
		return c.connectFailed(newConnError(CodeSocket,
			tderrors.Wrap(err, tderrors.ErrCodeConnectionFailed, "dial "+addr)))
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return c.connectFailed(newConnError(CodeSocket,
			tderrors.Wrap(err, tderrors.ErrCodeSocketError, "set connect deadline")))
	}

	c.conn = conn
	c.io = newMessageIO(conn, c.cfg.PacketSize)

	if err := c.fsm.dispatch(c, Event{Name: EventSocketConnect}); err != nil {
		return c.connectFailed(err)
	}

	for c.fsm.Current() != StateLoggedIn && c.fsm.Current() != StateFinal {
		if err := c.io.ReadMessage(c); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.connectErr = newConnError(CodeTimeout, tderrors.Timeout("connect", c.cfg.ConnectTimeout))
				c.fsm.dispatch(c, Event{Name: EventConnectTimeout})
				break
			}
			c.connectErr = newConnError(CodeSocket, tderrors.Wrap(err, tderrors.ErrCodeSocketError, "read"))
			c.fsm.dispatch(c, Event{Name: EventSocketError})
			break
		}
	}

	if c.fsm.Current() != StateLoggedIn {
		if c.connectErr == nil {
			c.connectErr = newConnError(CodeSocket, tderrors.New(tderrors.ErrCodeConnectionFailed, "connect did not reach LoggedIn"))
		}
		if c.fsm.Current() != StateFinal {
			c.fsm.transition(c, StateFinal)
		}
		return c.connectErr
	}
	return nil
}

func (c *Connection) connectFailed(err error) error {
	c.connectErr = err
	c.fsm.transition(c, StateFinal)
	return err
}

// Run pumps inbound messages once the connection is LoggedIn, dispatching
// request completions to their callbacks, until ctx is canceled or the
// connection reaches Final. It is the synchronous equivalent of the
// cooperative event loop spec §4 describes: one goroutine, one socket,
// one in-flight request at a time (invariant I2).
func (c *Connection) Run(ctx context.Context) error {
	for {
		if c.closed || c.fsm.Current() == StateFinal {
			return c.loginError
		}

		var deadline time.Time
		if c.request != nil {
			deadline = time.Now().Add(c.cfg.RequestTimeout)
		}
		if c.conn != nil {
			c.conn.SetDeadline(deadline)
		}

		if err := c.io.ReadMessage(c); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && c.request != nil {
				c.failRequest(newRequestError(CodeTimeout, tderrors.Timeout("request", c.cfg.RequestTimeout)))
				continue
			}
			c.fatal(newConnError(CodeSocket, tderrors.Wrap(err, tderrors.ErrCodeSocketError, "read")))
			return err
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		default:
		}
	}
}

// failRequest attaches err to the pending request, if any, and sends an
// ATTENTION when cancellation is legal in the current state. With no
// pending request the error is dropped. Once the server acknowledges the
// attention, stateSentAttention completes the request with ECANCEL in
// place of err; err itself reaches the callback only if the connection
// closes before that ack.
func (c *Connection) failRequest(err error) {
	if c.request != nil {
		c.request.Err = err
	}
	c.cancel()
}

// Close forces the FSM to Final, releasing the socket and failing any
// pending request. Safe to call more than once (invariant I4).
func (c *Connection) Close() error {
	if c.fsm.Current() == StateFinal {
		c.cleanup()
		return nil
	}
	return c.fsm.transition(c, StateFinal)
}

// cleanup releases the socket and fails any pending request; idempotent.
func (c *Connection) cleanup() {
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
	if c.request != nil {
		req := c.request
		c.request = nil
		if req.Err == nil {
			req.Err = newConnError(CodeSocket, tderrors.New(tderrors.ErrCodeConnectionClosed, "connection closed"))
		}
		req.complete()
	}
}

// fatal records err as the connection's terminal failure, fails any
// pending request, and forces a transition to Final.
func (c *Connection) fatal(err error) {
	if c.loginError == nil {
		c.loginError = err
	}
	if c.request != nil {
		req := c.request
		c.request = nil
		req.Err = err
		req.complete()
	}
	if c.fsm.Current() != StateFinal {
		c.fsm.transition(c, StateFinal)
	}
}

// logTransition is the fsm's sole hook back into the Connection, logging
// every state change to the connection category (spec's testable
// property: "every transition the FSM takes is logged with its source
// and target state name").
func (c *Connection) logTransition(from, to StateName) {
	c.cfg.Logger.Connection().Info("state transition", "from", string(from), "to", string(to))
}

// handleEvent is messageIO's entry point into the FSM for each inbound
// packet/message. An unexpected event is fatal per invariant I1.
func (c *Connection) handleEvent(ev Event) error {
	err := c.fsm.dispatch(c, ev)
	if err == nil {
		return nil
	}

	var unexpected *unexpectedEventError
	if errors.As(err, &unexpected) {
		c.cfg.Logger.Connection().Error("unexpected event", err, "state", string(unexpected.State), "event", string(unexpected.Event))
	}
	c.fatal(newConnError(CodeInvalidState, tderrors.Wrap(err, tderrors.ErrCodeProtocolError, "event dispatch")))
	return err
}

// sendLogin7 builds and sends the LOGIN7 packet from Config, used by both
// the plaintext and TLS-tunneled paths out of SentPrelogin.
func (c *Connection) sendLogin7() error {
	host, _ := os.Hostname()
	f := login7Fields{
		TDSVersion: c.cfg.TDSVersion,
		PacketSize: uint32(c.cfg.PacketSize),
		HostName:   host,
		UserName:   c.cfg.UserName,
		Password:   c.cfg.Password,
		AppName:    c.cfg.AppName,
		ServerName: c.cfg.Server,
		Database:   c.cfg.Database,
		ClientPID:  uint32(os.Getpid()),
	}
	return c.io.SendMessage(PacketLogin7, encodeLogin7(f))
}

func (c *Connection) preloginEncryptByte() byte {
	if c.cfg.Encrypt {
		return EncryptOn
	}
	return EncryptOff
}

func (c *Connection) tlsConfig() *tls.Config {
	if c.cfg.TLSConfig != nil {
		return c.cfg.TLSConfig
	}
	return &tls.Config{ServerName: c.cfg.Server}
}

func (c *Connection) stopConnectTimer() {
	if c.conn != nil {
		c.conn.SetDeadline(time.Time{})
	}
}

// --- Listener implementation (spec §4.4) ---

func (c *Connection) OnInfoMessage(ev InfoEvent) {
	c.cfg.Logger.Connection().Info("server info", "number", ev.Number, "message", ev.Message)
}

func (c *Connection) OnErrorMessage(ev InfoEvent) {
	serverErr := &ServerError{
		Number: ev.Number, State: ev.State, Class: ev.Class, Message: ev.Message,
		ServerName: ev.ServerName, ProcName: ev.ProcName, LineNumber: ev.LineNumber,
	}
	if !c.loggedIn {
		c.loginError = newConnError(CodeLogin, tderrors.Wrap(serverErr, tderrors.ErrCodeLoginFailed, "login rejected"))
		return
	}
	if c.request != nil {
		c.request.Err = newRequestError(CodeRequest, tderrors.Wrap(serverErr, tderrors.ErrCodeRequestFailed, "request failed"))
	}
}

func (c *Connection) OnDatabaseChange(newVal, oldVal string) {
	c.cfg.Logger.Connection().Info("database changed", "new", newVal, "old", oldVal)
}

func (c *Connection) OnLanguageChange(newVal, oldVal string) {
	c.cfg.Logger.Connection().Info("language changed", "new", newVal, "old", oldVal)
}

func (c *Connection) OnCharsetChange(newVal, oldVal string) {
	c.cfg.Logger.Connection().Info("charset changed", "new", newVal, "old", oldVal)
}

func (c *Connection) OnLoginAck(ev LoginAckEvent) {
	if ev.TDSVersion != 0 {
		c.cfg.TDSVersion = ev.TDSVersion
	}
	c.loggedIn = true
}

func (c *Connection) OnPacketSizeChange(newSize int) {
	c.io.SetPacketSize(newSize)
}

func (c *Connection) OnBeginTransaction(descriptor [8]byte) {
	c.txns.Push(descriptor)
	c.cfg.Logger.Transaction().Debug("begin", "depth", c.txns.Len())
}

func (c *Connection) OnCommitTransaction() {
	c.txns.Pop()
	c.cfg.Logger.Transaction().Debug("commit", "depth", c.txns.Len())
}

func (c *Connection) OnRollbackTransaction() {
	c.txns.Pop()
	c.cfg.Logger.Transaction().Debug("rollback", "depth", c.txns.Len())
}

func (c *Connection) OnColumnMetadata(cols []Column) {
	if c.request == nil {
		c.fatal(newConnError(CodeInvalidState, tderrors.New(tderrors.ErrCodeProtocolError,
			"columnMetadata token with no active request")))
		return
	}
	if !c.cfg.UseColumnNames {
		return
	}
	seen := make(map[string]bool, len(cols))
	keep := make([]int, 0, len(cols))
	for i, col := range cols {
		if seen[col.Name] {
			continue
		}
		seen[col.Name] = true
		keep = append(keep, i)
	}
	c.request.columnKeep = keep
}

func (c *Connection) OnOrder(colIDs []uint16) {
	if c.request == nil {
		c.fatal(newConnError(CodeInvalidState, tderrors.New(tderrors.ErrCodeProtocolError,
			"order token with no active request")))
		return
	}
}

func (c *Connection) OnRow(values []interface{}) {
	if c.request == nil {
		c.fatal(newConnError(CodeInvalidState, tderrors.New(tderrors.ErrCodeProtocolError,
			"row token with no active request")))
		return
	}
	if c.request.columnKeep != nil {
		deduped := make([]interface{}, len(c.request.columnKeep))
		for i, idx := range c.request.columnKeep {
			deduped[i] = values[idx]
		}
		values = deduped
	}
	if c.cfg.RowCollectionOnRequestCompletion || c.cfg.RowCollectionOnDone {
		c.request.Rows = append(c.request.Rows, Row(values))
	}
}

func (c *Connection) OnReturnStatus(status int32) {
	if c.request == nil {
		return
	}
	v := status
	c.request.returnStatus = &v
}

func (c *Connection) OnReturnValue(ev ReturnValueEvent) {
	c.cfg.Logger.Request().Debug("return value", "name", ev.ParamName)
}

func (c *Connection) OnDoneProc(d DoneEvent) {
	c.accumulateDone(d)
	if c.request == nil {
		return
	}
	if c.request.returnStatus != nil {
		c.cfg.Logger.Request().Debug("doneProc return status", "status", *c.request.returnStatus)
		c.request.returnStatus = nil
	}
}

func (c *Connection) OnDoneInProc(d DoneEvent) {
	c.accumulateDone(d)
}

func (c *Connection) OnDone(d DoneEvent) {
	c.accumulateDone(d)
}

// accumulateDone applies the bookkeeping common to done/doneProc/doneInProc
// (spec §4.4): add the row count, reset the row buffer when rowCollection
// is driven per-done rather than per-request, surface a request error on
// the error bit, and latch Canceled only once the attention bit confirms
// this done is the server's ack of our ATTENTION, not an ordinary batch
// boundary that happened to arrive first (spec §4.5/§9).
func (c *Connection) accumulateDone(d DoneEvent) {
	if c.request == nil {
		return
	}
	c.request.RowCount += d.RowCount
	if c.cfg.RowCollectionOnDone {
		c.request.Rows = nil
	}
	if d.HasError() && c.request.Err == nil {
		c.request.Err = newRequestError(CodeRequest, tderrors.New(tderrors.ErrCodeRequestFailed, "request completed with error"))
	}
	if d.Attention() {
		c.request.Canceled = true
	}
}

func (c *Connection) OnResetConnection() {
	c.cfg.Logger.Connection().Debug("server acknowledged reset-connection")
}

func (c *Connection) OnTokenStreamError(err error) {
	c.fatal(newConnError(CodeSocket, tderrors.Wrap(err, tderrors.ErrCodeProtocolError, "token stream")))
}
