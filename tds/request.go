package tds

import (
	"github.com/gotds/tds/internal/tderrors"
)

// Row is one decoded result row, one value per column in request order.
type Row []interface{}

// RequestCallback receives the outcome of a completed request: the
// first observed error (nil on success), the total row count across all
// DONE/DONEPROC/DONEINPROC tokens, and the accumulated rows (empty
// unless a row-collection option is enabled).
type RequestCallback func(err error, rowCount uint64, rows []Row)

// Request is the single pending operation tracked by the Connection
// (spec §3's Request entity / invariant I2). pktType and payload are
// already fully built wire bytes by the time makeRequest sees them.
type Request struct {
	pktType PacketType
	payload []byte
	cb      RequestCallback

	RowCount uint64
	Rows     []Row
	Err      error
	Canceled bool

	columnKeep   []int
	returnStatus *int32
}

func newRequest(pktType PacketType, payload []byte, cb RequestCallback) *Request {
	return &Request{pktType: pktType, payload: payload, cb: cb}
}

func (r *Request) complete() {
	if r.cb != nil {
		r.cb(r.Err, r.RowCount, r.Rows)
	}
}

// makeRequest accepts req as the connection's single active request.
// Legal only in LoggedIn (invariant I2); otherwise fails synchronously
// with EINVALIDSTATE and leaves the FSM untouched, per spec §4.5.
func (c *Connection) makeRequest(req *Request) {
	if c.fsm.Current() != StateLoggedIn {
		req.Err = newRequestError(CodeInvalidState, tderrors.Newf(tderrors.ErrCodeInvalidState,
			"makeRequest is only legal in LoggedIn, current state %s", c.fsm.Current()))
		req.complete()
		return
	}

	c.request = req
	if err := c.io.SendMessage(req.pktType, req.payload); err != nil {
		req.Err = newConnError(CodeSocket, tderrors.Wrap(err, tderrors.ErrCodeSocketError, "send request"))
		c.request = nil
		req.complete()
		return
	}

	if err := c.fsm.transition(c, StateSentClientRequest); err != nil {
		c.fatal(err)
	}
}

// cancel sends an ATTENTION packet and transitions to SentAttention.
// Legal only in SentClientRequest; returns false with no side effect
// otherwise, per spec §8's boundary behavior and §4.5's Cancel action.
// Request.Canceled is not set here: stateSentAttention must distinguish
// the server's real attention ack from ordinary in-flight messages still
// draining, so Canceled is only set once the token stream reports a
// done/doneProc/doneInProc carrying the attention bit (spec §4.4/§9).
func (c *Connection) cancel() bool {
	if c.fsm.Current() != StateSentClientRequest {
		return false
	}
	if err := c.io.SendMessage(PacketAttention, encodeAttention()); err != nil {
		c.fatal(err)
		return false
	}
	if err := c.fsm.transition(c, StateSentAttention); err != nil {
		c.fatal(err)
		return false
	}
	return true
}

// execSqlBatch sends sql as a SQL_BATCH request.
func (c *Connection) execSqlBatch(sql string, cb RequestCallback) {
	payload := encodeSQLBatch(sql, c.txns.Current())
	c.makeRequest(newRequest(PacketSQLBatch, payload, cb))
}

// execSql is an alias for execSqlBatch, matching the convenience-wrapper
// naming spec §4.5 calls out (`execSqlBatch`, `execSql`).
func (c *Connection) execSql(sql string, cb RequestCallback) {
	c.execSqlBatch(sql, cb)
}

// Well-known system procedure IDs for RPC requests sent by numeric ID,
// e.g. ProcIDExecuteSQL for sp_executesql-shaped calls.
const (
	ProcIDExecuteSQL uint16 = 10
	ProcIDPrepare    uint16 = 11
	ProcIDExecute    uint16 = 12
	ProcIDUnprepare  uint16 = 15
	ProcIDCursor     uint16 = 1
)

// execute runs sql with positional string parameters bound via
// sp_executesql, the RPC shape named in spec §4.5's convenience wrappers
// and matching the teacher's ProcIDExecuteSQL / denisenkom/go-mssqldb's
// parameterized-query convention.
func (c *Connection) execute(sql string, args []string, cb RequestCallback) {
	stmtTI, stmtVal := encodeNVarCharParamValue(sql)
	params := encodeRPCParam("", 0, stmtTI, stmtVal)

	if len(args) > 0 {
		declTI, declVal := encodeNVarCharParamValue(declareClause(len(args)))
		params = append(params, encodeRPCParam("", 0, declTI, declVal)...)
		for _, a := range args {
			argTI, argVal := encodeNVarCharParamValue(a)
			params = append(params, encodeRPCParam("", 0, argTI, argVal)...)
		}
	}

	payload := encodeRPCRequest(ProcIDExecuteSQL, params, c.txns.Current())
	c.makeRequest(newRequest(PacketRPCRequest, payload, cb))
}

// beginTransaction sends a TRANSACTION_MANAGER begin request. The server's
// ENVCHANGE token, not this call, pushes the new descriptor onto txns.
// Transactions require TDS 7.2 or later; on an older negotiated version
// this fails synchronously rather than sending a request the server
// cannot honor (spec §4.6).
func (c *Connection) beginTransaction(isolation IsolationLevel, name string, cb RequestCallback) {
	if c.cfg.TDSVersion < TDS72 {
		req := newRequest(PacketTransMgrReq, nil, cb)
		req.Err = newRequestError(CodeInvalidState, tderrors.New(tderrors.ErrCodeUnsupportedTxn,
			"transactions require TDS 7.2 or later"))
		req.complete()
		return
	}
	payload := encodeBeginTransaction(isolation, name, c.txns.Current())
	c.makeRequest(newRequest(PacketTransMgrReq, payload, cb))
}

// commitTransaction sends a TRANSACTION_MANAGER commit request against the
// current top-of-stack descriptor. With only the sentinel on the stack (no
// open transaction) this fails synchronously with ENOTRNINPROG (spec §8).
func (c *Connection) commitTransaction(name string, cb RequestCallback) {
	if c.txns.Len() <= 1 {
		req := newRequest(PacketTransMgrReq, nil, cb)
		req.Err = newRequestError(CodeNoTransaction, tderrors.New(tderrors.ErrCodeNoTransaction,
			"commitTransaction with no transaction in progress"))
		req.complete()
		return
	}
	payload := encodeCommitTransaction(name, c.txns.Current())
	c.makeRequest(newRequest(PacketTransMgrReq, payload, cb))
}

// rollbackTransaction sends a TRANSACTION_MANAGER rollback request against
// the current top-of-stack descriptor. With only the sentinel on the stack
// (no open transaction) this fails synchronously with ENOTRNINPROG (spec §8).
func (c *Connection) rollbackTransaction(name string, cb RequestCallback) {
	if c.txns.Len() <= 1 {
		req := newRequest(PacketTransMgrReq, nil, cb)
		req.Err = newRequestError(CodeNoTransaction, tderrors.New(tderrors.ErrCodeNoTransaction,
			"rollbackTransaction with no transaction in progress"))
		req.complete()
		return
	}
	payload := encodeRollbackTransaction(name, c.txns.Current())
	c.makeRequest(newRequest(PacketTransMgrReq, payload, cb))
}

// reset sets the reset-connection bit on the next outbound request and
// reissues the initial session-options batch, causing the server to reset
// session state on the next packet (spec §4.6).
func (c *Connection) reset(cb RequestCallback) {
	c.io.MarkResetConnection(false)
	payload := encodeSQLBatch(c.cfg.initialSQL(), c.txns.Current())
	c.makeRequest(newRequest(PacketSQLBatch, payload, cb))
}

func declareClause(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "@p" + itoa64(int64(i+1)) + " nvarchar(4000)"
	}
	return s
}

// prepare issues sp_prepare for sql. The server returns the handle in a
// RETURNVALUE token; Connection.OnReturnValue only logs that token's
// parameter name, so the handle is neither stored on the request nor
// passed to cb.
func (c *Connection) prepare(sql string, cb RequestCallback) {
	stmtTI, stmtVal := encodeNVarCharParamValue(sql)
	params := encodeRPCParam("", 0, stmtTI, stmtVal)
	payload := encodeRPCRequest(ProcIDPrepare, params, c.txns.Current())
	c.makeRequest(newRequest(PacketRPCRequest, payload, cb))
}

// unprepare issues sp_unprepare for a previously prepared handle.
func (c *Connection) unprepare(handle int32, cb RequestCallback) {
	ti := make([]byte, 1)
	ti[0] = byte(TypeIntN)
	ti = append(ti, 4)
	val := make([]byte, 5)
	val[0] = 4
	littleEndianPutInt32(val[1:], handle)
	params := encodeRPCParam("", 0, ti, val)
	payload := encodeRPCRequest(ProcIDUnprepare, params, c.txns.Current())
	c.makeRequest(newRequest(PacketRPCRequest, payload, cb))
}

// callProcedure invokes an arbitrary stored procedure by name using the
// RPC-by-name form (a 2-byte name length in place of the 0xFFFF proc-ID
// marker).
func (c *Connection) callProcedure(name string, args []string, cb RequestCallback) {
	buf := encodeAllHeaders(c.txns.Current())
	nameLen := len([]rune(name))
	buf = append(buf, byte(nameLen), byte(nameLen>>8))
	buf = append(buf, encodeUCS2(name)...)
	optBuf := make([]byte, 2)
	buf = append(buf, optBuf...)
	for _, a := range args {
		ti, val := encodeNVarCharParamValue(a)
		buf = append(buf, encodeRPCParam("", 0, ti, val)...)
	}
	c.makeRequest(newRequest(PacketRPCRequest, buf, cb))
}

func littleEndianPutInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
