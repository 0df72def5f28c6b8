package tds

// This file is the package's public request surface: thin exported
// wrappers around the lowercase senders in request.go, which stay
// unexported so the FSM-facing internals (makeRequest, cancel) aren't
// part of the API a caller can depend on directly.

// ExecSqlBatch sends sql as an ad-hoc SQL_BATCH request (spec §4.5). cb
// fires exactly once, on the request's completion or failure.
func (c *Connection) ExecSqlBatch(sql string, cb RequestCallback) {
	c.execSqlBatch(sql, cb)
}

// ExecSql is an alias for ExecSqlBatch.
func (c *Connection) ExecSql(sql string, cb RequestCallback) {
	c.execSql(sql, cb)
}

// Execute runs sql via sp_executesql with positional string parameters
// bound as @p1, @p2, ...
func (c *Connection) Execute(sql string, args []string, cb RequestCallback) {
	c.execute(sql, args, cb)
}

// Prepare issues sp_prepare for sql. The server returns the statement
// handle in a RETURNVALUE token, which the Connection only logs; the
// handle is not passed to cb.
func (c *Connection) Prepare(sql string, cb RequestCallback) {
	c.prepare(sql, cb)
}

// Unprepare issues sp_unprepare for a handle returned by Prepare.
func (c *Connection) Unprepare(handle int32, cb RequestCallback) {
	c.unprepare(handle, cb)
}

// CallProcedure invokes a stored procedure by name with positional string
// arguments.
func (c *Connection) CallProcedure(name string, args []string, cb RequestCallback) {
	c.callProcedure(name, args, cb)
}

// BeginTransaction opens a transaction at the given isolation level. The
// transaction descriptor stack updates once the server's ENVCHANGE token
// arrives, not synchronously with this call.
func (c *Connection) BeginTransaction(isolation IsolationLevel, name string, cb RequestCallback) {
	c.beginTransaction(isolation, name, cb)
}

// CommitTransaction commits the currently open transaction.
func (c *Connection) CommitTransaction(name string, cb RequestCallback) {
	c.commitTransaction(name, cb)
}

// RollbackTransaction rolls back the currently open transaction.
func (c *Connection) RollbackTransaction(name string, cb RequestCallback) {
	c.rollbackTransaction(name, cb)
}

// Reset flags the next outbound request to carry the reset-connection bit
// and reissues the initial session-options batch, causing the server to
// reset session state (e.g. transaction state, SET options) on the next
// packet.
func (c *Connection) Reset(cb RequestCallback) {
	c.reset(cb)
}

// Cancel sends an ATTENTION for the in-flight request, if any. It reports
// whether a cancel was actually sent (false if no request is in flight).
func (c *Connection) Cancel() bool {
	return c.cancel()
}

// InTransaction reports whether a transaction is currently open, per the
// transaction descriptor stack's depth (spec invariant I3).
func (c *Connection) InTransaction() bool {
	return c.txns.Len() > 1
}

// State returns the FSM's current state name, for callers that want to
// observe connection lifecycle without driving it directly.
func (c *Connection) State() StateName {
	return c.fsm.Current()
}
