package tds

import (
	"encoding/binary"
	"testing"
)

// recordingListener satisfies Listener by recording each call, so tests
// can assert on what the Parser reported without a live Connection.
type recordingListener struct {
	infos    []InfoEvent
	errors   []InfoEvent
	loginAck *LoginAckEvent
	cols     []Column
	rows     [][]interface{}
	dones    []DoneEvent
	dbChange [2]string
	parseErr error
}

func (l *recordingListener) OnInfoMessage(ev InfoEvent)  { l.infos = append(l.infos, ev) }
func (l *recordingListener) OnErrorMessage(ev InfoEvent) { l.errors = append(l.errors, ev) }
func (l *recordingListener) OnDatabaseChange(newVal, oldVal string) {
	l.dbChange = [2]string{newVal, oldVal}
}
func (l *recordingListener) OnLanguageChange(newVal, oldVal string) {}
func (l *recordingListener) OnCharsetChange(newVal, oldVal string)  {}
func (l *recordingListener) OnLoginAck(ev LoginAckEvent)            { l.loginAck = &ev }
func (l *recordingListener) OnPacketSizeChange(newSize int)         {}
func (l *recordingListener) OnBeginTransaction(descriptor [8]byte)  {}
func (l *recordingListener) OnCommitTransaction()                   {}
func (l *recordingListener) OnRollbackTransaction()                 {}
func (l *recordingListener) OnColumnMetadata(cols []Column)         { l.cols = cols }
func (l *recordingListener) OnOrder(colIDs []uint16)                {}
func (l *recordingListener) OnRow(values []interface{})             { l.rows = append(l.rows, values) }
func (l *recordingListener) OnReturnStatus(status int32)            {}
func (l *recordingListener) OnReturnValue(ev ReturnValueEvent)      {}
func (l *recordingListener) OnDoneProc(d DoneEvent)                 { l.dones = append(l.dones, d) }
func (l *recordingListener) OnDoneInProc(d DoneEvent)               { l.dones = append(l.dones, d) }
func (l *recordingListener) OnDone(d DoneEvent)                     { l.dones = append(l.dones, d) }
func (l *recordingListener) OnResetConnection()                     {}
func (l *recordingListener) OnTokenStreamError(err error)           { l.parseErr = err }

// buildInfoToken encodes one INFO/ERROR token body the way a server would.
func buildInfoToken(tt TokenType, number int32, state, class byte, message string) []byte {
	var body []byte
	numBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(numBuf, uint32(number))
	body = append(body, numBuf...)
	body = append(body, state, class)

	msgEnc := encodeUCS2(message)
	usLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(usLen, uint16(len([]rune(message))))
	body = append(body, usLen...)
	body = append(body, msgEnc...)

	body = append(body, 0) // server name length 0
	body = append(body, 0) // proc name length 0
	body = append(body, 0, 0, 0, 0) // line number

	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(body)))

	out := []byte{byte(tt)}
	out = append(out, lenBuf...)
	out = append(out, body...)
	return out
}

func buildDoneToken(tt TokenType, status, curCmd uint16, rowCount uint64) []byte {
	out := []byte{byte(tt)}
	statusBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(statusBuf, status)
	out = append(out, statusBuf...)
	curBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(curBuf, curCmd)
	out = append(out, curBuf...)
	rcBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(rcBuf, rowCount)
	out = append(out, rcBuf...)
	return out
}

func TestParserInfoMessage(t *testing.T) {
	listener := &recordingListener{}
	p := NewParser(listener)

	buf := buildInfoToken(TokenInfo, 5701, 1, 0, "Changed database context to 'master'.")
	p.Parse(buf)

	if len(listener.infos) != 1 {
		t.Fatalf("got %d info events, want 1", len(listener.infos))
	}
	if listener.infos[0].Number != 5701 {
		t.Errorf("Number = %d, want 5701", listener.infos[0].Number)
	}
	if listener.infos[0].Message != "Changed database context to 'master'." {
		t.Errorf("Message = %q", listener.infos[0].Message)
	}
	if listener.parseErr != nil {
		t.Errorf("unexpected parse error: %v", listener.parseErr)
	}
}

func TestParserErrorMessage(t *testing.T) {
	listener := &recordingListener{}
	p := NewParser(listener)

	buf := buildInfoToken(TokenError, 18456, 1, 14, "Login failed for user 'sa'.")
	p.Parse(buf)

	if len(listener.errors) != 1 {
		t.Fatalf("got %d error events, want 1", len(listener.errors))
	}
	if listener.errors[0].Message != "Login failed for user 'sa'." {
		t.Errorf("Message = %q", listener.errors[0].Message)
	}
}

func TestParserDoneAccumulatesRowCount(t *testing.T) {
	listener := &recordingListener{}
	p := NewParser(listener)

	buf := buildDoneToken(TokenDone, DoneFinal, 0, 3)
	p.Parse(buf)

	if len(listener.dones) != 1 {
		t.Fatalf("got %d done events, want 1", len(listener.dones))
	}
	if listener.dones[0].RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", listener.dones[0].RowCount)
	}
	if listener.dones[0].HasError() {
		t.Error("DoneFinal should not report HasError")
	}
}

func TestParserColumnMetadataAndRow(t *testing.T) {
	listener := &recordingListener{}
	p := NewParser(listener)

	// COLMETADATA: one INT column named "n"
	var buf []byte
	buf = append(buf, byte(TokenColMetadata))
	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, 1)
	buf = append(buf, countBuf...)
	buf = append(buf, 0, 0, 0, 0) // UserType
	buf = append(buf, 0, 0)       // Flags
	buf = append(buf, byte(TypeInt4))
	buf = append(buf, 1, 'n', 0) // B_VARCHAR name "n" (one UCS-2 code unit)

	// ROW: one int4 value 42
	buf = append(buf, byte(TokenRow))
	valBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(valBuf, 42)
	buf = append(buf, valBuf...)

	// DONE
	buf = append(buf, buildDoneToken(TokenDone, DoneFinal|DoneCount, 0, 1)...)

	p.Parse(buf)

	if len(listener.cols) != 1 || listener.cols[0].Name != "n" {
		t.Fatalf("cols = %+v, want one column named 'n'", listener.cols)
	}
	if len(listener.rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(listener.rows))
	}
	if got := listener.rows[0][0].(int64); got != 42 {
		t.Errorf("row value = %d, want 42", got)
	}
	if len(listener.dones) != 1 || listener.dones[0].RowCount != 1 {
		t.Fatalf("dones = %+v, want one DONE with RowCount=1", listener.dones)
	}
}

func TestParserUnsupportedTokenReportsError(t *testing.T) {
	listener := &recordingListener{}
	p := NewParser(listener)

	p.Parse([]byte{0x00}) // not a recognized token type
	if listener.parseErr == nil {
		t.Fatal("expected OnTokenStreamError to be called for an unrecognized token")
	}
}
