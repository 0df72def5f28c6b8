package tds

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// TokenType identifies a TDS token-stream token, as found in a
// TABULAR_RESULT message body.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79
	TokenColMetadata   TokenType = 0x81
	TokenOrder         TokenType = 0xA9
	TokenError         TokenType = 0xAA
	TokenInfo          TokenType = 0xAB
	TokenReturnValue   TokenType = 0xAC
	TokenLoginAck      TokenType = 0xAD
	TokenFeatureExtAck TokenType = 0xAE
	TokenRow           TokenType = 0xD1
	TokenNBCRow        TokenType = 0xD2
	TokenEnvChange     TokenType = 0xE3
	TokenSSPI          TokenType = 0xED
	TokenFedAuthInfo   TokenType = 0xEE
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF
)

func (t TokenType) String() string {
	switch t {
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenOrder:
		return "ORDER"
	case TokenError:
		return "ERROR"
	case TokenInfo:
		return "INFO"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenRow:
		return "ROW"
	case TokenNBCRow:
		return "NBCROW"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenSSPI:
		return "SSPI"
	case TokenFedAuthInfo:
		return "FEDAUTHINFO"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("TOKEN(0x%02X)", uint8(t))
	}
}

// Done status bits, carried by DONE/DONEPROC/DONEINPROC tokens.
const (
	DoneFinal    uint16 = 0x00
	DoneMore     uint16 = 0x01
	DoneError    uint16 = 0x02
	DoneInxact   uint16 = 0x04
	DoneCount    uint16 = 0x10
	DoneAttn     uint16 = 0x20
	DoneSrvError uint16 = 0x100
)

// ENVCHANGE sub-types relevant to the core (database/packet-size/
// begin-commit-rollback transaction descriptor changes).
const (
	EnvDatabase        uint8 = 1
	EnvLanguage        uint8 = 2
	EnvCharset         uint8 = 3
	EnvPacketSize      uint8 = 4
	EnvBeginTransaction    uint8 = 8
	EnvCommitTransaction   uint8 = 9
	EnvRollbackTransaction uint8 = 10
	EnvResetConnection     uint8 = 18
)

// LOGINACK interface bytes.
const (
	LoginAckInterfaceSQL   uint8 = 0
	LoginAckInterfaceTSQL  uint8 = 1
)

// DoneEvent carries the fields of a DONE/DONEPROC/DONEINPROC token.
type DoneEvent struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d DoneEvent) Attention() bool { return d.Status&DoneAttn != 0 }
func (d DoneEvent) HasError() bool  { return d.Status&DoneError != 0 }
func (d DoneEvent) More() bool      { return d.Status&DoneMore != 0 }

// InfoEvent carries an INFO or ERROR token's fields.
type InfoEvent struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNumber int32
}

// LoginAckEvent carries a LOGINACK token's fields.
type LoginAckEvent struct {
	Interface    uint8
	TDSVersion   TDSVersion
	ProgName     string
	ProgVersion  uint32
}

// EnvChangeEvent carries an ENVCHANGE token's fields; Descriptor is
// populated only for the transaction sub-types.
type EnvChangeEvent struct {
	Type       uint8
	NewValue   string
	OldValue   string
	Descriptor [8]byte
	PacketSize int
}

// ReturnValueEvent carries a RETURNVALUE token's fields.
type ReturnValueEvent struct {
	ParamName string
	ParamOrdinal uint16
	Value     interface{}
}

// Listener is the token-stream parser's event contract (spec §4.4). The
// Connection is the sole listener; a default implementation satisfying
// this role is provided by Parser below so Connect is exercisable without
// a caller-supplied decoder.
type Listener interface {
	OnInfoMessage(InfoEvent)
	OnErrorMessage(InfoEvent)
	OnDatabaseChange(newVal, oldVal string)
	OnLanguageChange(newVal, oldVal string)
	OnCharsetChange(newVal, oldVal string)
	OnLoginAck(LoginAckEvent)
	OnPacketSizeChange(newSize int)
	OnBeginTransaction(descriptor [8]byte)
	OnCommitTransaction()
	OnRollbackTransaction()
	OnColumnMetadata(cols []Column)
	OnOrder(colIDs []uint16)
	OnRow(values []interface{})
	OnReturnStatus(status int32)
	OnReturnValue(ReturnValueEvent)
	OnDoneProc(DoneEvent)
	OnDoneInProc(DoneEvent)
	OnDone(DoneEvent)
	OnResetConnection()
	OnTokenStreamError(error)
}

// Parser decodes a TABULAR_RESULT message body into Listener calls. It
// is stateful only across columnMetadata→row within one message (it
// remembers the last COLMETADATA to interpret subsequent ROW tokens),
// matching the server's wire contract. Decoding is grounded in the
// teacher's rpcReader (old tds/rpc.go) and old tds/token.go's constants,
// read in the opposite (decode) direction.
type Parser struct {
	listener Listener
	cols     []Column
}

// NewParser builds a Parser that reports decoded tokens to listener.
func NewParser(listener Listener) *Parser {
	return &Parser{listener: listener}
}

// Parse decodes every token in buf, in order, reporting each to the
// listener. A malformed token stream is reported via OnTokenStreamError
// and parsing stops (spec: token-stream parse failure is fatal to the
// connection).
func (p *Parser) Parse(buf []byte) {
	r := &tokenReader{r: bufio.NewReader(newByteReader(buf))}
	for {
		tt, err := r.readByte()
		if err == io.EOF {
			return
		}
		if err != nil {
			p.listener.OnTokenStreamError(err)
			return
		}
		if err := p.parseOne(TokenType(tt), r); err != nil {
			p.listener.OnTokenStreamError(err)
			return
		}
	}
}

func (p *Parser) parseOne(tt TokenType, r *tokenReader) error {
	switch tt {
	case TokenLoginAck:
		return p.parseLoginAck(r)
	case TokenEnvChange:
		return p.parseEnvChange(r)
	case TokenInfo:
		return p.parseInfoOrError(r, false)
	case TokenError:
		return p.parseInfoOrError(r, true)
	case TokenColMetadata:
		return p.parseColMetadata(r)
	case TokenOrder:
		return p.parseOrder(r)
	case TokenRow:
		return p.parseRow(r)
	case TokenNBCRow:
		return p.parseNBCRow(r)
	case TokenReturnStatus:
		return p.parseReturnStatus(r)
	case TokenReturnValue:
		return p.parseReturnValue(r)
	case TokenDone:
		d, err := p.parseDoneFields(r)
		if err != nil {
			return err
		}
		p.listener.OnDone(d)
		return nil
	case TokenDoneProc:
		d, err := p.parseDoneFields(r)
		if err != nil {
			return err
		}
		p.listener.OnDoneProc(d)
		return nil
	case TokenDoneInProc:
		d, err := p.parseDoneFields(r)
		if err != nil {
			return err
		}
		p.listener.OnDoneInProc(d)
		return nil
	case TokenFeatureExtAck, TokenSSPI, TokenFedAuthInfo:
		return p.skipUnknownLength(r)
	default:
		return fmt.Errorf("tds: unsupported token 0x%02X", uint8(tt))
	}
}

func (p *Parser) skipUnknownLength(r *tokenReader) error {
	n, err := r.readUint16()
	if err != nil {
		return err
	}
	return r.skip(int(n))
}

func (p *Parser) parseLoginAck(r *tokenReader) error {
	if _, err := r.readUint16(); err != nil { // token length
		return err
	}
	iface, err := r.readByte()
	if err != nil {
		return err
	}
	var ver [4]byte
	if err := r.readFull(ver[:]); err != nil {
		return err
	}
	progName, err := r.readBVarChar()
	if err != nil {
		return err
	}
	progVer, err := r.readUint32()
	if err != nil {
		return err
	}
	p.listener.OnLoginAck(LoginAckEvent{
		Interface:   iface,
		TDSVersion:  TDSVersion(binary.BigEndian.Uint32(ver[:])),
		ProgName:    progName,
		ProgVersion: progVer,
	})
	return nil
}

func (p *Parser) parseEnvChange(r *tokenReader) error {
	length, err := r.readUint16()
	if err != nil {
		return err
	}
	body, err := r.readN(int(length))
	if err != nil {
		return err
	}
	br := &tokenReader{r: bufio.NewReader(newByteReader(body))}
	envType, err := br.readByte()
	if err != nil {
		return err
	}

	switch envType {
	case EnvBeginTransaction, EnvCommitTransaction, EnvRollbackTransaction:
		newLen, err := br.readByte()
		if err != nil {
			return err
		}
		descBytes, err := br.readN(int(newLen))
		if err != nil {
			return err
		}
		var desc [8]byte
		copy(desc[:], descBytes)
		if _, err := br.readByte(); err != nil && err != io.EOF { // old value length, always 0
			return err
		}
		switch envType {
		case EnvBeginTransaction:
			p.listener.OnBeginTransaction(desc)
		case EnvCommitTransaction:
			p.listener.OnCommitTransaction()
		case EnvRollbackTransaction:
			p.listener.OnRollbackTransaction()
		}
		return nil
	case EnvPacketSize:
		newVal, err := br.readBVarChar()
		if err != nil {
			return err
		}
		if _, err := br.readBVarChar(); err != nil { // old value
			return err
		}
		var size int
		fmt.Sscanf(newVal, "%d", &size)
		p.listener.OnPacketSizeChange(size)
		return nil
	case EnvDatabase, EnvLanguage, EnvCharset:
		newVal, err := br.readBVarChar()
		if err != nil {
			return err
		}
		oldVal, err := br.readBVarChar()
		if err != nil {
			return err
		}
		switch envType {
		case EnvDatabase:
			p.listener.OnDatabaseChange(newVal, oldVal)
		case EnvLanguage:
			p.listener.OnLanguageChange(newVal, oldVal)
		case EnvCharset:
			p.listener.OnCharsetChange(newVal, oldVal)
		}
		return nil
	case EnvResetConnection:
		p.listener.OnResetConnection()
		return nil
	default:
		return nil // unhandled sub-type, ignore rather than fail the stream
	}
}

func (p *Parser) parseInfoOrError(r *tokenReader, isError bool) error {
	length, err := r.readUint16()
	if err != nil {
		return err
	}
	body, err := r.readN(int(length))
	if err != nil {
		return err
	}
	br := &tokenReader{r: bufio.NewReader(newByteReader(body))}

	number, err := br.readInt32()
	if err != nil {
		return err
	}
	state, err := br.readByte()
	if err != nil {
		return err
	}
	class, err := br.readByte()
	if err != nil {
		return err
	}
	message, err := br.readUsVarChar()
	if err != nil {
		return err
	}
	serverName, err := br.readBVarChar()
	if err != nil {
		return err
	}
	procName, err := br.readBVarChar()
	if err != nil {
		return err
	}
	lineNumber, err := br.readInt32()
	if err != nil {
		return err
	}

	ev := InfoEvent{
		Number:     number,
		State:      state,
		Class:      class,
		Message:    message,
		ServerName: serverName,
		ProcName:   procName,
		LineNumber: lineNumber,
	}
	if isError {
		p.listener.OnErrorMessage(ev)
	} else {
		p.listener.OnInfoMessage(ev)
	}
	return nil
}

func (p *Parser) parseColMetadata(r *tokenReader) error {
	count, err := r.readUint16()
	if err != nil {
		return err
	}
	if count == 0xFFFF {
		p.cols = nil
		p.listener.OnColumnMetadata(nil)
		return nil
	}

	cols := make([]Column, count)
	for i := range cols {
		userType, err := r.readUint32()
		if err != nil {
			return err
		}
		flags, err := r.readUint16()
		if err != nil {
			return err
		}
		typ, err := r.readByte()
		if err != nil {
			return err
		}
		col := Column{Type: SQLType(typ), UserType: userType, Flags: flags, Nullable: flags&ColFlagNullable != 0}
		if err := r.readTypeInfo(&col); err != nil {
			return err
		}
		name, err := r.readBVarChar()
		if err != nil {
			return err
		}
		col.Name = name
		cols[i] = col
	}
	p.cols = cols
	p.listener.OnColumnMetadata(cols)
	return nil
}

func (p *Parser) parseOrder(r *tokenReader) error {
	length, err := r.readUint16()
	if err != nil {
		return err
	}
	n := int(length) / 2
	ids := make([]uint16, n)
	for i := range ids {
		v, err := r.readUint16()
		if err != nil {
			return err
		}
		ids[i] = v
	}
	p.listener.OnOrder(ids)
	return nil
}

func (p *Parser) parseRow(r *tokenReader) error {
	values := make([]interface{}, len(p.cols))
	for i, col := range p.cols {
		v, err := r.readValue(col)
		if err != nil {
			return err
		}
		values[i] = v
	}
	p.listener.OnRow(values)
	return nil
}

// parseNBCRow decodes a Null Bitmap Compressed Row: a ceil(numCols/8)-byte
// bitmap (bit N set means column N is NULL, LSB first) followed by the
// wire encoding of only the non-NULL columns, in column order. This is
// the format the server uses for any result row with at least one
// NULL-able column, so it is exercised far more often than plain ROW.
// Grounded on the teacher's BuildNullBitmap/IsNullInBitmap (old
// pkg/tds/nbcrow.go), read here in the decode direction.
func (p *Parser) parseNBCRow(r *tokenReader) error {
	n := len(p.cols)
	bitmap, err := r.readN((n + 7) / 8)
	if err != nil {
		return err
	}
	values := make([]interface{}, n)
	for i, col := range p.cols {
		if nbcBitmapIsNull(bitmap, i) {
			continue
		}
		v, err := r.readValue(col)
		if err != nil {
			return err
		}
		values[i] = v
	}
	p.listener.OnRow(values)
	return nil
}

func nbcBitmapIsNull(bitmap []byte, col int) bool {
	byteIndex := col / 8
	if byteIndex >= len(bitmap) {
		return false
	}
	return bitmap[byteIndex]&(1<<uint(col%8)) != 0
}

func (p *Parser) parseReturnStatus(r *tokenReader) error {
	v, err := r.readInt32()
	if err != nil {
		return err
	}
	p.listener.OnReturnStatus(v)
	return nil
}

func (p *Parser) parseReturnValue(r *tokenReader) error {
	if _, err := r.readUint16(); err != nil { // param ordinal in TDS 7.2+; treated opaquely here
		return err
	}
	name, err := r.readBVarChar()
	if err != nil {
		return err
	}
	if _, err := r.readByte(); err != nil { // status
		return err
	}
	if _, err := r.readUint32(); err != nil { // user type
		return err
	}
	if _, err := r.readUint16(); err != nil { // flags
		return err
	}
	var col Column
	typ, err := r.readByte()
	if err != nil {
		return err
	}
	col.Type = SQLType(typ)
	if err := r.readTypeInfo(&col); err != nil {
		return err
	}
	value, err := r.readValue(col)
	if err != nil {
		return err
	}
	p.listener.OnReturnValue(ReturnValueEvent{ParamName: name, Value: value})
	return nil
}

func (p *Parser) parseDoneFields(r *tokenReader) (DoneEvent, error) {
	status, err := r.readUint16()
	if err != nil {
		return DoneEvent{}, err
	}
	curCmd, err := r.readUint16()
	if err != nil {
		return DoneEvent{}, err
	}
	rowCount, err := r.readUint64()
	if err != nil {
		return DoneEvent{}, err
	}
	return DoneEvent{Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}
