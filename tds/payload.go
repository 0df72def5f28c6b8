package tds

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// ucs2Encoding is the TDS wide-string codec: little-endian UTF-16, no
// byte-order mark. Used for every LOGIN7 field, SQL batch text, and
// RPC string parameter. Grounded on denisenkom/go-mssqldb's str2ucs2,
// ported from that driver's cgo/iconv converter to the idiomatic
// golang.org/x/text/encoding/unicode transform.
var ucs2Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeUCS2 encodes s to little-endian UTF-16, the wire form for every
// TDS wide string.
func encodeUCS2(s string) []byte {
	buf, err := ucs2Encoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return buf
}

// prelogin fields, per the spec's PRELOGIN payload format.
const (
	preloginVersion    = 0x00
	preloginEncryption = 0x01
	preloginInstOpt    = 0x02
	preloginThreadID   = 0x03
	preloginMARS       = 0x04
	preloginTerminator = 0xFF
)

// Encryption negotiation values carried in the PRELOGIN ENCRYPTION field.
const (
	EncryptOff    byte = 0x00
	EncryptOn     byte = 0x01
	EncryptNotSup byte = 0x02
	EncryptReq    byte = 0x03
)

// encodePrelogin builds the PRELOGIN request payload: client version,
// requested encryption mode, instance name (for named-instance
// connections; empty otherwise), a zero thread ID, and MARS disabled.
// Grounded on denisenkom/go-mssqldb's writePrelogin and the teacher's
// pkg/tds/prelogin.go (read in the response direction).
func encodePrelogin(instanceName string, encrypt byte) []byte {
	instanceBytes := append([]byte(instanceName), 0)

	fields := []struct {
		id  byte
		val []byte
	}{
		{preloginVersion, []byte{0, 0, 0, 0, 0, 0}},
		{preloginEncryption, []byte{encrypt}},
		{preloginInstOpt, instanceBytes},
		{preloginThreadID, []byte{0, 0, 0, 0}},
		{preloginMARS, []byte{0}},
	}

	headerSize := 5*len(fields) + 1
	offset := uint16(headerSize)

	buf := make([]byte, 0, 128)
	for _, f := range fields {
		size := uint16(len(f.val))
		buf = append(buf, f.id, byte(offset>>8), byte(offset), byte(size>>8), byte(size))
		offset += size
	}
	buf = append(buf, preloginTerminator)
	for _, f := range fields {
		buf = append(buf, f.val...)
	}
	return buf
}

// preloginResponse is the decoded PRELOGIN response: the fields the FSM
// needs out of it (encryption negotiation result, plus raw fields for
// anything an external observer wants).
type preloginResponse struct {
	Encryption byte
	Fields     map[byte][]byte
}

// decodePrelogin parses a PRELOGIN response body into its option/offset/
// length records. Grounded on denisenkom/go-mssqldb's readPrelogin.
func decodePrelogin(body []byte) preloginResponse {
	fields := map[byte][]byte{}
	offset := 0
	for offset < len(body) {
		recType := body[offset]
		if recType == preloginTerminator {
			break
		}
		if offset+5 > len(body) {
			break
		}
		recOffset := binary.BigEndian.Uint16(body[offset+1:])
		recLen := binary.BigEndian.Uint16(body[offset+3:])
		if int(recOffset)+int(recLen) <= len(body) {
			fields[recType] = body[recOffset : recOffset+recLen]
		}
		offset += 5
	}

	enc := EncryptNotSup
	if v, ok := fields[preloginEncryption]; ok && len(v) > 0 {
		enc = v[0]
	}
	return preloginResponse{Encryption: enc, Fields: fields}
}

// loginOptionFlags mirror the bit layout LOGIN7 uses for language,
// ODBC-on, and change-password behaviors; only the few bits the core
// cares about are named.
const (
	login7OptionFlag1UseDB     uint8 = 0x20
	login7OptionFlag1SetLang   uint8 = 0x08
	login7OptionFlag3Unused    uint8 = 0x00
)

// login7Fields carries the LOGIN7 values the core needs to encode;
// anything not surfaced by Config gets TDS-conventional defaults.
type login7Fields struct {
	TDSVersion TDSVersion
	PacketSize uint32
	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	Language   string
	Database   string
	ClientPID  uint32
}

// manglePassword applies the TDS LOGIN7 password obfuscation: swap the
// nibbles of each UCS-2 byte, then XOR with 0xA5. Grounded on
// denisenkom/go-mssqldb's manglePassword.
func manglePassword(password string) []byte {
	buf := encodeUCS2(password)
	for i, b := range buf {
		buf[i] = ((b<<4)&0xFF | (b >> 4)) ^ 0xA5
	}
	return buf
}

// encodeLogin7 builds the LOGIN7 payload: a fixed-size header naming the
// offset/length of each variable field, followed by the fields
// themselves in that order. Grounded on denisenkom/go-mssqldb's
// sendLogin (loginHeader/sendLogin), inverted from a server read into a
// client write of the identical wire shape.
func encodeLogin7(f login7Fields) []byte {
	hostname := encodeUCS2(f.HostName)
	username := encodeUCS2(f.UserName)
	password := manglePassword(f.Password)
	appname := encodeUCS2(f.AppName)
	servername := encodeUCS2(f.ServerName)
	language := encodeUCS2(f.Language)
	database := encodeUCS2(f.Database)

	const headerSize = 94 // fixed LOGIN7 header length up to ClientID+SSPI offsets, TDS 7.x
	buf := make([]byte, headerSize)

	offset := uint16(headerSize)
	putVarField := func(fieldOffsetPos int, data []byte, numUnits uint16) {
		binary.LittleEndian.PutUint16(buf[fieldOffsetPos:], offset)
		binary.LittleEndian.PutUint16(buf[fieldOffsetPos+2:], numUnits)
		buf = append(buf, data...)
		offset += uint16(len(data))
	}

	binary.LittleEndian.PutUint32(buf[4:], uint32(f.TDSVersion))
	binary.LittleEndian.PutUint32(buf[8:], f.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:], 7)        // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:], f.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:], 0) // ConnectionID
	buf[24] = login7OptionFlag1UseDB | login7OptionFlag1SetLang
	buf[25] = 0 // OptionFlags2
	buf[26] = 0 // TypeFlags
	buf[27] = login7OptionFlag3Unused
	binary.LittleEndian.PutUint32(buf[28:], 0) // ClientTimeZone
	binary.LittleEndian.PutUint32(buf[32:], 0) // ClientLCID

	putVarField(36, hostname, uint16(len(f.HostName)))
	putVarField(40, username, uint16(len(f.UserName)))
	putVarField(44, password, uint16(len(f.Password)))
	putVarField(48, appname, uint16(len(f.AppName)))
	putVarField(52, servername, uint16(len(f.ServerName)))
	// bytes 56-59: extension offset/length, unused (no FeatureExt block)
	putVarField(60, nil, 0) // CtlIntName
	putVarField(64, language, uint16(len(f.Language)))
	putVarField(68, database, uint16(len(f.Database)))
	// bytes 72-77: ClientID (6 bytes), left zero
	putVarField(80, nil, 0) // SSPI
	putVarField(84, nil, 0) // AtchDBFile
	putVarField(88, nil, 0) // ChangePassword
	binary.LittleEndian.PutUint32(buf[90:], 0) // SSPILongLength

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}

// encodeSQLBatch builds a SQL_BATCH payload: the UCS-2 encoded SQL text,
// preceded by ALL_HEADERS carrying the current transaction descriptor.
// Grounded on denisenkom/go-mssqldb's sendSqlBatch72/writeAllHeaders.
func encodeSQLBatch(sql string, txnDescriptor [8]byte) []byte {
	headers := encodeAllHeaders(txnDescriptor)
	return append(headers, encodeUCS2(sql)...)
}

// dataStmHdrTransDescr identifies the MARS transaction-descriptor header
// in ALL_HEADERS, the only header type the core needs to emit.
const dataStmHdrTransDescr uint16 = 2

// encodeAllHeaders builds the ALL_HEADERS block every SQL_BATCH and
// RPC_REQUEST payload is prefixed with: a total-length uint32 followed
// by one or more (length, type, data) header records.
func encodeAllHeaders(txnDescriptor [8]byte) []byte {
	data := make([]byte, 12) // 8-byte descriptor + 4-byte outstanding request count
	copy(data, txnDescriptor[:])
	binary.LittleEndian.PutUint32(data[8:], 1)

	headerLen := uint32(4 + 2 + len(data))
	total := uint32(4) + headerLen

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, total)
	hdrBuf := make([]byte, 4+2)
	binary.LittleEndian.PutUint32(hdrBuf, headerLen)
	binary.LittleEndian.PutUint16(hdrBuf[4:], dataStmHdrTransDescr)
	buf = append(buf, hdrBuf...)
	buf = append(buf, data...)
	return buf
}

// RPCOption flags carried in an RPC_REQUEST's option word.
const (
	rpcOptionWithRecomp  uint16 = 0x0001
	rpcOptionNoMetadata  uint16 = 0x0002
)

// encodeRPCRequest builds an RPC_REQUEST payload invoking procID by
// numeric ID (the well-known system procedures, e.g. sp_executesql) with
// the given already-encoded parameter bytes appended verbatim.
// Grounded on the teacher's ProcID* constants (old tds/rpc.go) and
// denisenkom/go-mssqldb's header/procedure-name encoding convention.
func encodeRPCRequest(procID uint16, params []byte, txnDescriptor [8]byte) []byte {
	buf := encodeAllHeaders(txnDescriptor)
	buf = append(buf, 0xFF, 0xFF) // NameLenProcID == 0xFFFF signals "by ID" form
	procIDBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(procIDBuf, procID)
	buf = append(buf, procIDBuf...)
	optBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(optBuf, 0)
	buf = append(buf, optBuf...)
	return append(buf, params...)
}

// encodeRPCParam encodes one RPC parameter: name (possibly empty for
// positional params), status flags, TYPE_INFO, and value, in the shape
// the server expects for execute/sp_executesql-style calls.
func encodeRPCParam(name string, status byte, typeInfo []byte, value []byte) []byte {
	buf := []byte{byte(len(name))}
	buf = append(buf, encodeUCS2(name)...)
	buf = append(buf, status)
	buf = append(buf, typeInfo...)
	buf = append(buf, value...)
	return buf
}

// encodeNVarCharParamValue builds the TYPE_INFO + value bytes for an
// NVARCHAR RPC parameter, the shape sp_executesql's @stmt and @params
// arguments need.
func encodeNVarCharParamValue(s string) (typeInfo, value []byte) {
	encoded := encodeUCS2(s)
	maxLen := uint16(4000)
	if len(encoded) > int(maxLen) {
		maxLen = 0xFFFF
	}
	typeInfo = make([]byte, 1+2+5)
	typeInfo[0] = byte(TypeNVarChar)
	binary.LittleEndian.PutUint16(typeInfo[1:], maxLen)
	copy(typeInfo[3:], DefaultCollation)

	value = make([]byte, 2+len(encoded))
	binary.LittleEndian.PutUint16(value, uint16(len(encoded)))
	copy(value[2:], encoded)
	return typeInfo, value
}

// encodeAttention builds the (empty) ATTENTION payload.
func encodeAttention() []byte {
	return nil
}

// TransactionManager request types, carried in the first 2 bytes of a
// TRANSACTION_MANAGER payload.
const (
	tmReqBeginXact  uint16 = 5
	tmReqCommitXact uint16 = 7
	tmReqRollbackXact uint16 = 8
)

// encodeBeginTransaction builds a TRANSACTION_MANAGER "begin" payload.
func encodeBeginTransaction(isolation IsolationLevel, name string, txnDescriptor [8]byte) []byte {
	buf := encodeAllHeaders(txnDescriptor)
	req := make([]byte, 2+1)
	binary.LittleEndian.PutUint16(req, tmReqBeginXact)
	req[2] = byte(isolation)
	buf = append(buf, req...)
	buf = append(buf, byte(len([]rune(name))))
	buf = append(buf, encodeUCS2(name)...)
	return buf
}

// encodeCommitTransaction builds a TRANSACTION_MANAGER "commit" payload.
func encodeCommitTransaction(name string, txnDescriptor [8]byte) []byte {
	buf := encodeAllHeaders(txnDescriptor)
	req := make([]byte, 2)
	binary.LittleEndian.PutUint16(req, tmReqCommitXact)
	buf = append(buf, req...)
	buf = append(buf, byte(len([]rune(name))))
	buf = append(buf, encodeUCS2(name)...)
	buf = append(buf, 0) // flags
	return buf
}

// encodeRollbackTransaction builds a TRANSACTION_MANAGER "rollback" payload.
func encodeRollbackTransaction(name string, txnDescriptor [8]byte) []byte {
	buf := encodeAllHeaders(txnDescriptor)
	req := make([]byte, 2)
	binary.LittleEndian.PutUint16(req, tmReqRollbackXact)
	buf = append(buf, req...)
	buf = append(buf, byte(len([]rune(name))))
	buf = append(buf, encodeUCS2(name)...)
	buf = append(buf, 0) // flags
	return buf
}
