package tds

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
)

// SQLType identifies a TDS wire type.
type SQLType uint8

const (
	TypeNull     SQLType = 0x1F
	TypeInt1     SQLType = 0x30
	TypeBit      SQLType = 0x32
	TypeInt2     SQLType = 0x34
	TypeInt4     SQLType = 0x38
	TypeDateTime4 SQLType = 0x3A
	TypeFloat4   SQLType = 0x3B
	TypeMoney    SQLType = 0x3C
	TypeDateTime SQLType = 0x3D
	TypeFloat8   SQLType = 0x3E
	TypeMoney4   SQLType = 0x7A
	TypeInt8     SQLType = 0x7F

	TypeGUID       SQLType = 0x24
	TypeIntN       SQLType = 0x26
	TypeDecimalN   SQLType = 0x6A
	TypeNumericN   SQLType = 0x6C
	TypeBitN       SQLType = 0x68
	TypeDecimal    SQLType = 0x37
	TypeNumeric    SQLType = 0x3F
	TypeFloatN     SQLType = 0x6D
	TypeMoneyN     SQLType = 0x6E
	TypeDateTimeN  SQLType = 0x6F
	TypeDateN      SQLType = 0x28
	TypeTimeN      SQLType = 0x29
	TypeDateTime2N SQLType = 0x2A
	TypeDateTimeOffsetN SQLType = 0x2B

	TypeChar      SQLType = 0x2F
	TypeVarChar   SQLType = 0x27
	TypeBinary    SQLType = 0x2D
	TypeVarBinary SQLType = 0x25

	TypeBigVarBin  SQLType = 0xA5
	TypeBigVarChar SQLType = 0xA7
	TypeBigBinary  SQLType = 0xAD
	TypeBigChar    SQLType = 0xAF
	TypeNVarChar   SQLType = 0xE7
	TypeNChar      SQLType = 0xEF
	TypeXML        SQLType = 0xF1

	TypeText  SQLType = 0x23
	TypeImage SQLType = 0x22
	TypeNText SQLType = 0x63
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8, TypeFloatN:
		return "FLOAT"
	case TypeMoney, TypeMoney4, TypeMoneyN:
		return "MONEY"
	case TypeDateTime, TypeDateTime4, TypeDateTimeN:
		return "DATETIME"
	case TypeDecimalN, TypeDecimal:
		return "DECIMAL"
	case TypeNumericN, TypeNumeric:
		return "NUMERIC"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeChar, TypeBigChar:
		return "CHAR"
	case TypeVarChar, TypeBigVarChar:
		return "VARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeBinary, TypeBigBinary:
		return "BINARY"
	case TypeVarBinary, TypeBigVarBin:
		return "VARBINARY"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	default:
		return fmt.Sprintf("TYPE(0x%02X)", uint8(t))
	}
}

// ColFlag bits in COLMETADATA's Flags field.
const (
	ColFlagNullable    uint16 = 0x0001
	ColFlagCaseSen     uint16 = 0x0002
	ColFlagIdentity    uint16 = 0x0010
	ColFlagComputed    uint16 = 0x0020
)

// DefaultCollation is the collation advertised for ASCII string columns
// that do not specify one (Latin1_General_CI_AS, the common default).
var DefaultCollation = []byte{0x09, 0x04, 0xD0, 0x00, 0x34}

// Column describes one column of a result set, decoded from COLMETADATA.
type Column struct {
	Name      string
	Type      SQLType
	Length    uint32
	Precision uint8
	Scale     uint8
	Nullable  bool
	Flags     uint16
	Collation []byte
	UserType  uint32
	TableName string
}

// ucs2Decoding is the TDS wide-string decode side, shared with
// payload.go's encoder: little-endian UTF-16, no byte-order mark.
var ucs2Decoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeUCS2 decodes a little-endian UTF-16 byte slice to a string, the
// wire form of every TDS wide string field parsed out of INFO/ERROR
// messages, column names, and ENVCHANGE values.
func decodeUCS2(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out, err := ucs2Decoding.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// decodeDecimalBytes decodes a TDS DECIMALN/NUMERICN value into a
// shopspring/decimal.Decimal, honoring the sign byte and scale.
func decodeDecimalBytes(b []byte, scale uint8) (decimal.Decimal, error) {
	if len(b) == 0 {
		return decimal.Zero, nil
	}

	sign := b[0]
	data := b[1:]

	be := make([]byte, len(data))
	for i, v := range data {
		be[len(data)-1-i] = v
	}
	coeff := new(big.Int).SetBytes(be)

	d := decimal.NewFromBigInt(coeff, -int32(scale))
	if sign == 0 {
		d = d.Neg()
	}
	return d, nil
}

// encodeDecimalBytes encodes a decimal.Decimal into the TDS DECIMALN/NUMERICN
// wire representation for the given precision/scale, for use as an RPC
// parameter value or a returned output parameter.
func encodeDecimalBytes(d decimal.Decimal, precision, scale uint8) []byte {
	scaled := d.Round(int32(scale))
	coeff := scaled.Coefficient()

	byteLen := decimalByteLen(precision)
	buf := make([]byte, byteLen)

	sign := byte(1)
	if coeff.Sign() < 0 {
		sign = 0
		coeff.Neg(coeff)
	}

	raw := coeff.Bytes() // big-endian
	for i := 0; i < len(raw) && i < byteLen-1; i++ {
		buf[i] = raw[len(raw)-1-i]
	}

	out := make([]byte, byteLen)
	out[0] = sign
	copy(out[1:], buf)
	return out
}

func decimalByteLen(precision uint8) int {
	switch {
	case precision <= 9:
		return 5
	case precision <= 19:
		return 9
	case precision <= 28:
		return 13
	default:
		return 17
	}
}

// guidString renders a TDS-ordered 16-byte GUID as the canonical string form.
func guidString(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	return fmt.Sprintf("%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15])
}

// parseGUIDString parses a canonical GUID string into TDS byte order.
func parseGUIDString(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return nil, fmt.Errorf("tds: malformed GUID %q", s)
	}
	result := make([]byte, 16)
	for i := 0; i < 16; i++ {
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &result[i]); err != nil {
			return nil, fmt.Errorf("tds: malformed GUID %q: %w", s, err)
		}
	}
	result[0], result[3] = result[3], result[0]
	result[1], result[2] = result[2], result[1]
	result[4], result[5] = result[5], result[4]
	result[6], result[7] = result[7], result[6]
	return result, nil
}
