package tds

import (
	"encoding/binary"
	"time"
)

// tdsEpoch is day zero for DATETIME/SMALLDATETIME values: January 1,
// 1900. DATE values use a different epoch (see decodeDate). Grounded on the teacher's decode helpers (old tds/rpc.go).
var tdsEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// decodeSmallDateTime decodes a 4-byte SMALLDATETIME: 2-byte day count
// since tdsEpoch, 2-byte minute-of-day count.
func decodeSmallDateTime(buf []byte) time.Time {
	days := binary.LittleEndian.Uint16(buf[0:2])
	minutes := binary.LittleEndian.Uint16(buf[2:4])
	return tdsEpoch.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
}

// decodeDateTime decodes an 8-byte DATETIME: 4-byte signed day count
// since tdsEpoch, 4-byte count of 1/300ths of a second since midnight.
func decodeDateTime(buf []byte) time.Time {
	days := int32(binary.LittleEndian.Uint32(buf[0:4]))
	ticks := binary.LittleEndian.Uint32(buf[4:8])
	nanos := time.Duration(ticks) * (time.Second / 300)
	return tdsEpoch.AddDate(0, 0, int(days)).Add(nanos)
}

// decodeDate decodes a 3-byte DATE: an unsigned little-endian day count
// since January 1, year 1 (not tdsEpoch).
func decodeDate(buf []byte) time.Time {
	var b4 [4]byte
	copy(b4[:3], buf)
	days := binary.LittleEndian.Uint32(b4[:])
	return time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(days))
}
