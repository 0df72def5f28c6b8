package tds

import "testing"

func TestEncodeDecodePreloginNoEncryption(t *testing.T) {
	payload := encodePrelogin("", EncryptOff)
	resp := decodePrelogin(payload)
	if resp.Encryption != EncryptOff {
		t.Fatalf("Encryption = %v, want EncryptOff", resp.Encryption)
	}
}

func TestEncodeDecodePreloginWithInstanceAndEncryption(t *testing.T) {
	payload := encodePrelogin("SQLEXPRESS", EncryptOn)
	resp := decodePrelogin(payload)
	if resp.Encryption != EncryptOn {
		t.Fatalf("Encryption = %v, want EncryptOn", resp.Encryption)
	}
	inst, ok := resp.Fields[preloginInstOpt]
	if !ok {
		t.Fatal("instance option field missing from round trip")
	}
	if got := string(inst[:len(inst)-1]); got != "SQLEXPRESS" {
		t.Fatalf("instance field = %q, want %q", got, "SQLEXPRESS")
	}
}

func TestDecodePreloginStopsAtTerminator(t *testing.T) {
	resp := decodePrelogin([]byte{preloginTerminator})
	if resp.Encryption != EncryptNotSup {
		t.Fatalf("Encryption = %v, want EncryptNotSup default", resp.Encryption)
	}
	if len(resp.Fields) != 0 {
		t.Fatalf("Fields = %v, want empty", resp.Fields)
	}
}

func TestManglePasswordIsInvolutionFriendly(t *testing.T) {
	got := manglePassword("hunter2")
	if len(got) != len(encodeUCS2("hunter2")) {
		t.Fatalf("mangled length = %d, want %d", len(got), len(encodeUCS2("hunter2")))
	}
	// unmangle and compare against the plain UCS-2 encoding
	plain := encodeUCS2("hunter2")
	for i, b := range got {
		unmangled := (b ^ 0xA5)
		unmangled = (unmangled>>4)&0xFF | (unmangled << 4)
		if unmangled != plain[i] {
			t.Fatalf("byte %d: unmangle(mangle(x)) = %#x, want %#x", i, unmangled, plain[i])
		}
	}
}

func TestEncodeLogin7CarriesLengthPrefix(t *testing.T) {
	f := login7Fields{
		TDSVersion: TDS74,
		PacketSize: 4096,
		HostName:   "testhost",
		UserName:   "sa",
		Password:   "secret",
		AppName:    "gotds",
		ServerName: "db1",
		Database:   "master",
		ClientPID:  1234,
	}
	buf := encodeLogin7(f)
	if len(buf) < 94 {
		t.Fatalf("LOGIN7 payload too short: %d bytes", len(buf))
	}
	length := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if int(length) != len(buf) {
		t.Fatalf("declared length %d, actual %d", length, len(buf))
	}
}

func TestEncodeAllHeadersCarriesDescriptor(t *testing.T) {
	desc := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf := encodeAllHeaders(desc)
	// total length (4) + header length (4) + header type (2) + 8-byte descriptor
	if len(buf) < 4+4+2+8 {
		t.Fatalf("ALL_HEADERS too short: %d bytes", len(buf))
	}
	gotDesc := buf[10:18]
	for i, b := range desc {
		if gotDesc[i] != b {
			t.Fatalf("descriptor byte %d = %#x, want %#x", i, gotDesc[i], b)
		}
	}
}

func TestEncodeSQLBatchContainsEncodedText(t *testing.T) {
	buf := encodeSQLBatch("select 1", [8]byte{})
	wantTail := encodeUCS2("select 1")
	if len(buf) < len(wantTail) {
		t.Fatalf("SQL_BATCH payload too short")
	}
	got := buf[len(buf)-len(wantTail):]
	for i := range wantTail {
		if got[i] != wantTail[i] {
			t.Fatalf("encoded SQL text mismatch at byte %d", i)
		}
	}
}

func TestEncodeNVarCharParamValueSmall(t *testing.T) {
	ti, val := encodeNVarCharParamValue("hello")
	if SQLType(ti[0]) != TypeNVarChar {
		t.Fatalf("type byte = %#x, want NVARCHAR", ti[0])
	}
	encoded := encodeUCS2("hello")
	gotLen := uint16(val[0]) | uint16(val[1])<<8
	if int(gotLen) != len(encoded) {
		t.Fatalf("declared value length %d, want %d", gotLen, len(encoded))
	}
}
