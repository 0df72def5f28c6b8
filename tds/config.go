package tds

import (
	"crypto/tls"
	"time"

	"github.com/gotds/tds/internal/tderrors"
	"github.com/gotds/tds/internal/tdslog"
)

// TDSVersion identifies a negotiated protocol version.
type TDSVersion uint32

const (
	TDS70  TDSVersion = 0x70000000
	TDS71  TDSVersion = 0x71000000
	TDS72  TDSVersion = 0x72090002
	TDS73A TDSVersion = 0x730A0003
	TDS73B TDSVersion = 0x730B0003
	TDS74  TDSVersion = 0x74000004
)

// IsolationLevel mirrors the TRANSACTION_MANAGER begin-transaction isolation
// byte and the equivalent "set transaction isolation level" text sent as
// part of the initial SQL batch.
type IsolationLevel uint8

const (
	IsolationReadUncommitted IsolationLevel = 0x01
	IsolationReadCommitted   IsolationLevel = 0x02
	IsolationRepeatableRead  IsolationLevel = 0x03
	IsolationSerializable    IsolationLevel = 0x04
	IsolationSnapshot        IsolationLevel = 0x05
)

func (l IsolationLevel) sqlText() string {
	switch l {
	case IsolationReadUncommitted:
		return "read uncommitted"
	case IsolationRepeatableRead:
		return "repeatable read"
	case IsolationSerializable:
		return "serializable"
	case IsolationSnapshot:
		return "snapshot"
	default:
		return "read committed"
	}
}

// CryptoCredentialsDetails carries opaque TLS tuning, mirroring the
// "cryptoCredentialsDetails" configuration option; Ciphers defaults to
// the historical "RC4-MD5" string and is not read by the TLS setup,
// since Go's crypto/tls negotiates its own cipher suite list.
type CryptoCredentialsDetails struct {
	Ciphers string
}

// Config holds every recognized driver option. Zero-value fields are
// filled in with DefaultConfig's values by applyDefaults (called from
// NewConnection); Validate enforces the spec's boundary
// checks (port range, port/instanceName exclusivity).
type Config struct {
	Server   string
	UserName string
	Password string

	Port         int
	InstanceName string

	Database string
	AppName  string

	PacketSize int
	TDSVersion TDSVersion

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	CancelTimeout  time.Duration

	Textsize       int64
	IsolationLevel IsolationLevel

	Encrypt                  bool
	CryptoCredentialsDetails CryptoCredentialsDetails
	TLSConfig                *tls.Config

	UseUTC         bool
	UseColumnNames bool

	RowCollectionOnRequestCompletion bool
	RowCollectionOnDone              bool

	Debug bool

	// InstanceLookup resolves Server+InstanceName to a port when Port is
	// unset. Defaults to UDPInstanceLookup.
	InstanceLookup InstanceLookup

	// Logger receives structured logs for the connection. Defaults to a
	// logger built from tdslog.DefaultConfig().
	Logger *tdslog.Logger
}

// DefaultConfig returns a Config with every spec'd default applied. Server,
// UserName, and Password are left empty for the caller to fill in.
func DefaultConfig() *Config {
	return &Config{
		Port:           1433,
		PacketSize:     DefaultPacketSize,
		TDSVersion:     TDS74,
		ConnectTimeout: 15 * time.Second,
		RequestTimeout: 15 * time.Second,
		CancelTimeout:  5 * time.Second,
		Textsize:       2147483647,
		IsolationLevel: IsolationReadCommitted,
		Encrypt:        false,
		CryptoCredentialsDetails: CryptoCredentialsDetails{
			Ciphers: "RC4-MD5",
		},
		UseUTC:         true,
		UseColumnNames: false,
		InstanceLookup: UDPInstanceLookup{},
	}
}

// Validate enforces the boundary rules named in the spec: port and
// instanceName are mutually exclusive, and port (when given) must be in
// (0, 65536).
func (c *Config) Validate() error {
	if c.InstanceName != "" && c.Port != 0 {
		return newConnError(CodeInvalidState, tderrors.New(tderrors.ErrCodeConfigInvalid,
			"port and instanceName are mutually exclusive").
			WithField("port", c.Port).
			WithField("instanceName", c.InstanceName))
	}
	if c.InstanceName == "" && (c.Port <= 0 || c.Port >= 65536) {
		return newConnError(CodeInvalidState, tderrors.Newf(tderrors.ErrCodeConfigValidation,
			"port %d out of range (0, 65536)", c.Port).
			WithField("port", c.Port))
	}
	if c.Server == "" {
		return newConnError(CodeInvalidState, tderrors.New(tderrors.ErrCodeConfigInvalid, "server is required"))
	}
	if c.PacketSize < MinPacketSize || c.PacketSize > MaxPacketSize {
		return newConnError(CodeInvalidState, tderrors.Newf(tderrors.ErrCodeConfigValidation,
			"packetSize %d out of range [%d, %d]", c.PacketSize, MinPacketSize, MaxPacketSize))
	}
	return nil
}

// applyDefaults fills in zero-valued fields that have a spec'd default,
// without overriding fields the caller explicitly set. This lets callers
// construct a Config literal with only the fields they care about.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 && c.InstanceName == "" {
		c.Port = d.Port
	}
	if c.PacketSize == 0 {
		c.PacketSize = d.PacketSize
	}
	if c.TDSVersion == 0 {
		c.TDSVersion = d.TDSVersion
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.CancelTimeout == 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	if c.Textsize == 0 {
		c.Textsize = d.Textsize
	}
	if c.IsolationLevel == 0 {
		c.IsolationLevel = d.IsolationLevel
	}
	if c.CryptoCredentialsDetails.Ciphers == "" {
		c.CryptoCredentialsDetails.Ciphers = d.CryptoCredentialsDetails.Ciphers
	}
	if c.InstanceLookup == nil {
		c.InstanceLookup = d.InstanceLookup
	}
	if c.Logger == nil {
		c.Logger = tdslog.New(tdslog.DefaultConfig())
	}
}

// initialSQL is the fixed session-options batch sent verbatim right after
// login, per the spec's §6 "Initial SQL" block.
func (c *Config) initialSQL() string {
	return "set textsize " + itoa64(c.Textsize) + "\n" +
		"set quoted_identifier on\n" +
		"set arithabort off\n" +
		"set numeric_roundabort off\n" +
		"set ansi_warnings on\n" +
		"set ansi_padding on\n" +
		"set ansi_nulls on\n" +
		"set concat_null_yields_null on\n" +
		"set cursor_close_on_commit off\n" +
		"set implicit_transactions off\n" +
		"set language us_english\n" +
		"set dateformat mdy\n" +
		"set datefirst 7\n" +
		"set transaction isolation level " + c.IsolationLevel.sqlText()
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
