package tds

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gotds/tds/internal/tderrors"
)

// InstanceLookup resolves a named instance on a server to the TCP port it
// is currently listening on. The core treats this as an external
// collaborator (spec §1); Connect calls it only when Config.Port is unset
// and Config.InstanceName is set.
type InstanceLookup interface {
	LookupPort(ctx context.Context, server, instanceName string) (int, error)
}

// UDPInstanceLookup is the default InstanceLookup, speaking the SQL
// Server Browser service protocol on UDP/1434: it sends a single-byte
// request (0x03) to the named server and parses the semicolon-delimited instance listing the
// browser service returns, grounded on denisenkom/go-mssqldb's
// getInstances/parseInstances.
type UDPInstanceLookup struct {
	// Timeout bounds the UDP round trip. Zero means 5 seconds.
	Timeout time.Duration
}

const sqlBrowserPort = 1434

func (l UDPInstanceLookup) LookupPort(ctx context.Context, server, instanceName string) (int, error) {
	timeout := l.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	addr := net.JoinHostPort(server, strconv.Itoa(sqlBrowserPort))
	conn, err := net.DialTimeout("udp", addr, timeout)
	if err != nil {
		return 0, newConnError(CodeInstanceLookup, tderrors.Wrapf(err, tderrors.ErrCodeInstanceLookup,
			"dial sql browser at %s", addr))
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return 0, newConnError(CodeInstanceLookup, tderrors.Wrap(err, tderrors.ErrCodeInstanceLookup, "set deadline"))
	}

	if _, err := conn.Write([]byte{0x03}); err != nil {
		return 0, newConnError(CodeInstanceLookup, tderrors.Wrap(err, tderrors.ErrCodeInstanceLookup, "send browser request"))
	}

	resp := make([]byte, 16*1024-1)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, newConnError(CodeInstanceLookup, tderrors.Wrap(err, tderrors.ErrCodeInstanceLookup, "read browser response"))
	}

	instances := parseInstances(resp[:n])
	inst, ok := instances[strings.ToUpper(instanceName)]
	if !ok {
		return 0, newConnError(CodeInstanceLookup, tderrors.Newf(tderrors.ErrCodeInstanceLookup,
			"instance %q not found on %s", instanceName, server).
			WithField("instanceName", instanceName).
			WithField("server", server))
	}

	portStr, ok := inst["tcp"]
	if !ok {
		return 0, newConnError(CodeInstanceLookup, tderrors.Newf(tderrors.ErrCodeInstanceLookup,
			"instance %q does not advertise a tcp port", instanceName))
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, newConnError(CodeInstanceLookup, tderrors.Wrapf(err, tderrors.ErrCodeInstanceLookup,
			"malformed tcp port %q", portStr))
	}
	return port, nil
}

// parseInstances decodes the SQL Server Browser response, a leading
// 0x05 byte and a 2-byte length, followed by a ';'-delimited sequence of alternating key/value
// tokens terminated by an empty name, with one such run per instance.
func parseInstances(msg []byte) map[string]map[string]string {
	results := map[string]map[string]string{}
	if len(msg) < 3 || msg[0] != 0x05 {
		return results
	}

	tokens := strings.Split(string(msg[3:]), ";")
	instance := map[string]string{}
	var key string
	haveKey := false

	for _, tok := range tokens {
		if haveKey {
			instance[key] = tok
			haveKey = false
			continue
		}
		if tok == "" {
			if len(instance) == 0 {
				break
			}
			if name, ok := instance["InstanceName"]; ok {
				results[strings.ToUpper(name)] = instance
			}
			instance = map[string]string{}
			continue
		}
		key = tok
		haveKey = true
	}
	return results
}

// staticInstanceLookup is a fixed-answer InstanceLookup for tests.
type staticInstanceLookup struct {
	port int
	err  error
}

func (l staticInstanceLookup) LookupPort(ctx context.Context, server, instanceName string) (int, error) {
	return l.port, l.err
}
