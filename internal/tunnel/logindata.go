package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/openbbs/logind/internal/loginstate"
)

// Token is the opaque per-connection ack identifier shipped with a handoff
// and echoed back by the backend. The original source used the
// Connection's address; Go has no stable address to hand across a process
// boundary, so per spec §9's "pointer-as-token" note this is a
// monotonically increasing id allocated by the dispatcher.
type Token uint64

// fieldUseridLen, fieldHostIPLen, and fieldPortLen are the fixed-width
// string fields of the wire record, restated from spec §6:
// userid[IdMax+1], hostIp[16], port[IdMax+1].
const (
	fieldUseridLen = loginstate.IdMax + 1
	fieldHostIPLen = 16
	fieldPortLen   = loginstate.IdMax + 1
)

// WireSize is the fixed byte length of an encoded LoginData record:
// 4-byte length header + 8-byte token + the three fixed string fields +
// four int32/uint32 fields.
const WireSize = 4 + 8 + fieldUseridLen + fieldHostIPLen + fieldPortLen + 4 + 4 + 4 + 4

// LoginData is the fixed-size record sent to the backend for each
// successful login, restated field-for-field from spec §3/§6.
type LoginData struct {
	AckToken   Token
	Userid     string
	HostIP     string
	Port       int
	Encoding   loginstate.Encoding
	ClientCode uint32
	TermRows   int
	TermCols   int
}

// Encode serialises d into the fixed-width wire format.
func (d LoginData) Encode() ([]byte, error) {
	if len(d.Userid) >= fieldUseridLen {
		return nil, fmt.Errorf("tunnel: userid %q exceeds wire field width", d.Userid)
	}
	if len(d.HostIP) >= fieldHostIPLen {
		return nil, fmt.Errorf("tunnel: hostIp %q exceeds wire field width", d.HostIP)
	}
	portStr := fmt.Sprintf("%d", d.Port)
	if len(portStr) >= fieldPortLen {
		return nil, fmt.Errorf("tunnel: port %q exceeds wire field width", portStr)
	}

	buf := make([]byte, WireSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(WireSize))
	binary.BigEndian.PutUint64(buf[4:12], uint64(d.AckToken))

	off := 12
	copy(buf[off:off+fieldUseridLen], d.Userid)
	off += fieldUseridLen
	copy(buf[off:off+fieldHostIPLen], d.HostIP)
	off += fieldHostIPLen
	copy(buf[off:off+fieldPortLen], portStr)
	off += fieldPortLen

	binary.BigEndian.PutUint32(buf[off:off+4], uint32(d.Encoding))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], d.ClientCode)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(d.TermRows))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(d.TermCols))

	return buf, nil
}

// DecodeLoginData parses a wire-format record (used by tests and any
// in-process loopback backend).
func DecodeLoginData(buf []byte) (LoginData, error) {
	if len(buf) != WireSize {
		return LoginData{}, fmt.Errorf("tunnel: expected %d bytes, got %d", WireSize, len(buf))
	}

	var d LoginData
	d.AckToken = Token(binary.BigEndian.Uint64(buf[4:12]))

	off := 12
	d.Userid = cstring(buf[off : off+fieldUseridLen])
	off += fieldUseridLen
	d.HostIP = cstring(buf[off : off+fieldHostIPLen])
	off += fieldHostIPLen
	portStr := cstring(buf[off : off+fieldPortLen])
	off += fieldPortLen
	fmt.Sscanf(portStr, "%d", &d.Port)

	d.Encoding = loginstate.Encoding(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	d.ClientCode = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	d.TermRows = int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	d.TermCols = int(binary.BigEndian.Uint32(buf[off : off+4]))

	return d, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
