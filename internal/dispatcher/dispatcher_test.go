package dispatcher

import (
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openbbs/logind/internal/admission"
	"github.com/openbbs/logind/internal/authn"
	"github.com/openbbs/logind/internal/config"
	"github.com/openbbs/logind/internal/tunnel"
)

type fakeStats struct{}

func (fakeStats) CPULoad() float64 { return 0 }
func (fakeStats) ActiveUsers() int { return 0 }
func (fakeStats) GuestCount() int  { return 0 }

type fakeStore struct {
	records map[string]authn.Record
	valid   map[string]string
}

func (f fakeStore) Load(userid string) (authn.Record, bool) {
	rec, ok := f.records[userid]
	return rec, ok
}

func (f fakeStore) Verify(rec authn.Record, password string) bool {
	return f.valid[rec.CanonicalID] == password
}

// dialWithRetry tolerates the small startup race between launching Run in
// a goroutine and its listener actually being open.
func dialWithRetry(t *testing.T, network, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial(network, addr)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("failed to dial %s %s within deadline", network, addr)
	return nil
}

// readUntil reads from conn until s appears in the accumulated output or
// the deadline passes.
func readUntil(t *testing.T, conn net.Conn, s string, timeout time.Duration) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var buf []byte
	chunk := make([]byte, 256)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if contains(string(buf), s) {
				return string(buf)
			}
		}
		if err != nil {
			return string(buf)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// TestDispatcherPlainLoginSyncAck exercises spec §8 scenario 1 end to end:
// a correct userid/password pair over a real TCP connection, a real unix
// tunnel socket standing in for the backend, and a synchronous ack.
func TestDispatcherPlainLoginSyncAck(t *testing.T) {
	dir := t.TempDir()
	tunnelPath := dir + "/tunnel.sock"

	cfg := config.Config{
		AckMode:              "sync",
		LoginAttempts:        3,
		IdleTimeoutSeconds:   30,
		AuthFailSleepSeconds: 1,
		BanSleepSeconds:      1,
		OverloadSleepSeconds: 1,
		MaxRetryService:      5,
	}
	ports := config.BindPorts{Ports: []int{19237}, TunnelPath: tunnelPath}

	adm := admission.New(config.Config{MaxCpuLoad: 8, MaxActiveUsers: 10}, fakeStats{}, nil)
	store := fakeStore{
		records: map[string]authn.Record{"alice": {CanonicalID: "alice"}},
		valid:   map[string]string{"alice": "secret"},
	}

	d := New(cfg, ports, adm, store)
	if err := d.BindPorts(); err != nil {
		t.Fatalf("BindPorts: %v", err)
	}
	stop := make(chan struct{})
	defer close(stop)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(stop) }()

	select {
	case err := <-errCh:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	client := dialWithRetry(t, "tcp", "127.0.0.1:19237")
	defer client.Close()

	backendConn := dialUnixWithRetry(t, tunnelPath)
	defer backendConn.Close()

	readUntil(t, client, "Userid:", time.Second)
	client.Write([]byte("alice\r"))
	readUntil(t, client, "Password:", time.Second)
	client.Write([]byte("secret\r"))

	// The FD arrives first, riding on a single carrier byte; the fixed-size
	// LoginData record follows as a separate write.
	carrier := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, oobn, _, _, err := backendConn.ReadMsgUnix(carrier, oob)
	if err != nil {
		t.Fatalf("backend ReadMsgUnix: %v", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) != 1 {
		t.Fatalf("ParseSocketControlMessage: %v (scms=%d)", err, len(scms))
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) != 1 {
		t.Fatalf("ParseUnixRights: %v (fds=%d)", err, len(fds))
	}

	buf := make([]byte, tunnel.WireSize)
	n, err := io.ReadFull(backendConn, buf)
	if n != tunnel.WireSize {
		t.Fatalf("backend read %d bytes, want %d: %v", n, tunnel.WireSize, err)
	}

	data, err := tunnel.DecodeLoginData(buf)
	if err != nil {
		t.Fatalf("DecodeLoginData: %v", err)
	}
	if data.Userid != "alice" {
		t.Fatalf("LoginData.Userid = %q, want alice", data.Userid)
	}

	if err := tunnel.WriteAckToken(backendConn, data.AckToken); err != nil {
		t.Fatalf("WriteAckToken: %v", err)
	}

	output := readUntil(t, client, "Welcome, alice!", 2*time.Second)
	if !contains(output, "Welcome, alice!") {
		t.Fatalf("client output %q does not contain success message", output)
	}
}

// TestDispatcherAsyncAckTimeoutClearsQueue exercises spec §8 scenario 6 and
// §4.11's "AckQueue never leaks" invariant: a connection handed off on the
// async path whose ack never arrives must be torn down by AckTimeoutSeconds
// and its AckQueue entry removed, leaving Size()==0, Reuse()==0.
func TestDispatcherAsyncAckTimeoutClearsQueue(t *testing.T) {
	dir := t.TempDir()
	tunnelPath := dir + "/tunnel.sock"

	cfg := config.Config{
		AckMode:              "async",
		AckTimeoutSeconds:    1,
		LoginAttempts:        3,
		IdleTimeoutSeconds:   30,
		AuthFailSleepSeconds: 1,
		BanSleepSeconds:      1,
		OverloadSleepSeconds: 1,
		MaxRetryService:      5,
	}
	ports := config.BindPorts{Ports: []int{19238}, TunnelPath: tunnelPath}

	adm := admission.New(config.Config{MaxCpuLoad: 8, MaxActiveUsers: 10}, fakeStats{}, nil)
	store := fakeStore{
		records: map[string]authn.Record{"alice": {CanonicalID: "alice"}},
		valid:   map[string]string{"alice": "secret"},
	}

	d := New(cfg, ports, adm, store)
	if err := d.BindPorts(); err != nil {
		t.Fatalf("BindPorts: %v", err)
	}
	stop := make(chan struct{})
	defer close(stop)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(stop) }()

	select {
	case err := <-errCh:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	client := dialWithRetry(t, "tcp", "127.0.0.1:19238")
	defer client.Close()

	backendConn := dialUnixWithRetry(t, tunnelPath)
	defer backendConn.Close()

	readUntil(t, client, "Userid:", time.Second)
	client.Write([]byte("alice\r"))
	readUntil(t, client, "Password:", time.Second)
	client.Write([]byte("secret\r"))

	buf := make([]byte, tunnel.WireSize)
	oob := make([]byte, unix.CmsgSpace(4))
	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, _, _, err := backendConn.ReadMsgUnix(buf, oob); err != nil {
		t.Fatalf("backend ReadMsgUnix: %v", err)
	}

	// Deliberately never write an ack back; wait past AckTimeoutSeconds.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.tun.Queue.Size() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if size := d.tun.Queue.Size(); size != 0 {
		t.Fatalf("AckQueue leaked entry after timeout: size=%d", size)
	}
	if reuse := d.tun.Queue.Reuse(); reuse != 0 {
		t.Fatalf("AckQueue reuse counter not reset: reuse=%d", reuse)
	}
}

func dialUnixWithRetry(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	addr := &net.UnixAddr{Net: "unix", Name: path}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialUnix("unix", nil, addr)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("failed to dial unix socket %s within deadline", path)
	return nil
}
