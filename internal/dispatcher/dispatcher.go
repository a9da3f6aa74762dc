// Package dispatcher is the single-goroutine reactor that ties together
// telnetfilter, terminput, loginstate, renderer, admission, authn, and
// tunnel into the login dispatcher described in spec §4. Exactly one
// goroutine (Run's caller) owns the Tunnel, AckQueue, CachedState, and
// retry counter; everything else feeds it through a single event channel,
// restated from spec §5's single-threaded reactor model.
package dispatcher

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/openbbs/logind/internal/admission"
	"github.com/openbbs/logind/internal/authn"
	"github.com/openbbs/logind/internal/config"
	"github.com/openbbs/logind/internal/connmgr"
	"github.com/openbbs/logind/internal/logging"
	"github.com/openbbs/logind/internal/loginstate"
	"github.com/openbbs/logind/internal/renderer"
	"github.com/openbbs/logind/internal/telnetfilter"
	"github.com/openbbs/logind/internal/terminalio"
	"github.com/openbbs/logind/internal/terminput"
	"github.com/openbbs/logind/internal/tunnel"
)

// ErrPortBind and ErrTunnelBind let a caller of Run distinguish which kind
// of bind failed, matching the original's distinct exit codes 3 (port)
// and 2 (tunnel).
var (
	ErrPortBind   = errors.New("dispatcher: cannot bind a required port")
	ErrTunnelBind = errors.New("dispatcher: cannot create tunnel")
)

type eventKind int

const (
	evAccept eventKind = iota
	evNegotiated
	evData
	evClosed
	evTunnelAck
	evTunnelAckErr
	evReload
	evIdleTimeout
	evAckTimeout
)

type event struct {
	kind  eventKind
	id    int
	conn  net.Conn
	tc    *telnetfilter.Conn
	data  []byte
	token tunnel.Token
}

// connState is the reactor-owned bookkeeping kept alongside a
// connmgr.Connection: its decoder and renderer, both stateful per
// connection and therefore never touched outside the reactor goroutine.
type connState struct {
	raw       net.Conn
	c         *connmgr.Connection
	decoder   *terminput.Decoder
	render    *renderer.Renderer
	idleTimer *time.Timer

	// waitingAck, ackToken, and ackTimer track this connection's AckQueue
	// membership while in StateWaitAck, so every teardown path (idle
	// timeout, EOF, handoff failure, ack timeout, successful ack) can
	// remove the entry and stop the timer exactly once, per spec §4.11's
	// "if conn was in AckQueue, remove it".
	waitingAck bool
	ackToken   tunnel.Token
	ackTimer   *time.Timer
}

// BindPorts is the subset of config.BindPorts the Dispatcher needs.
type BindPorts = config.BindPorts

// Dispatcher is the reactor. All fields below reloadPending-style atomics
// are owned exclusively by the goroutine running Run.
type Dispatcher struct {
	cfg   config.Config
	ports config.BindPorts

	admission *admission.Admission
	store     authn.PasswordStore

	events chan event
	nextID int32

	conns map[int]*connState
	reg   *connmgr.Registry

	listeners []net.Listener

	tun          *tunnel.Client
	serviceRetry int
}

// New constructs a Dispatcher ready to Run.
func New(cfg config.Config, ports config.BindPorts, adm *admission.Admission, store authn.PasswordStore) *Dispatcher {
	mode := tunnel.AckAsync
	if cfg.AckMode == "sync" {
		mode = tunnel.AckSync
	}
	return &Dispatcher{
		cfg:       cfg,
		ports:     ports,
		admission: adm,
		store:     store,
		events:    make(chan event, 256),
		conns:     make(map[int]*connState),
		reg:       connmgr.NewRegistry(),
		tun:       tunnel.NewClient(mode),
	}
}

// Registry exposes the dispatcher's connection registry so a SystemStats
// implementation (e.g. backend.SysStats) can read active/guest counts.
func (d *Dispatcher) Registry() *connmgr.Registry { return d.reg }

// RequestReload is safe to call from a signal handler goroutine: it flips
// Admission's reloadPending flag and wakes the reactor so the next Reload
// picks it up, restated from spec §9's "handler only flips a flag" note.
func (d *Dispatcher) RequestReload() {
	d.admission.RequestReload()
	d.events <- event{kind: evReload}
}

// BindPorts binds every configured listen port, matching the original's
// ordering of binding the TCP ports required for service before privileges
// are dropped: a caller must bind these before dropping root, since nothing
// below 1024 can be bound afterward.
func (d *Dispatcher) BindPorts() error {
	for _, port := range d.ports.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("%w: port %d: %v", ErrPortBind, port, err)
		}
		log.Printf("INFO: dispatcher: listening on port %d", port)
		d.listeners = append(d.listeners, ln)
	}
	return nil
}

// Run starts the accept loops for the already-bound ports plus the backend
// tunnel, then blocks draining the event channel until stop is closed. The
// tunnel socket is created here, after BindPorts and after the caller drops
// privileges, restated from the original's "no way back from here" ordering:
// ports are bound as root, the tunnel socket is not.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	for _, ln := range d.listeners {
		go d.acceptLoop(ln)
	}

	if d.ports.TunnelPath != "" {
		tln, err := net.ListenUnix("unix", &net.UnixAddr{Net: "unix", Name: d.ports.TunnelPath})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrTunnelBind, d.ports.TunnelPath, err)
		}
		log.Printf("INFO: dispatcher: tunnel socket listening on %s", d.ports.TunnelPath)
		go d.tunnelAcceptLoop(tln)
	}

	for {
		select {
		case ev := <-d.events:
			d.handle(ev)
		case <-stop:
			return nil
		}
	}
}

func (d *Dispatcher) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("ERROR: dispatcher: accept failed: %v", err)
			return
		}
		id := int(atomic.AddInt32(&d.nextID, 1))
		d.events <- event{kind: evAccept, id: id, conn: conn}
	}
}

func (d *Dispatcher) tunnelAcceptLoop(ln *net.UnixListener) {
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			log.Printf("ERROR: dispatcher: tunnel accept failed: %v", err)
			return
		}
		log.Printf("INFO: dispatcher: backend tunnel connected")
		d.tun.SetTunnel(conn)
		if d.tun.Mode == tunnel.AckAsync {
			go d.tunnelAckLoop(conn)
		}
	}
}

func (d *Dispatcher) tunnelAckLoop(conn *net.UnixConn) {
	for {
		token, err := d.tun.ReadAckToken()
		if err != nil {
			d.events <- event{kind: evTunnelAckErr}
			return
		}
		d.events <- event{kind: evTunnelAck, token: token}
	}
}

func (d *Dispatcher) readLoop(id int, tc *telnetfilter.Conn) {
	buf := make([]byte, 512)
	for {
		n, err := tc.Read(buf)
		if err != nil {
			d.events <- event{kind: evClosed, id: id}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		d.events <- event{kind: evData, id: id, data: cp}
	}
}

func (d *Dispatcher) handle(ev event) {
	logging.Debug("dispatcher: event kind=%d id=%d", ev.kind, ev.id)
	switch ev.kind {
	case evAccept:
		go d.negotiate(ev.id, ev.conn)
	case evNegotiated:
		d.handleAccept(ev.id, ev.conn, ev.tc)
	case evData:
		d.handleData(ev.id, ev.data)
	case evClosed:
		d.handleClosed(ev.id)
	case evReload:
		d.admission.Reload()
	case evTunnelAck:
		d.handleTunnelAck(ev.token)
	case evTunnelAckErr:
		log.Printf("WARN: dispatcher: tunnel ack source lost")
	case evIdleTimeout:
		d.handleIdleTimeout(ev.id)
	case evAckTimeout:
		d.handleAckTimeout(ev.id)
	}
}

// negotiate runs TELNET option negotiation off the reactor goroutine: it
// blocks up to ~500ms waiting for the client's replies, which would
// otherwise violate the reactor's non-blocking-callback invariant (spec
// §5). The continuation re-enters the reactor as an evNegotiated event.
func (d *Dispatcher) negotiate(id int, conn net.Conn) {
	tc := telnetfilter.NewConn(conn)
	if err := tc.Negotiate(); err != nil {
		log.Printf("WARN: dispatcher: negotiation failed for %s: %v", conn.RemoteAddr(), err)
		tc.Close()
		return
	}
	d.events <- event{kind: evNegotiated, id: id, conn: conn, tc: tc}
}

// handleAccept implements spec §4.2's accept path: admission gating in
// order ban, then CPU overload, then user overload, before the welcome
// banner and userid prompt are ever shown.
func (d *Dispatcher) handleAccept(id int, conn net.Conn, tc *telnetfilter.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
		tcp.SetKeepAlive(d.cfg.KeepAlive)
		if d.cfg.RecvBufferBytes > 0 {
			tcp.SetReadBuffer(d.cfg.RecvBufferBytes)
		}
		if d.cfg.SendBufferBytes > 0 {
			tcp.SetWriteBuffer(d.cfg.SendBufferBytes)
		}
	}

	d.admission.Reload()

	host, port := splitHostPort(conn.RemoteAddr().String())
	ctx := loginstate.NewContext(host, port)
	ctx.ClientCode = tc.ClientCode()
	cols, rows := tc.WindowSize()
	ctx.TermCols, ctx.TermRows = cols, rows

	c := connmgr.NewConnection(id, tc, ctx)
	out := terminalio.NewEncodingWriter(tc, ctx)
	cs := &connState{raw: conn, c: c, decoder: &terminput.Decoder{}, render: renderer.New(out)}
	cs.idleTimer = time.AfterFunc(d.idleTimeout(), func() {
		d.events <- event{kind: evIdleTimeout, id: id}
	})
	d.conns[id] = cs
	d.reg.Register(c)
	log.Printf("INFO: dispatcher: connection %d (%s) accepted from %s", id, c.CorrelationID, host)

	cached := d.admission.Cached()

	if d.admission.IsIPBanned(host) || cached.Banned {
		if cached.BanScreen != "" {
			cs.render.WriteRaw(cached.BanScreen)
		} else {
			cs.render.Ban()
		}
		d.endConn(id, d.cfg.BanSleepSeconds)
		return
	}

	switch cached.Overload {
	case admission.OverloadCPU, admission.OverloadUsers:
		cs.render.Overload()
		d.endConn(id, d.cfg.OverloadSleepSeconds)
		return
	}

	if cached.WelcomeScreen != "" {
		cs.render.WriteRaw(cached.WelcomeScreen)
	}
	cs.render.UseridPrompt()

	go d.readLoop(id, tc)
}

func (d *Dispatcher) handleClosed(id int) {
	cs, ok := d.conns[id]
	if !ok {
		return
	}
	delete(d.conns, id)
	d.reg.Unregister(id)
	cs.idleTimer.Stop()
	d.clearAckWait(cs)
	cs.c.End(0, nil)
}

func (d *Dispatcher) handleData(id int, data []byte) {
	cs, ok := d.conns[id]
	if !ok {
		return
	}
	cs.idleTimer.Reset(d.idleTimeout())

	for _, keyEv := range cs.decoder.Feed(data) {
		res := loginstate.Handle(cs.c.Ctx, keyEv)
		d.applyAction(id, cs, res)
		if cs.c.Ctx.State == loginstate.StateAuth {
			d.runChallenge(id, cs)
		}
	}
}

func (d *Dispatcher) applyAction(id int, cs *connState, res loginstate.Result) {
	switch res.Action {
	case loginstate.ActionWait:
	case loginstate.ActionBeep:
		cs.render.Bell()
	case loginstate.ActionOutC:
		cs.render.WriteByte(res.Rune)
	case loginstate.ActionRedrawUserid:
		cs.render.RedrawUserid(cs.c.Ctx.Userid(), cs.c.Ctx.Cursor)
	case loginstate.ActionBS:
		cs.render.Backspace()
	case loginstate.ActionPromptPasswd:
		cs.render.PasswdPrompt()
	case loginstate.ActionStartAuth:
		cs.render.AuthProgress()
	}
}

func (d *Dispatcher) runChallenge(id int, cs *connState) {
	outcome := authn.Challenge(cs.c.Ctx, d.store, d.admission)
	authn.LogAttempt(cs.c.Ctx.Userid(), outcome, cs.c.Ctx.HostIP)

	switch outcome {
	case authn.OutcomeOK, authn.OutcomeFreeID:
		cs.render.AuthSuccess(cs.c.Ctx.Userid())
		d.startService(id, cs)

	case authn.OutcomeFreeIDTooMany:
		cs.render.RejectFreeUserID()
		d.endConn(id, d.cfg.AuthFailSleepSeconds)

	case authn.OutcomeFail:
		cs.c.Ctx.Retry++
		attemptsLeft := d.cfg.LoginAttempts - cs.c.Ctx.Retry
		if attemptsLeft <= 0 {
			cs.render.AuthFail(0)
			if goodbye := d.admission.Cached().GoodbyeScreen; goodbye != "" {
				cs.render.Goodbye(goodbye)
			}
			d.endConn(id, 0)
			return
		}
		cs.render.AuthFail(attemptsLeft)
		cs.c.Ctx.ResetForRetry()
		cs.render.UseridPrompt()
	}
}

// startService implements spec §4.9's handoff: FD pass, LoginData write,
// and the sync/async ack wait.
func (d *Dispatcher) startService(id int, cs *connState) {
	token := d.tun.AllocToken()
	data := tunnel.LoginData{
		AckToken:   token,
		Userid:     cs.c.Ctx.Userid(),
		HostIP:     cs.c.Ctx.HostIP,
		Port:       cs.c.Ctx.Port,
		Encoding:   cs.c.Ctx.Encoding,
		ClientCode: cs.c.Ctx.ClientCode,
		TermRows:   cs.c.Ctx.TermRows,
		TermCols:   cs.c.Ctx.TermCols,
	}

	cs.c.Ctx.State = loginstate.StateWaitAck
	cs.c.Phase = connmgr.PhaseWaitingAck

	if err := d.tun.SendFD(cs.raw); err != nil {
		d.handoffFailed(id, cs, err)
		return
	}
	if err := d.tun.WriteLoginData(data); err != nil {
		d.handoffFailed(id, cs, err)
		return
	}

	if d.tun.Mode == tunnel.AckSync {
		if err := d.tun.AwaitSyncAck(token); err != nil {
			d.handoffFailed(id, cs, err)
			return
		}
		d.endConn(id, 0)
		return
	}

	d.tun.Queue.Add(token, id)
	cs.waitingAck = true
	cs.ackToken = token
	cs.ackTimer = time.AfterFunc(d.ackTimeout(), func() {
		d.events <- event{kind: evAckTimeout, id: id}
	})
}

func (d *Dispatcher) handleTunnelAck(token tunnel.Token) {
	connID, found := d.tun.Queue.Remove(token)
	if !found {
		log.Printf("WARN: dispatcher: ack for unknown token %d", token)
		return
	}
	id, ok := connID.(int)
	if !ok {
		return
	}
	if cs, ok := d.conns[id]; ok {
		cs.waitingAck = false
	}
	d.endConn(id, 0)
}

// handleAckTimeout implements spec §4.9/§8 scenario 6: a WAITACK connection
// whose async ack never arrives is torn down once AckTimeoutSeconds elapses.
func (d *Dispatcher) handleAckTimeout(id int) {
	cs, ok := d.conns[id]
	if !ok {
		return
	}
	log.Printf("WARN: dispatcher: ack timeout for connection %d (%s)", id, cs.c.CorrelationID)
	d.endConn(id, 0)
}

// clearAckWait removes cs's AckQueue entry, if any, and stops its ack
// timer. Called from every teardown path so a connection torn down by
// idle timeout, EOF, or handoff failure never leaks an AckQueue entry,
// restated from spec §4.11's "if conn was in AckQueue, remove it".
func (d *Dispatcher) clearAckWait(cs *connState) {
	if cs.ackTimer != nil {
		cs.ackTimer.Stop()
	}
	if cs.waitingAck {
		d.tun.Queue.Remove(cs.ackToken)
		cs.waitingAck = false
	}
}

func (d *Dispatcher) ackTimeout() time.Duration {
	return time.Duration(d.cfg.AckTimeoutSeconds) * time.Second
}

// handoffFailed implements spec §4.9's service-retry fallback: the retry
// counter is process-lifetime and never reset, matching the original's
// retry_service (there is no reset path in it either).
func (d *Dispatcher) handoffFailed(id int, cs *connState, err error) {
	log.Printf("ERROR: dispatcher: handoff failed for connection %d (%s): %v", id, cs.c.CorrelationID, err)
	if d.ports.ClientRetryCmd != "" && d.serviceRetry < d.cfg.MaxRetryService {
		d.serviceRetry++
		go func(cmd string) {
			if err := exec.Command("/bin/sh", "-c", cmd).Start(); err != nil {
				log.Printf("ERROR: dispatcher: service retry command failed: %v", err)
			}
		}(d.ports.ClientRetryCmd)
	}
	cs.render.ServiceFailure()
	d.endConn(id, d.cfg.AuthFailSleepSeconds)
}

func (d *Dispatcher) handleIdleTimeout(id int) {
	_, ok := d.conns[id]
	if !ok {
		return
	}
	d.endConn(id, 0)
}

func (d *Dispatcher) endConn(id int, graceSec int) {
	cs, ok := d.conns[id]
	if !ok {
		return
	}
	delete(d.conns, id)
	d.reg.Unregister(id)
	cs.idleTimer.Stop()
	d.clearAckWait(cs)
	cs.c.End(graceSec, nil)
}

func (d *Dispatcher) idleTimeout() time.Duration {
	return time.Duration(d.cfg.IdleTimeoutSeconds) * time.Second
}

func splitHostPort(addr string) (host string, port int) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	fmt.Sscanf(p, "%d", &port)
	return h, port
}
