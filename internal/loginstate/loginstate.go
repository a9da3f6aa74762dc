// Package loginstate implements the per-connection login dialogue: userid
// line-editing, password entry, and the state transitions between them.
package loginstate

import "github.com/openbbs/logind/internal/terminput"

// IdMax and PwMax bound the userid and password buffers (excluding the
// NUL terminator), restated from the original's IDLEN/PASSLEN limits.
const (
	IdMax = 20
	PwMax = 20
)

// State is the login dialogue's current phase.
type State int

const (
	StateStart State = iota
	StateUserid
	StatePasswd
	StateAuth
	StateWaitAck
)

// Encoding is the character-set mode selected by a trailing punctuation
// character on the typed userid.
type Encoding int

const (
	EncodingDefault Encoding = iota
	EncodingGB
	EncodingUTF8
)

// Action is the abstract result handle() returns; the dispatcher maps it
// onto concrete Renderer/Authenticator calls.
type Action int

const (
	ActionWait Action = iota
	ActionBeep
	ActionOutC
	ActionRedrawUserid
	ActionBS
	ActionPromptPasswd
	ActionStartAuth
)

// Context is the per-connection login state described in the data model:
// buffers, cursor, retry count, and the connection metadata carried
// alongside it for the eventual LoginData handoff.
type Context struct {
	State    State
	Retry    int
	Encoding Encoding

	userid []byte
	Cursor int

	passwd []byte

	ClientCode uint32
	TermRows   int
	TermCols   int
	HostIP     string
	Port       int
}

// NewContext returns a Context in StateStart with empty buffers.
func NewContext(hostIP string, port int) *Context {
	return &Context{
		State:  StateStart,
		userid: make([]byte, 0, IdMax+1),
		passwd: make([]byte, 0, PwMax+1),
		HostIP: hostIP,
		Port:   port,
	}
}

// Userid returns the current (NUL-free) userid buffer contents.
func (c *Context) Userid() string { return string(c.userid) }

// SetUserid overwrites the userid buffer with canonicalID, truncated to
// IdMax. Used by the authenticator to normalize the typed-in spelling to
// the PasswordStore's canonical form (or the free-userid sentinel) once a
// challenge resolves, restated from spec §4.8's canonical-id write-back.
func (c *Context) SetUserid(canonicalID string) {
	if len(canonicalID) > IdMax {
		canonicalID = canonicalID[:IdMax]
	}
	c.userid = append(c.userid[:0], canonicalID...)
	if c.Cursor > len(c.userid) {
		c.Cursor = len(c.userid)
	}
}

// TransferEncoding reports the wire-encoding name selected by this
// connection's trailing userid punctuation, consumed by the terminalio
// output writer to choose how prompt and banner text gets encoded.
func (c *Context) TransferEncoding() string {
	switch c.Encoding {
	case EncodingUTF8:
		return "utf8"
	case EncodingGB:
		return "gb"
	default:
		return ""
	}
}

// Passwd returns the current password buffer contents.
func (c *Context) Passwd() string { return string(c.passwd) }

// ResetForRetry resets the dialogue to StateStart for another attempt, preserving
// the connection metadata (host, client code, terminal size) exactly as
// the original's login_ctx_retry preserves hostip/client_code/t_lines/t_cols.
func (c *Context) ResetForRetry() {
	c.State = StateStart
	c.userid = c.userid[:0]
	c.passwd = c.passwd[:0]
	c.Cursor = 0
}

// Result is the outcome of Handle: the abstract action plus, for
// ActionOutC, the single byte that should be echoed.
type Result struct {
	Action Action
	Rune   byte
}

// Handle advances ctx by one decoded key event and returns the action the
// caller (dispatcher) must perform. Grounded 1:1 on the original's
// login_ctx_handle state machine.
func Handle(ctx *Context, ev terminput.Event) Result {
	if ev.Key == terminput.KeyIgnore {
		return Result{Action: ActionWait}
	}
	switch ctx.State {
	case StateStart, StateUserid:
		return handleUserid(ctx, ev)
	case StatePasswd:
		return handlePasswd(ctx, ev)
	default:
		return Result{Action: ActionBeep}
	}
}

func handleUserid(ctx *Context, ev terminput.Event) Result {
	switch ev.Key {
	case terminput.KeyEnter:
		applyEncoding(ctx)
		ctx.State = StatePasswd
		return Result{Action: ActionPromptPasswd}

	case terminput.KeyBS:
		if ctx.Cursor == 0 || len(ctx.userid) == 0 {
			return Result{Action: ActionBeep}
		}
		if ctx.Cursor == len(ctx.userid) {
			ctx.userid = ctx.userid[:len(ctx.userid)-1]
			ctx.Cursor--
			return Result{Action: ActionBS}
		}
		ctx.userid = append(ctx.userid[:ctx.Cursor-1], ctx.userid[ctx.Cursor:]...)
		ctx.Cursor--
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyDEL:
		if ctx.Cursor >= len(ctx.userid) {
			return Result{Action: ActionBeep}
		}
		ctx.userid = append(ctx.userid[:ctx.Cursor], ctx.userid[ctx.Cursor+1:]...)
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyLeft:
		if ctx.Cursor > 0 {
			ctx.Cursor--
		}
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyRight:
		if ctx.Cursor < len(ctx.userid) {
			ctx.Cursor++
		}
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyHome:
		ctx.Cursor = 0
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyEnd:
		ctx.Cursor = len(ctx.userid)
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyKillToEOL:
		ctx.userid = ctx.userid[:ctx.Cursor]
		return Result{Action: ActionRedrawUserid}

	case terminput.KeyPrintable:
		if ev.Rune == ' ' || len(ctx.userid) >= IdMax {
			return Result{Action: ActionBeep}
		}
		atEnd := ctx.Cursor == len(ctx.userid)
		ctx.userid = append(ctx.userid, 0)
		copy(ctx.userid[ctx.Cursor+1:], ctx.userid[ctx.Cursor:])
		ctx.userid[ctx.Cursor] = ev.Rune
		ctx.Cursor++
		if atEnd {
			return Result{Action: ActionOutC, Rune: ev.Rune}
		}
		return Result{Action: ActionRedrawUserid}

	default:
		return Result{Action: ActionBeep}
	}
}

func handlePasswd(ctx *Context, ev terminput.Event) Result {
	switch ev.Key {
	case terminput.KeyEnter:
		ctx.State = StateAuth
		return Result{Action: ActionStartAuth}

	case terminput.KeyBS:
		if len(ctx.passwd) == 0 {
			return Result{Action: ActionBeep}
		}
		ctx.passwd = ctx.passwd[:len(ctx.passwd)-1]
		return Result{Action: ActionWait}

	case terminput.KeyPrintable:
		if len(ctx.passwd) >= PwMax {
			return Result{Action: ActionBeep}
		}
		ctx.passwd = append(ctx.passwd, ev.Rune)
		return Result{Action: ActionWait}

	default:
		return Result{Action: ActionBeep}
	}
}

// applyEncoding resolves open question (a) from the spec's design notes:
// only the last character of the typed userid is inspected, and it is
// stripped once it has selected an encoding. A trailing '.' selects GB; a
// trailing ',' selects UTF8, restated from the original's CONV_GB/CONV_UTF8
// branch. Anything else leaves EncodingDefault and the userid untouched.
func applyEncoding(ctx *Context) {
	if len(ctx.userid) == 0 {
		return
	}
	last := ctx.userid[len(ctx.userid)-1]
	switch last {
	case '.':
		ctx.Encoding = EncodingGB
		ctx.userid = ctx.userid[:len(ctx.userid)-1]
	case ',':
		ctx.Encoding = EncodingUTF8
		ctx.userid = ctx.userid[:len(ctx.userid)-1]
	default:
		ctx.Encoding = EncodingDefault
	}
	if ctx.Cursor > len(ctx.userid) {
		ctx.Cursor = len(ctx.userid)
	}
}
