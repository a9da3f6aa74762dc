// Package renderer emits the fixed ANSI sequences and banner/prompt text
// the login dispatcher writes to a Connection.
package renderer

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openbbs/logind/internal/loginstate"
)

// MaxBannerLines bounds banner-file rendering, restated from spec §6.
const MaxBannerLines = 512

var (
	boxStyle     = lipgloss.NewStyle().Reverse(true)
	failureStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	noticeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
)

// Renderer writes ANSI control sequences and templated prompt/banner text
// to an underlying buffered writer (the Connection's write buffer).
type Renderer struct {
	w io.Writer
}

// New wraps w (typically a Connection's buffered writer) in a Renderer.
func New(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

func (r *Renderer) write(s string) {
	if _, err := io.WriteString(r.w, s); err != nil {
		log.Printf("WARN: renderer write failed: %v", err)
	}
}

// Clear emits a full screen clear + cursor home.
func (r *Renderer) Clear() { r.write("\x1b[2J\x1b[H") }

// MoveCursor emits an absolute cursor move, "ESC[<row>;<col>H".
func (r *Renderer) MoveCursor(row, col int) {
	r.write(fmt.Sprintf("\x1b[%d;%dH", row, col))
}

// EraseToEOL emits an erase-to-end-of-line sequence.
func (r *Renderer) EraseToEOL() { r.write("\x1b[K") }

// Bell emits a single BEL byte.
func (r *Renderer) Bell() { r.write("\a") }

// WriteByte echoes a single raw byte (used for ActionOutC).
func (r *Renderer) WriteByte(b byte) { r.write(string(b)) }

// Backspace emits a destructive backspace: move left, erase, move left
// again, used for ActionBS.
func (r *Renderer) Backspace() { r.write("\b \b") }

// RedrawUserid redraws the userid prompt line's current buffer contents.
func (r *Renderer) RedrawUserid(userid string, cursor int) {
	r.write("\r")
	r.EraseToEOL()
	r.write(userid)
	if backAmount := len(userid) - cursor; backAmount > 0 {
		r.write(strings.Repeat("\b", backAmount))
	}
}

// UseridPrompt draws the reverse-video userid entry box. The box is
// IdMax+1 columns wide; the cursor is positioned at its start by a run of
// backspaces equal to IdMax+1 - cursor, exactly as spec §4.6 describes.
func (r *Renderer) UseridPrompt() {
	width := loginstate.IdMax + 1
	box := boxStyle.Render(strings.Repeat(" ", width))
	r.write("\r\nUserid: ")
	r.write(box)
	r.write(strings.Repeat("\b", width))
}

// PasswdPrompt draws the password entry prompt. Typed characters are never
// echoed by the Renderer; the caller's telnet negotiation disables local
// echo for this phase.
func (r *Renderer) PasswdPrompt() {
	r.write("\r\nPassword: ")
}

// AuthProgress reports that credential verification is underway.
func (r *Renderer) AuthProgress() {
	r.write("\r\nVerifying...")
}

// AuthSuccess draws the success message before the connection is handed off.
func (r *Renderer) AuthSuccess(userid string) {
	r.write("\r\n" + noticeStyle.Render(fmt.Sprintf("Welcome, %s!", userid)) + "\r\n")
}

// AuthFail draws a failed-attempt message and, when attemptsLeft == 0, the
// final goodbye instead of a re-prompt invitation.
func (r *Renderer) AuthFail(attemptsLeft int) {
	if attemptsLeft > 0 {
		r.write("\r\n" + failureStyle.Render("Login incorrect.") + "\r\n")
		return
	}
	r.write("\r\n" + failureStyle.Render("Too many failed attempts.") + "\r\n")
}

// Overload draws the CPU/user overload rejection message.
func (r *Renderer) Overload() {
	r.write("\r\n" + failureStyle.Render("Sorry, this system is currently overloaded. Please try again shortly.") + "\r\n")
}

// Ban draws the banned-connection rejection message.
func (r *Renderer) Ban() {
	r.write("\r\n" + failureStyle.Render("Your site is not permitted to connect to this system.") + "\r\n")
}

// RejectFreeUserID draws the guest/free-id quota rejection message.
func (r *Renderer) RejectFreeUserID() {
	r.write("\r\n" + failureStyle.Render("Sorry, the guest account is in use by the maximum number of callers.") + "\r\n")
}

// ServiceFailure draws the "backend unavailable" message.
func (r *Renderer) ServiceFailure() {
	r.write("\r\n" + failureStyle.Render("Sorry, this service is temporarily unavailable. Please try again later.") + "\r\n")
}

// Goodbye draws the final goodbye banner text.
func (r *Renderer) Goodbye(text string) {
	r.write(expandBanner(text, 0))
}

// LoadBanner reads a banner file from disk, truncates it to
// MaxBannerLines, and expands its ESC*t/ESC*u macros. onlineUsers feeds the
// ESC*u expansion.
func LoadBanner(path string, onlineUsers int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("renderer: read banner %s: %w", path, err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	if len(lines) > MaxBannerLines {
		lines = lines[:MaxBannerLines]
	}
	truncated := strings.Join(lines, "")
	return expandBanner(truncated, onlineUsers), nil
}

// expandBanner expands the two star-escapes the teacher's draw_text_screen
// equivalent supports: ESC *t -> formatted local date, ESC *u -> decimal
// online-user count. Every other byte, including unrelated escape
// sequences, passes through unchanged. Newlines are normalised to CRLF on
// the wire per spec §6.
func expandBanner(text string, onlineUsers int) string {
	var out bytes.Buffer
	data := []byte(text)

	for i := 0; i < len(data); i++ {
		b := data[i]

		if b == '\n' {
			if i == 0 || data[i-1] != '\r' {
				out.WriteByte('\r')
			}
			out.WriteByte('\n')
			continue
		}

		if b == 0x1B && i+1 < len(data) && data[i+1] == '*' && i+2 < len(data) {
			switch data[i+2] {
			case 't':
				out.WriteString(time.Now().Format("Mon Jan 2 2006 15:04:05"))
				i += 2
				continue
			case 'u':
				out.WriteString(strconv.Itoa(onlineUsers))
				i += 2
				continue
			}
		}

		out.WriteByte(b)
	}

	return out.String()
}

// WriteRaw writes pre-expanded banner text (e.g. from LoadBanner) directly.
func (r *Renderer) WriteRaw(text string) { r.write(text) }
