// Package terminput decodes a cleaned TELNET byte stream (already stripped
// of IAC sequences by telnetfilter) into the logical key events the login
// state machine consumes.
package terminput

// Key identifies a logical key event.
type Key int

const (
	KeyUnknown Key = iota
	KeyPrintable
	KeyEnter
	KeyBS
	KeyDEL
	KeyLeft
	KeyRight
	KeyHome
	KeyEnd
	KeyKillToEOL
	KeyIgnore // LF: surfaced as an event that the login state machine ignores
)

// Event is one decoded key, with Rune set when Key == KeyPrintable.
type Event struct {
	Key  Key
	Rune byte
}

const (
	ctrlA = 0x01
	ctrlB = 0x02
	ctrlD = 0x04
	ctrlE = 0x05
	ctrlF = 0x06
	ctrlH = 0x08
	ctrlK = 0x0B
	lf    = 0x0A
	cr    = 0x0D
	esc   = 0x1B
	del   = 0x7F
)

// Decoder turns a byte stream into Events, buffering partial ESC sequences
// across Feed calls exactly as the original's _handle_term_keys does when
// escape bytes straddle socket reads.
type Decoder struct {
	escBuf []byte
}

// Feed processes one chunk of cleaned input bytes and returns the Events
// decoded from it. An incomplete trailing escape sequence is buffered for
// the next call.
func (d *Decoder) Feed(data []byte) []Event {
	var events []Event

	for i := 0; i < len(data); i++ {
		b := data[i]

		if len(d.escBuf) > 0 {
			d.escBuf = append(d.escBuf, b)
			if ev, done, consumed := matchEscape(d.escBuf); done {
				if consumed {
					events = append(events, ev)
				}
				d.escBuf = d.escBuf[:0]
			} else if len(d.escBuf) > 4 {
				// Too long to be one of our recognised sequences; drop it.
				d.escBuf = d.escBuf[:0]
			}
			continue
		}

		switch {
		case b == cr:
			events = append(events, Event{Key: KeyEnter})
		case b == lf:
			events = append(events, Event{Key: KeyIgnore})
		case b == ctrlA:
			events = append(events, Event{Key: KeyHome})
		case b == ctrlE:
			events = append(events, Event{Key: KeyEnd})
		case b == ctrlH || b == del:
			events = append(events, Event{Key: KeyBS})
		case b == ctrlD:
			events = append(events, Event{Key: KeyDEL})
		case b == ctrlB:
			events = append(events, Event{Key: KeyLeft})
		case b == ctrlF:
			events = append(events, Event{Key: KeyRight})
		case b == ctrlK:
			events = append(events, Event{Key: KeyKillToEOL})
		case b == esc:
			d.escBuf = append(d.escBuf[:0], b)
		case b >= 0x20 && b < 0x7F:
			events = append(events, Event{Key: KeyPrintable, Rune: b})
		default:
			events = append(events, Event{Key: KeyUnknown})
		}
	}

	return events
}

// matchEscape inspects a buffered ESC sequence and reports whether it is
// complete. If done && consumed, ev is the decoded key; if done && !consumed,
// the sequence was complete but unrecognised (dropped silently per spec).
func matchEscape(buf []byte) (ev Event, done bool, consumed bool) {
	if len(buf) < 2 {
		return Event{}, false, false
	}
	second := buf[1]
	if second != 'O' && second != '[' {
		return Event{}, true, false
	}
	if len(buf) < 3 {
		return Event{}, false, false
	}
	third := buf[2]

	switch third {
	case 'C':
		return Event{Key: KeyRight}, true, true
	case 'D':
		return Event{Key: KeyLeft}, true, true
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if len(buf) < 4 {
			return Event{}, false, false
		}
		if buf[3] != '~' {
			return Event{}, true, false
		}
		switch third {
		case '1':
			return Event{Key: KeyHome}, true, true
		case '3':
			return Event{Key: KeyDEL}, true, true
		case '4':
			return Event{Key: KeyEnd}, true, true
		}
	}
	return Event{}, true, false
}
