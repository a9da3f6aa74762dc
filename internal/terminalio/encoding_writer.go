package terminalio

import (
	"io"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// EncodingSource reports the connection's currently selected output
// encoding, as chosen by the trailing userid punctuation handled in
// loginstate.
type EncodingSource interface {
	TransferEncoding() string // "utf8", "gb", or "" for the CP437 default
}

// EncodingWriter re-encodes prompt and banner text for a connection
// according to src's current selection, consulting src on every Write so a
// single connection can switch encodings mid-session the moment the userid
// line is submitted. Default output goes through the same selective CP437
// path the teacher uses for legacy terminals; "utf8" passes through
// unchanged; "gb" re-encodes to GB18030 for simplified-Chinese clients.
type EncodingWriter struct {
	w     io.Writer
	src   EncodingSource
	cp437 *SelectiveCP437Writer
}

// NewEncodingWriter wraps w, consulting src to pick an encoding per Write.
func NewEncodingWriter(w io.Writer, src EncodingSource) *EncodingWriter {
	return &EncodingWriter{w: w, src: src, cp437: NewSelectiveCP437Writer(w)}
}

func (e *EncodingWriter) Write(p []byte) (int, error) {
	switch e.src.TransferEncoding() {
	case "utf8":
		return e.w.Write(p)
	case "gb":
		encoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewEncoder(), p)
		if err != nil {
			return e.w.Write(p)
		}
		if _, werr := e.w.Write(encoded); werr != nil {
			return 0, werr
		}
		return len(p), nil
	default:
		return e.cp437.Write(p)
	}
}
