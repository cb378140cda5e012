package mailbox

import (
	"bytes"
	"regexp"
	"strconv"
	gosync "sync"

	"github.com/rs/zerolog"
)

// protocolLog writes the raw IMAP exchange to the trace log. Lines that
// carry credentials are replaced, including the client response that
// follows an AUTHENTICATE command and the literals of a LOGIN command.
type protocolLog struct {
	mu         gosync.Mutex
	log        zerolog.Logger
	redactNext bool

	// State of a LOGIN command whose arguments are sent as literals.
	inLogin   bool
	literal   int  // literal bytes still to be swallowed
	awaitCont bool // a synchronizing literal waits for the server's "+"
}

var (
	loginCmd        = []byte(" LOGIN ")
	authenticateCmd = []byte(" AUTHENTICATE ")
	continuation    = []byte("+")

	literalMarker = regexp.MustCompile(`\{(\d+)(\+?)\}$`)
)

func (w *protocolLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		if w.literal > 0 && !w.awaitCont {
			k := min(w.literal, len(p))
			w.literal -= k
			p = p[k:]
			if w.literal == 0 {
				w.trace("[literal redacted]")
			}
			continue
		}

		line := p
		if i := bytes.IndexByte(p, '\n'); i >= 0 {
			line, p = p[:i+1], p[i+1:]
		} else {
			p = nil
		}
		w.line(bytes.TrimRight(line, "\r\n"))
	}

	return n, nil
}

func (w *protocolLog) line(line []byte) {
	if w.awaitCont {
		if bytes.HasPrefix(line, continuation) {
			w.awaitCont = false
			w.log.Trace().Bytes("imap", line).Msg("imap protocol")
			return
		}
		// The server refused the literal.
		w.awaitCont = false
		w.literal = 0
		w.inLogin = false
	}

	if w.inLogin {
		// Rest of the command after a literal.
		if len(line) > 0 {
			w.trace("[credentials redacted]")
		}
		w.expectLiteral(line)
		return
	}
	if len(line) == 0 {
		return
	}

	upper := bytes.ToUpper(line)
	switch {
	case bytes.Contains(upper, loginCmd):
		w.trace("[LOGIN redacted]")
		w.expectLiteral(line)
	case bytes.Contains(upper, authenticateCmd):
		w.redactNext = true
		w.trace("[AUTHENTICATE redacted]")
	case w.redactNext && !bytes.HasPrefix(line, continuation):
		w.redactNext = false
		w.trace("[credentials redacted]")
	default:
		w.log.Trace().Bytes("imap", line).Msg("imap protocol")
	}
}

// expectLiteral arms literal redaction when a LOGIN line ends in {n} or
// {n+}.
func (w *protocolLog) expectLiteral(line []byte) {
	m := literalMarker.FindSubmatch(line)
	if m == nil {
		w.inLogin = false
		return
	}
	size, err := strconv.Atoi(string(m[1]))
	if err != nil {
		w.inLogin = false
		return
	}
	w.inLogin = true
	w.literal = size
	w.awaitCont = len(m[2]) == 0
	if size == 0 {
		w.awaitCont = false
	}
}

func (w *protocolLog) trace(msg string) {
	w.log.Trace().Str("imap", msg).Msg("imap protocol")
}
