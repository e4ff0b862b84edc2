package httpapi

import (
	"bufio"
	"io"
	"strings"
)

// maxLine bounds a single streamed record. Agent events carry tool output
// and can get large.
const maxLine = 1 << 20

// LineScanner iterates framed line streams: SSE bodies and NDJSON alike.
// Blank lines and SSE comment/field lines are skipped; `data:` prefixes are
// stripped so each yielded record is a bare payload.
type LineScanner struct {
	s *bufio.Scanner
}

// Lines wraps r for record-at-a-time reading.
func Lines(r io.Reader) *LineScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	return &LineScanner{s: s}
}

// Next returns the next payload line. ok is false at end of stream or on a
// read error (see Err).
func (l *LineScanner) Next() (string, bool) {
	for l.s.Scan() {
		line := strings.TrimRight(l.s.Text(), "\r")
		if line == "" {
			continue
		}
		// SSE comments double as keep-alive pings.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			line = strings.TrimPrefix(rest, " ")
			if line == "" {
				continue
			}
			return line, true
		}
		// Other SSE fields (event:, id:, retry:) carry no payload.
		if isSSEField(line) {
			continue
		}
		return line, true
	}
	return "", false
}

// Err reports the first read error, if any. io.EOF is not an error.
func (l *LineScanner) Err() error { return l.s.Err() }

func isSSEField(line string) bool {
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return true
		}
	}
	return false
}
