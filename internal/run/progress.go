package run

import "strings"

// progress coalesces raw process output into whole display lines. Git and
// npm rewrite progress in place with carriage returns, so both \r and \n
// terminate a line; partial lines carry across chunks.
type progress struct {
	keep func(string) bool
	emit func(string)
	buf  strings.Builder
	last string
}

func newProgress(keep func(string) bool, emit func(string)) *progress {
	return &progress{keep: keep, emit: emit}
}

// Write consumes one output chunk.
func (p *progress) Write(b []byte) {
	for _, c := range b {
		if c == '\n' || c == '\r' {
			p.line()
			continue
		}
		p.buf.WriteByte(c)
	}
}

// Flush emits any trailing unterminated line.
func (p *progress) Flush() { p.line() }

func (p *progress) line() {
	line := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if line == "" || line == p.last || !p.keep(line) {
		return
	}
	p.last = line
	p.emit(line)
}

// cloneLine keeps the clone output worth relaying: the opening line,
// percentage updates, and anything git flags as a problem.
func cloneLine(line string) bool {
	if strings.Contains(line, "%") {
		return true
	}
	for _, prefix := range []string{"Cloning into", "fatal:", "error:", "warning:"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// anyLine relays every distinct line.
func anyLine(string) bool { return true }
