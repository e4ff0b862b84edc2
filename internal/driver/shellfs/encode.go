// Package shellfs implements sandbox operations over a plain shell
// transport. Providers whose exec API is the only way in get their Fs,
// background processes, and code execution from here; everything rides on
// base64 so arbitrary bytes survive any number of quoting layers.
package shellfs

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// Quote returns s single-quoted for POSIX sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Script renders cmd as shell text: env exports, working directory, then
// the command line. With no args, Cmd is taken as a full shell line.
func Script(cmd driver.RunCommand) string {
	var b strings.Builder

	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + Quote(cmd.Env[k]) + "\n")
	}

	if cmd.Cwd != "" {
		b.WriteString("cd " + Quote(cmd.Cwd) + " || exit 97\n")
	}

	if len(cmd.Args) == 0 {
		b.WriteString(cmd.Cmd)
		return b.String()
	}
	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, Quote(cmd.Cmd))
	for _, a := range cmd.Args {
		parts = append(parts, Quote(a))
	}
	b.WriteString(strings.Join(parts, " "))
	return b.String()
}

// Encode wraps script in a base64 round-trip so it survives transport
// quoting untouched.
func Encode(script string) string {
	return fmt.Sprintf("echo %s | base64 -d | sh",
		base64.StdEncoding.EncodeToString([]byte(script)))
}

// Line renders cmd as a single command string for providers whose exec API
// takes one string and feeds it to a shell.
func Line(cmd driver.RunCommand) string {
	return Encode(Script(cmd))
}

// Argv renders cmd as an argument vector for providers whose exec API takes
// argv and does not involve a shell.
func Argv(cmd driver.RunCommand) []string {
	return []string{"sh", "-c", Line(cmd)}
}
