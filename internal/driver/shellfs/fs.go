package shellfs

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// Runner is the one exec dependency shell-backed services need.
type Runner interface {
	Run(ctx context.Context, id string, cmd driver.RunCommand) (driver.RunResult, error)
}

// Fs implements driver.Fs over shell commands, for providers without a
// native file API. Binary content crosses the wire base64-encoded in both
// directions.
type Fs struct {
	provider string
	runner   Runner
}

// NewFs builds a shell-backed filesystem service.
func NewFs(provider string, runner Runner) *Fs {
	return &Fs{provider: provider, runner: runner}
}

// shell runs a raw shell line and classifies non-zero exits.
func (f *Fs) shell(ctx context.Context, id, line, op string) (driver.RunResult, error) {
	res, err := f.runner.Run(ctx, id, driver.RunCommand{Cmd: line})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		message := strings.TrimSpace(res.Stderr)
		if message == "" {
			message = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return res, errdefs.Classify(f.provider, op, 0, "", message, nil)
	}
	return res, nil
}

func (f *Fs) ReadFile(ctx context.Context, id string, p string) ([]byte, error) {
	res, err := f.shell(ctx, id, "base64 < "+Quote(p), "read_file")
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(res.Stdout, "\n", ""))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindProvider, f.provider+": decoding file content")
	}
	return data, nil
}

func (f *Fs) WriteFile(ctx context.Context, id string, p string, data []byte, mode fs.FileMode) error {
	b64 := base64.StdEncoding.EncodeToString(data)
	line := fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s",
		Quote(path.Dir(p)), b64, Quote(p))
	if mode != 0 {
		line += fmt.Sprintf(" && chmod %o %s", mode.Perm(), Quote(p))
	}
	_, err := f.shell(ctx, id, line, "write_file")
	return err
}

func (f *Fs) ListDir(ctx context.Context, id string, p string, recursive bool) ([]driver.FsEntry, error) {
	if recursive {
		// ls -ld on find output yields one parseable line per entry with
		// the full path in the name column.
		line := fmt.Sprintf("find %s -mindepth 1 -exec ls -ld {} +", Quote(p))
		res, err := f.shell(ctx, id, line, "list_dir")
		if err != nil {
			return nil, err
		}
		return ParseLsOutput(res.Stdout, ""), nil
	}

	res, err := f.shell(ctx, id, "ls -la "+Quote(p), "list_dir")
	if err != nil {
		return nil, err
	}
	return ParseLsOutput(res.Stdout, p), nil
}

func (f *Fs) Mkdir(ctx context.Context, id string, p string) error {
	_, err := f.shell(ctx, id, "mkdir -p "+Quote(p), "mkdir")
	return err
}

func (f *Fs) Remove(ctx context.Context, id string, p string, opts driver.RemoveOptions) error {
	flags := ""
	if opts.Recursive {
		flags += " -r"
	}
	if opts.Force {
		flags += " -f"
	}
	_, err := f.shell(ctx, id, "rm"+flags+" "+Quote(p), "remove")
	return err
}

// ParseLsOutput parses `ls -la` style listings. The leading "total" line and
// the . / .. entries are skipped. When base is non-empty the name column is
// joined onto it; otherwise names are taken as already-complete paths
// (the `ls -ld` form). Timestamps are locale-dependent and left unset.
func ParseLsOutput(out string, base string) []driver.FsEntry {
	var entries []driver.FsEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}

		perms := fields[0]
		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		// Symlink listings carry "name -> target".
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}

		entry := driver.FsEntry{Path: name, Type: driver.EntryFile}
		if base != "" {
			entry.Path = path.Join(base, name)
		}
		if strings.HasPrefix(perms, "d") {
			entry.Type = driver.EntryDir
		}
		if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			entry.Size = size
		}
		entries = append(entries, entry)
	}
	return entries
}
