package e2b

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// files reads and writes through envd's file endpoint, which is
// binary-safe and avoids shell quoting on content. Listing and removal
// stay on the shell runner.
type files struct {
	a      *Adapter
	runner shellfs.Runner
	*shellfs.Fs
}

func (f *files) ReadFile(ctx context.Context, id string, p string) ([]byte, error) {
	envd, err := f.a.envd(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := envd.DoRaw(ctx, "GET", filesPath(p), nil, "")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindNetwork, "reading file body")
	}
	return data, nil
}

func (f *files) WriteFile(ctx context.Context, id string, p string, data []byte, mode fs.FileMode) error {
	envd, err := f.a.envd(ctx, id)
	if err != nil {
		return err
	}
	if err := envd.Upload(ctx, filesPath(p), "file", path.Base(p), data, nil, nil); err != nil {
		return err
	}

	// envd writes 0644; adjust only when the caller asked for more.
	if mode != 0 && mode.Perm() != 0o644 {
		line := fmt.Sprintf("chmod %o %s", mode.Perm(), shellfs.Quote(p))
		res, err := f.runner.Run(ctx, id, driver.RunCommand{Cmd: line})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return errdefs.Classify(driver.ProviderE2B, "write_file", 0, "", strings.TrimSpace(res.Stderr), nil)
		}
	}
	return nil
}

func filesPath(p string) string {
	return "/files?path=" + url.QueryEscape(p) + "&username=" + envdUser
}
