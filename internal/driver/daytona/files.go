package daytona

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// files implements driver.Fs on the toolbox file endpoints, which are
// binary-safe in both directions.
type files struct {
	a *Adapter
}

// fileEntry is the toolbox listing shape.
type fileEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func (f *files) ReadFile(ctx context.Context, id string, p string) ([]byte, error) {
	rc, err := f.a.api.DoRaw(ctx, "GET", toolboxPath(id, "/files/download")+"?path="+url.QueryEscape(p), nil, "")
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
	uploadPath := toolboxPath(id, "/files/upload") + "?path=" + url.QueryEscape(p)
	if err := f.a.api.Upload(ctx, uploadPath, "file", path.Base(p), data, nil, nil); err != nil {
		return err
	}
	if mode != 0 && mode.Perm() != 0o644 {
		permsPath := fmt.Sprintf("%s?path=%s&mode=%o",
			toolboxPath(id, "/files/permissions"), url.QueryEscape(p), mode.Perm())
		return f.a.api.Do(ctx, "POST", permsPath, nil, nil)
	}
	return nil
}

func (f *files) ListDir(ctx context.Context, id string, p string, recursive bool) ([]driver.FsEntry, error) {
	entries, err := f.list(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if !recursive {
		return entries, nil
	}

	// Walk subdirectories breadth-first; the toolbox listing is flat.
	queue := dirPaths(entries)
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		children, err := f.list(ctx, id, dir)
		if err != nil {
			return nil, err
		}
		entries = append(entries, children...)
		queue = append(queue, dirPaths(children)...)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *files) list(ctx context.Context, id string, p string) ([]driver.FsEntry, error) {
	var raw []fileEntry
	if err := f.a.api.Do(ctx, "GET", toolboxPath(id, "/files")+"?path="+url.QueryEscape(p), nil, &raw); err != nil {
		return nil, err
	}

	entries := make([]driver.FsEntry, 0, len(raw))
	for _, e := range raw {
		entry := driver.FsEntry{
			Path:       path.Join(p, e.Name),
			Type:       driver.EntryFile,
			Size:       e.Size,
			ModifiedAt: e.ModTime,
		}
		if e.IsDir {
			entry.Type = driver.EntryDir
			entry.Size = 0
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (f *files) Mkdir(ctx context.Context, id string, p string) error {
	folderPath := toolboxPath(id, "/files/folder") + "?path=" + url.QueryEscape(p) + "&mode=0755"
	return f.a.api.Do(ctx, "POST", folderPath, nil, nil)
}

func (f *files) Remove(ctx context.Context, id string, p string, opts driver.RemoveOptions) error {
	removePath := toolboxPath(id, "/files") + "?path=" + url.QueryEscape(p)
	if opts.Recursive {
		removePath += "&recursive=true"
	}
	err := f.a.api.Do(ctx, "DELETE", removePath, nil, nil)
	if err != nil && opts.Force && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func dirPaths(entries []driver.FsEntry) []string {
	var dirs []string
	for _, e := range entries {
		if e.Type == driver.EntryDir {
			dirs = append(dirs, e.Path)
		}
	}
	return dirs
}
