package blaxel

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// files drives the sandbox-local filesystem API. Reads and writes move raw
// bytes; directories are JSON listings on the same path space.
type files struct {
	a *Adapter
}

type fileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type dirInfo struct {
	Name string `json:"name"`
}

type dirListing struct {
	Files          []fileInfo `json:"files"`
	Subdirectories []dirInfo  `json:"subdirectories"`
}

func (f *files) ReadFile(ctx context.Context, id, p string) ([]byte, error) {
	data, err := f.a.data(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := data.DoRaw(ctx, "GET", fsPath(p), nil, "")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindNetwork, "blaxel: reading file body")
	}
	return content, nil
}

func (f *files) WriteFile(ctx context.Context, id, p string, content []byte, mode fs.FileMode) error {
	data, err := f.a.data(ctx, id)
	if err != nil {
		return err
	}

	target := fsPath(p)
	if mode != 0 && mode.Perm() != 0o644 {
		target += "?permissions=" + fmt.Sprintf("%o", mode.Perm())
	}
	return data.Do(ctx, "PUT", target, content, nil)
}

func (f *files) ListDir(ctx context.Context, id, p string, recursive bool) ([]driver.FsEntry, error) {
	data, err := f.a.data(ctx, id)
	if err != nil {
		return nil, err
	}

	var entries []driver.FsEntry
	queue := []string{p}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		var listing dirListing
		if err := data.Do(ctx, "GET", fsPath(dir), nil, &listing); err != nil {
			return nil, err
		}
		for _, fi := range listing.Files {
			entries = append(entries, driver.FsEntry{
				Path:       path.Join(dir, fi.Name),
				Type:       driver.EntryFile,
				Size:       fi.Size,
				ModifiedAt: fi.LastModified,
			})
		}
		for _, di := range listing.Subdirectories {
			sub := path.Join(dir, di.Name)
			entries = append(entries, driver.FsEntry{Path: sub, Type: driver.EntryDir})
			if recursive {
				queue = append(queue, sub)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *files) Mkdir(ctx context.Context, id, p string) error {
	data, err := f.a.data(ctx, id)
	if err != nil {
		return err
	}
	return data.Do(ctx, "PUT", fsPath(p), map[string]any{"isDirectory": true}, nil)
}

func (f *files) Remove(ctx context.Context, id, p string, opts driver.RemoveOptions) error {
	data, err := f.a.data(ctx, id)
	if err != nil {
		return err
	}

	target := fsPath(p)
	if opts.Recursive {
		target += "?recursive=true"
	}
	err = data.Do(ctx, "DELETE", target, nil, nil)
	if err != nil && opts.Force && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// fsPath keeps the filesystem route and the escaped target path apart.
func fsPath(p string) string {
	return "/filesystem/" + url.PathEscape(strings.TrimPrefix(p, "/"))
}
