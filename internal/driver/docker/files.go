package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// files implements driver.Fs over the engine's tar copy endpoints, so file
// content never has to survive a shell round trip. Directory creation and
// removal go through execs since the copy API cannot express them.
type files struct {
	a *Adapter
}

func (f *files) ReadFile(ctx context.Context, id string, p string) ([]byte, error) {
	abs, err := f.resolvePath(ctx, id, p)
	if err != nil {
		return nil, err
	}

	rc, stat, err := f.a.cli.CopyFromContainer(ctx, id, abs)
	if err != nil {
		return nil, dockerErr(err, "read_file")
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, errdefs.Newf(errdefs.KindValidation, "%s is a directory", abs)
	}

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindProvider, "read tar stream")
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindProvider, "read tar stream")
	}
	return data, nil
}

func (f *files) WriteFile(ctx context.Context, id string, p string, data []byte, mode fs.FileMode) error {
	abs, err := f.resolvePath(ctx, id, p)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}

	dir := path.Dir(abs)
	res, err := f.a.execRun(ctx, id, driver.RunCommand{Cmd: "mkdir", Args: []string{"-p", dir}})
	if err != nil {
		return err
	}
	if err := shellExit("mkdir", res); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(abs),
		Size:    int64(len(data)),
		Mode:    int64(mode.Perm()),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider, "write tar header")
	}
	if _, err := tw.Write(data); err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider, "write tar body")
	}
	if err := tw.Close(); err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider, "close tar stream")
	}

	// The copy endpoint takes the directory containing the file.
	if err := f.a.cli.CopyToContainer(ctx, id, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return dockerErr(err, "write_file")
	}
	return nil
}

func (f *files) ListDir(ctx context.Context, id string, p string, recursive bool) ([]driver.FsEntry, error) {
	abs, err := f.resolvePath(ctx, id, p)
	if err != nil {
		return nil, err
	}

	rc, stat, err := f.a.cli.CopyFromContainer(ctx, id, abs)
	if err != nil {
		return nil, dockerErr(err, "list_dir")
	}
	defer rc.Close()

	if !stat.Mode.IsDir() {
		return nil, errdefs.Newf(errdefs.KindValidation, "%s is not a directory", abs)
	}
	return entriesFromTar(tar.NewReader(rc), abs, recursive)
}

func (f *files) Mkdir(ctx context.Context, id string, p string) error {
	abs, err := f.resolvePath(ctx, id, p)
	if err != nil {
		return err
	}
	res, err := f.a.execRun(ctx, id, driver.RunCommand{Cmd: "mkdir", Args: []string{"-p", abs}})
	if err != nil {
		return err
	}
	return shellExit("mkdir", res)
}

func (f *files) Remove(ctx context.Context, id string, p string, opts driver.RemoveOptions) error {
	abs, err := f.resolvePath(ctx, id, p)
	if err != nil {
		return err
	}
	args := make([]string, 0, 3)
	if opts.Recursive {
		args = append(args, "-r")
	}
	if opts.Force {
		args = append(args, "-f")
	}
	args = append(args, abs)

	res, err := f.a.execRun(ctx, id, driver.RunCommand{Cmd: "rm", Args: args})
	if err != nil {
		return err
	}
	return shellExit("rm", res)
}

// resolvePath joins relative paths onto the container working directory.
func (f *files) resolvePath(ctx context.Context, id, p string) (string, error) {
	if path.IsAbs(p) {
		return p, nil
	}
	info, err := f.a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", dockerErr(err, "inspect")
	}
	wd := info.Config.WorkingDir
	if wd == "" {
		wd = "/"
	}
	return path.Join(wd, p), nil
}

// entriesFromTar turns the copy endpoint's tar stream for dir into listing
// entries. The stream is always recursive; the depth filter happens here.
func entriesFromTar(tr *tar.Reader, dir string, recursive bool) ([]driver.FsEntry, error) {
	base := path.Base(dir)

	var entries []driver.FsEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProvider, "read tar stream")
		}

		name := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, base+"/"), "/")
		if name == "" || name == base {
			// The directory itself.
			continue
		}
		if !recursive && strings.Contains(name, "/") {
			continue
		}

		typ := driver.EntryFile
		size := hdr.Size
		if hdr.Typeflag == tar.TypeDir {
			typ = driver.EntryDir
			size = 0
		}
		entries = append(entries, driver.FsEntry{
			Path:       path.Join(dir, name),
			Type:       typ,
			Size:       size,
			ModifiedAt: hdr.ModTime,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
