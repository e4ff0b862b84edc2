package docker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

func TestMapState(t *testing.T) {
	cases := map[string]driver.Status{
		"created":    driver.StatusCreating,
		"restarting": driver.StatusCreating,
		"running":    driver.StatusReady,
		"paused":     driver.StatusStopped,
		"exited":     driver.StatusStopped,
		"removing":   driver.StatusStopped,
		"dead":       driver.StatusFailed,
		"":           driver.StatusFailed,
		"zombie":     driver.StatusFailed,
	}
	for state, want := range cases {
		assert.Equal(t, want, mapState(state), "state %q", state)
	}
}

func TestResolveImage(t *testing.T) {
	assert.Equal(t, defaultImage, resolveImage(driver.CreateOptions{}))
	assert.Equal(t, "alpine:3.21", resolveImage(driver.CreateOptions{Image: "alpine:3.21"}))

	snap := &driver.Source{Type: driver.SourceSnapshot, SnapshotID: "abc-123"}
	assert.Equal(t, "sandbox-snapshot:abc-123",
		resolveImage(driver.CreateOptions{Image: "alpine:3.21", Source: snap}),
		"snapshot source wins over explicit image")

	full := &driver.Source{Type: driver.SourceSnapshot, SnapshotID: "registry.local/base:v2"}
	assert.Equal(t, "registry.local/base:v2", resolveImage(driver.CreateOptions{Source: full}))
}

func TestPortBindings(t *testing.T) {
	set, bindings := portBindings(nil)
	assert.Nil(t, set)
	assert.Nil(t, bindings)

	set, bindings = portBindings([]int{8080, 3000})
	require.Len(t, set, 2)
	require.Contains(t, set, nat.Port("8080/tcp"))
	require.Contains(t, set, nat.Port("3000/tcp"))
	require.Equal(t, []nat.PortBinding{{HostPort: "0"}}, bindings[nat.Port("8080/tcp")])
}

func TestParsePortMap(t *testing.T) {
	m := parsePortMap(nat.PortMap{
		"8080/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "32768"}},
		"9000/tcp": nil,
		"7000/tcp": []nat.PortBinding{{HostPort: "0"}},
		"6000/tcp": []nat.PortBinding{{HostPort: "junk"}, {HostPort: "32769"}},
	})
	assert.Equal(t, map[int]int{8080: 32768, 6000: 32769}, m)
}

func TestEnvSlice(t *testing.T) {
	assert.Nil(t, envSlice(nil))
	assert.Equal(t, []string{"A=1", "B=2"}, envSlice(map[string]string{"B": "2", "A": "1"}))
}

func TestVolumeMounts(t *testing.T) {
	assert.Nil(t, volumeMounts(nil))

	mounts := volumeMounts(map[string]string{"/data": "vol1", "/cache": "vol2"})
	require.Len(t, mounts, 2)
	assert.Equal(t, "/cache", mounts[0].Target)
	assert.Equal(t, "vol2", mounts[0].Source)
	assert.Equal(t, mount.TypeVolume, mounts[0].Type)
	assert.Equal(t, "/data", mounts[1].Target)
}

func TestContainerResources(t *testing.T) {
	res := containerResources(driver.CreateOptions{CPU: 1.5, MemoryMiB: 512})
	assert.Equal(t, int64(1_500_000_000), res.NanoCPUs)
	assert.Equal(t, int64(512<<20), res.Memory)

	assert.Equal(t, container.Resources{}, containerResources(driver.CreateOptions{}))
}

func TestExecArgv(t *testing.T) {
	assert.Equal(t, []string{"sh", "-c", "echo hi && ls"},
		execArgv(driver.RunCommand{Cmd: "echo hi && ls"}))
	assert.Equal(t, []string{"echo", "hi"},
		execArgv(driver.RunCommand{Cmd: "echo", Args: []string{"hi"}}))
}

func TestShellExit(t *testing.T) {
	assert.NoError(t, shellExit("rm", driver.RunResult{ExitCode: 0}))

	err := shellExit("rm", driver.RunResult{
		ExitCode: 1,
		Stderr:   "rm: cannot remove '/x': No such file or directory\n",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	err = shellExit("mkdir", driver.RunResult{ExitCode: 2})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindProvider, errdefs.KindOf(err))
	assert.Contains(t, err.Error(), "exited with code 2")
}

func TestGitCloneCommand(t *testing.T) {
	cmd := gitCloneCommand(driver.Source{
		Type: driver.SourceGit,
		URL:  "https://github.com/acme/app.git",
	}, "/workspace")
	assert.Equal(t, "git", cmd.Cmd)
	assert.Equal(t, []string{"clone", "https://github.com/acme/app.git", "/workspace"}, cmd.Args)

	cmd = gitCloneCommand(driver.Source{
		Type:        driver.SourceGit,
		URL:         "https://github.com/acme/app.git",
		Revision:    "release-2.1",
		Depth:       1,
		Credentials: "tok123",
	}, "/workspace")
	assert.Equal(t, []string{
		"clone", "--depth", "1", "--branch", "release-2.1",
		"https://tok123@github.com/acme/app.git", "/workspace",
	}, cmd.Args)
}

func TestInjectToken(t *testing.T) {
	assert.Equal(t, "https://tok@github.com/a/b.git", injectToken("https://github.com/a/b.git", "tok"))
	assert.Equal(t, "::bad::", injectToken("::bad::", "tok"), "unparseable URLs pass through")
}

func TestTarballReader(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte("tar bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, err := tarballReader(&gz)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "tar bytes", string(out))

	r, err = tarballReader(bytes.NewReader([]byte("plain tar")))
	require.NoError(t, err)
	out, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "plain tar", string(out))
}

func buildListingTar(t *testing.T, modTime time.Time) *tar.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	write := func(hdr *tar.Header, body string) {
		hdr.ModTime = modTime
		require.NoError(t, tw.WriteHeader(hdr))
		if body != "" {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	write(&tar.Header{Name: "app/", Typeflag: tar.TypeDir, Mode: 0o755}, "")
	write(&tar.Header{Name: "app/main.py", Size: 7, Mode: 0o644}, "print()")
	write(&tar.Header{Name: "app/sub/", Typeflag: tar.TypeDir, Mode: 0o755}, "")
	write(&tar.Header{Name: "app/sub/notes.txt", Size: 5, Mode: 0o644}, "hello")
	require.NoError(t, tw.Close())

	return tar.NewReader(&buf)
}

func TestEntriesFromTar(t *testing.T) {
	modTime := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	entries, err := entriesFromTar(buildListingTar(t, modTime), "/opt/app", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "/opt/app/main.py", entries[0].Path)
	assert.Equal(t, driver.EntryFile, entries[0].Type)
	assert.Equal(t, int64(7), entries[0].Size)
	assert.True(t, entries[0].ModifiedAt.Equal(modTime))

	assert.Equal(t, "/opt/app/sub", entries[1].Path)
	assert.Equal(t, driver.EntryDir, entries[1].Type)
	assert.Zero(t, entries[1].Size)
}

func TestEntriesFromTarRecursive(t *testing.T) {
	modTime := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	entries, err := entriesFromTar(buildListingTar(t, modTime), "/opt/app", true)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "/opt/app/main.py", entries[0].Path)
	assert.Equal(t, "/opt/app/sub", entries[1].Path)
	assert.Equal(t, "/opt/app/sub/notes.txt", entries[2].Path)
	assert.Equal(t, driver.EntryFile, entries[2].Type)
}

func TestSnapshotChanges(t *testing.T) {
	changes := snapshotChanges("sb-1", map[string]string{"b": "2", "a": "1"})
	require.Equal(t, []string{
		`LABEL "dev.sandboxd.snapshot_of"="sb-1"`,
		`LABEL "dev.sandboxd.meta.a"="1"`,
		`LABEL "dev.sandboxd.meta.b"="2"`,
	}, changes)
}

func TestSnapshotIDFromTags(t *testing.T) {
	assert.Equal(t, "abc", snapshotIDFromTags([]string{"other:1", "sandbox-snapshot:abc"}))
	assert.Empty(t, snapshotIDFromTags([]string{"other:1"}))
	assert.Empty(t, snapshotIDFromTags(nil))
}

func TestSnapshotMetadata(t *testing.T) {
	meta := snapshotMetadata(map[string]string{
		metaLabelPrefix + "task": "build",
		snapshotOfLabel:          "sb-1",
	})
	assert.Equal(t, map[string]string{"task": "build"}, meta)

	assert.Nil(t, snapshotMetadata(map[string]string{"unrelated": "x"}))
}

func TestSandboxInfo(t *testing.T) {
	info := sandboxInfo(types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      "abc123",
			Created: "2026-08-24T10:00:00.000000000Z",
			State:   &types.ContainerState{Status: "running"},
		},
		Config: &container.Config{
			Labels: map[string]string{nameLabel: "demo"},
			Image:  "alpine:3.21",
		},
	})

	assert.Equal(t, "abc123", info.ID)
	assert.Equal(t, "demo", info.Name)
	assert.Equal(t, driver.ProviderDocker, info.Provider)
	assert.Equal(t, driver.StatusReady, info.Status)
	assert.Equal(t, 2026, info.CreatedAt.Year())
	assert.Equal(t, "alpine:3.21", info.Metadata["image"])
}

func TestChunkWriter(t *testing.T) {
	ch := make(chan driver.ProcessChunk, 1)
	w := chunkWriter{ctx: context.Background(), ch: ch, channel: driver.Stdout}

	n, err := w.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	chunk := <-ch
	assert.Equal(t, driver.Stdout, chunk.Channel)
	assert.Equal(t, []byte("hi"), chunk.Data)
}

func TestChunkWriterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Unbuffered channel with no receiver: only the cancelled context can
	// unblock the write.
	w := chunkWriter{ctx: ctx, ch: make(chan driver.ProcessChunk), channel: driver.Stderr}
	_, err := w.Write([]byte("x"))
	require.Error(t, err)
}

func TestWithTimeout(t *testing.T) {
	a := &Adapter{defaultTimeout: 5 * time.Second}

	ctx, cancel := a.withTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.LessOrEqual(t, time.Until(deadline), 100*time.Millisecond)

	ctx, cancel = a.withTimeout(context.Background(), 0)
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.Greater(t, time.Until(deadline), time.Second)

	parent, parentCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer parentCancel()
	ctx, cancel = a.withTimeout(parent, 0)
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.LessOrEqual(t, time.Until(deadline), 50*time.Millisecond, "caller deadline is kept")
}
