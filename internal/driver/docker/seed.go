package docker

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/rs/zerolog/log"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// seedWorkspace populates dir from the create source. Snapshot sources are
// handled earlier through image resolution and need nothing here.
func (l *lifecycle) seedWorkspace(ctx context.Context, id string, src driver.Source, dir string) error {
	switch src.Type {
	case driver.SourceGit:
		res, err := l.a.execRun(ctx, id, gitCloneCommand(src, dir))
		if err != nil {
			return err
		}
		if err := shellExit("clone", res); err != nil {
			return err
		}
		log.Debug().Str("sandbox_id", id).Str("url", src.URL).Msg("Workspace seeded from git")
	case driver.SourceTarball:
		if err := l.a.seedTarball(ctx, id, src.URL, dir); err != nil {
			return err
		}
		log.Debug().Str("sandbox_id", id).Str("url", src.URL).Msg("Workspace seeded from tarball")
	}
	return nil
}

// gitCloneCommand builds the in-sandbox clone. The image must ship git;
// that is part of the contract for git sources.
func gitCloneCommand(src driver.Source, dir string) driver.RunCommand {
	cloneURL := src.URL
	if src.Credentials != "" {
		cloneURL = injectToken(cloneURL, src.Credentials)
	}

	args := []string{"clone"}
	if src.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(src.Depth))
	}
	if src.Revision != "" {
		args = append(args, "--branch", src.Revision)
	}
	args = append(args, cloneURL, dir)

	return driver.RunCommand{Cmd: "git", Args: args}
}

// injectToken places an access token in the clone URL userinfo slot.
// Unparseable URLs pass through untouched and fail in git instead.
func injectToken(rawURL, token string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.User = url.User(token)
	return u.String()
}

// seedTarball fetches the archive on the host side and unpacks it through
// the engine's copy endpoint, so the sandbox image needs no download tools.
func (a *Adapter) seedTarball(ctx context.Context, id, rawURL, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "tarball url")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errdefs.Classify(driver.ProviderDocker, "fetch_tarball", 0, "", err.Error(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errdefs.Classify(driver.ProviderDocker, "fetch_tarball", resp.StatusCode,
			resp.Header.Get("Retry-After"), "tarball fetch returned "+resp.Status, nil)
	}

	content, err := tarballReader(resp.Body)
	if err != nil {
		return err
	}

	res, err := a.execRun(ctx, id, driver.RunCommand{Cmd: "mkdir", Args: []string{"-p", dir}})
	if err != nil {
		return err
	}
	if err := shellExit("mkdir", res); err != nil {
		return err
	}

	if err := a.cli.CopyToContainer(ctx, id, dir, content, types.CopyToContainerOptions{}); err != nil {
		return dockerErr(err, "seed_tarball")
	}
	return nil
}

// tarballReader returns a plain tar stream, transparently decompressing
// gzip. The sniff keeps .tar and .tar.gz sources both working.
func tarballReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindProvider, "read tarball")
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindProvider, "decompress tarball")
		}
		return gz, nil
	}
	return br, nil
}
