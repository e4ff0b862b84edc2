package shellfs

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
)

// CloneLine renders a git clone of src into dir as one shell line. The
// image must ship a git binary; remote providers' default images all do.
func CloneLine(src driver.Source, dir string) string {
	args := []string{"git", "clone"}
	if src.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", src.Depth))
	}
	if src.Revision != "" {
		args = append(args, "--branch", src.Revision)
	}
	args = append(args, Quote(authURL(src.URL, src.Credentials)), Quote(dir))
	return strings.Join(args, " ")
}

// TarballLine renders a fetch-and-unpack of rawURL into dir as one shell
// line.
func TarballLine(rawURL, dir string) string {
	return fmt.Sprintf("mkdir -p %s && curl -fsSL %s | tar -xz -C %s",
		Quote(dir), Quote(rawURL), Quote(dir))
}

// authURL injects a token as the userinfo of a clone URL. Unparseable URLs
// pass through so git reports the real problem.
func authURL(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.User = url.User(token)
	return u.String()
}
