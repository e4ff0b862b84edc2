package shellfs

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// Code implements driver.Code by piping snippets through the shell
// one-liners built by CodeCommand. Any provider with a Runner gets snippet
// execution for free.
type Code struct {
	runner Runner
}

// NewCode builds a shell-backed code service.
func NewCode(runner Runner) *Code {
	return &Code{runner: runner}
}

func (c *Code) RunCode(ctx context.Context, id string, input driver.RunCodeInput) (driver.RunResult, error) {
	cmd, err := CodeCommand(input)
	if err != nil {
		return driver.RunResult{}, err
	}
	return c.runner.Run(ctx, id, cmd)
}

// NormalizeLanguage folds the accepted language aliases onto canonical
// tokens: python, javascript, typescript, bash.
func NormalizeLanguage(lang string) (string, error) {
	switch lang {
	case "python", "py":
		return "python", nil
	case "javascript", "js", "node":
		return "javascript", nil
	case "typescript", "ts":
		return "typescript", nil
	case "bash", "sh", "shell":
		return "bash", nil
	default:
		return "", errdefs.Newf(errdefs.KindValidation, "unsupported language %q", lang)
	}
}

// CodeCommand turns a snippet into the RunCommand that executes it. The
// code travels base64-encoded and is decoded by command substitution, so
// quotes, newlines and multi-byte input arrive intact.
func CodeCommand(input driver.RunCodeInput) (driver.RunCommand, error) {
	lang, err := NormalizeLanguage(input.Language)
	if err != nil {
		return driver.RunCommand{}, err
	}

	b64 := base64.StdEncoding.EncodeToString([]byte(input.Code))
	decoded := fmt.Sprintf(`"$(echo %s | base64 -d)"`, b64)

	var line string
	switch lang {
	case "python":
		line = "python3 -u -c " + decoded
	case "javascript":
		line = "node -e " + decoded
	case "typescript":
		line = "npx tsx -e " + decoded
	case "bash":
		line = "sh -c " + decoded
	}

	return driver.RunCommand{
		Cmd:       "sh",
		Args:      []string{"-c", line},
		TimeoutMs: input.TimeoutMs,
	}, nil
}
