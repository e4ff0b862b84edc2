package api

import (
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// CLI and SDK clients connect without an Origin.
			return true
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// driverFor resolves the provider handling a sandbox: the query param wins,
// else the stored record from create tells us where the sandbox lives.
func (h *Handler) driverFor(c echo.Context, sandboxID string) (*driver.Driver, error) {
	provider := c.QueryParam("provider")
	if provider == "" && sandboxID != "" {
		if rec, err := h.store.Sandboxes.BySandboxID(c.Request().Context(), sandboxID); err == nil {
			provider = rec.Provider
		}
	}
	if provider == "" {
		return nil, errdefs.New(errdefs.KindValidation, "provider is required")
	}
	return h.resolve(c.Request().Context(), provider)
}

type createSandboxRequest struct {
	Provider string `json:"provider"`
	driver.CreateOptions
}

func (h *Handler) createSandbox(c echo.Context) error {
	var req createSandboxRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if req.Provider == "" {
		return h.fail(c, "sandbox.create", errdefs.New(errdefs.KindValidation, "provider is required"))
	}

	d, err := h.resolve(c.Request().Context(), req.Provider)
	if err != nil {
		return h.fail(c, "sandbox.create", err)
	}

	info, err := d.Create(c.Request().Context(), req.CreateOptions)
	if err != nil {
		return h.fail(c, "sandbox.create", err)
	}

	now := time.Now().UTC()
	rec := store.Sandbox{
		ID:        uuid.NewString(),
		UserID:    userID(c),
		SandboxID: info.ID,
		Provider:  req.Provider,
		Image:     req.Image,
		Status:    string(info.Status),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Sandboxes.Put(c.Request().Context(), rec); err != nil {
		log.Warn().Err(err).Str("sandbox", info.ID).Msg("record sandbox")
	}

	return c.JSON(http.StatusCreated, info)
}

func (h *Handler) destroySandbox(c echo.Context) error {
	id := c.Param("id")
	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.destroy", err)
	}

	if err := d.Destroy(c.Request().Context(), id); err != nil {
		return h.fail(c, "sandbox.destroy", err)
	}

	if rec, err := h.store.Sandboxes.BySandboxID(c.Request().Context(), id); err == nil {
		rec.Status = string(driver.StatusStopped)
		rec.UpdatedAt = time.Now().UTC()
		if err := h.store.Sandboxes.Put(c.Request().Context(), rec); err != nil {
			log.Warn().Err(err).Str("sandbox", id).Msg("record sandbox destroy")
		}
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listDir(c echo.Context) error {
	id := c.Param("id")
	path := c.QueryParam("path")
	if path == "" {
		path = "/"
	}
	recursive, _ := strconv.ParseBool(c.QueryParam("recursive"))

	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.ls", err)
	}

	entries, err := d.ListDir(c.Request().Context(), id, path, recursive)
	if err != nil {
		return h.fail(c, "sandbox.ls", err)
	}
	if entries == nil {
		entries = []driver.FsEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) readFile(c echo.Context) error {
	id := c.Param("id")
	path := c.QueryParam("path")
	if path == "" {
		return h.fail(c, "sandbox.read", errdefs.New(errdefs.KindValidation, "path is required"))
	}

	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.read", err)
	}

	data, err := d.ReadFile(c.Request().Context(), id, path)
	if err != nil {
		return h.fail(c, "sandbox.read", err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// writeFile mirrors readFile: path in the query, raw bytes in the body, so
// binary content round-trips without any envelope.
func (h *Handler) writeFile(c echo.Context) error {
	id := c.Param("id")
	path := c.QueryParam("path")
	if path == "" {
		return h.fail(c, "sandbox.write", errdefs.New(errdefs.KindValidation, "path is required"))
	}

	mode := fs.FileMode(0o644)
	if raw := c.QueryParam("mode"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return h.fail(c, "sandbox.write", errdefs.Newf(errdefs.KindValidation, "invalid mode %q", raw))
		}
		mode = fs.FileMode(parsed)
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}

	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.write", err)
	}

	if err := d.WriteFile(c.Request().Context(), id, path, data, mode); err != nil {
		return h.fail(c, "sandbox.write", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"path": path, "size": len(data)})
}

func (h *Handler) runCommand(c echo.Context) error {
	id := c.Param("id")
	var cmd driver.RunCommand
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if cmd.Cmd == "" {
		return h.fail(c, "sandbox.run", errdefs.New(errdefs.KindValidation, "cmd is required"))
	}

	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.run", err)
	}

	res, err := d.Run(c.Request().Context(), id, cmd)
	if err != nil {
		return h.fail(c, "sandbox.run", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) execCode(c echo.Context) error {
	id := c.Param("id")
	var input driver.RunCodeInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}

	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.exec", err)
	}

	res, err := d.RunCode(c.Request().Context(), id, input)
	if err != nil {
		return h.fail(c, "sandbox.exec", err)
	}
	return c.JSON(http.StatusOK, res)
}

// interactFrame is one message on the interactive socket. Output frames
// carry channel+data; lifecycle frames carry event, with error and kind set
// when a command failed.
type interactFrame struct {
	Channel string `json:"channel,omitempty"`
	Data    string `json:"data,omitempty"`
	Event   string `json:"event,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// interactSandbox runs a command per client message and streams output back
// as JSON frames. Messages are either a RunCommand object or raw text, which
// runs under sh -c. Each command ends with a done frame; a failed command
// reports an error frame and the socket stays open for the next one.
func (h *Handler) interactSandbox(c echo.Context) error {
	id := c.Param("id")
	d, err := h.driverFor(c, id)
	if err != nil {
		return h.fail(c, "sandbox.interact", err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx := c.Request().Context()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return nil
		}

		var cmd driver.RunCommand
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.Cmd == "" {
			cmd = driver.RunCommand{Cmd: "sh", Args: []string{"-c", string(message)}}
		}

		chunks, err := d.Stream(ctx, id, cmd)
		if err != nil {
			if werr := ws.WriteJSON(interactFrame{Event: "error", Error: err.Error(), Kind: string(errdefs.KindOf(err))}); werr != nil {
				return nil
			}
			continue
		}
		for chunk := range chunks {
			frame := interactFrame{Channel: string(chunk.Channel), Data: string(chunk.Data)}
			if err := ws.WriteJSON(frame); err != nil {
				return nil
			}
		}
		if err := ws.WriteJSON(interactFrame{Event: "done"}); err != nil {
			return nil
		}
	}
}
