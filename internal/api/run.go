package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/run"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/store"
)

func (h *Handler) startRun(c echo.Context) error {
	var req run.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}

	res, err := h.orch.Start(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "run.start", err)
	}

	// Ownership is stamped once here; later orchestrator upserts carry no
	// user and the store keeps this one.
	if uid := userID(c); uid != "" {
		if state, err := h.orch.Get(res.RunID); err == nil {
			rec := store.RunRecord(state)
			rec.UserID = uid
			if err := h.store.Runs.Put(c.Request().Context(), rec); err != nil {
				log.Warn().Err(err).Str("run", res.RunID).Msg("stamp run owner")
			}
		}
	}

	return c.JSON(http.StatusOK, res)
}

func (h *Handler) stopRun(c echo.Context) error {
	if err := h.orch.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, "run.stop", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// streamRun relays the run's event bus over SSE. Subscribe replays the full
// log first, so reconnecting clients always start from sequence 0 and dedup
// by event id. The channel closes on client disconnect or when the bus
// broadcasts the terminal frame.
func (h *Handler) streamRun(c echo.Context) error {
	bus, err := h.orch.Bus(c.Param("id"))
	if err != nil {
		return h.fail(c, "run.stream", err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for evt := range bus.Subscribe(c.Request().Context()) {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
			break
		}
		res.Flush()
	}
	return nil
}

func (h *Handler) opencodeHealth(c echo.Context) error {
	healthy, url, err := h.orch.Health(c.Request().Context(), c.Param("id"), c.Param("provider"))
	if err != nil {
		return h.fail(c, "opencode.health", err)
	}
	body := map[string]any{"healthy": healthy}
	if url != "" {
		body["url"] = url
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) opencodeSessions(c echo.Context) error {
	raw, err := h.orch.Sessions(c.Request().Context(), c.Param("id"), c.Param("provider"))
	if err != nil {
		return h.fail(c, "opencode.session", err)
	}
	return c.JSONBlob(http.StatusOK, raw)
}

func (h *Handler) opencodeMessages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	raw, err := h.orch.Messages(c.Request().Context(), c.Param("id"), c.Param("provider"), c.Param("sid"), limit)
	if err != nil {
		return h.fail(c, "opencode.message", err)
	}
	return c.JSONBlob(http.StatusOK, raw)
}
