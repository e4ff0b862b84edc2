package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/store"
)

// keyResponse is a provider key without its secret. Secrets go in, never
// come back out.
type keyResponse struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func keyView(k store.ProviderKey) keyResponse {
	return keyResponse{ID: k.ID, Provider: k.Provider, Label: k.Label, CreatedAt: k.CreatedAt}
}

func (h *Handler) listKeys(c echo.Context) error {
	uid, err := requireUser(c)
	if err != nil {
		return h.fail(c, "user.keys", err)
	}

	keys, err := h.store.ProviderKeys.ByUser(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, "user.keys", err)
	}
	views := make([]keyResponse, len(keys))
	for i, k := range keys {
		views[i] = keyView(k)
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": views})
}

type createKeyRequest struct {
	Provider string `json:"provider"`
	Label    string `json:"label"`
	Secret   string `json:"secret"`
}

func (h *Handler) createKey(c echo.Context) error {
	uid, err := requireUser(c)
	if err != nil {
		return h.fail(c, "user.keys", err)
	}

	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if req.Provider == "" || req.Secret == "" {
		return h.fail(c, "user.keys", errdefs.New(errdefs.KindValidation, "provider and secret are required"))
	}

	key := store.ProviderKey{
		ID:        uuid.NewString(),
		UserID:    uid,
		Provider:  req.Provider,
		Label:     req.Label,
		Secret:    req.Secret,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.ProviderKeys.Put(c.Request().Context(), key); err != nil {
		return h.fail(c, "user.keys", err)
	}
	return c.JSON(http.StatusCreated, keyView(key))
}

func (h *Handler) deleteKey(c echo.Context) error {
	uid, err := requireUser(c)
	if err != nil {
		return h.fail(c, "user.keys", err)
	}

	id := c.Param("id")
	key, err := h.store.ProviderKeys.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "user.keys", err)
	}
	// Another user's key reads as absent, not forbidden.
	if key.UserID != uid {
		return h.fail(c, "user.keys", errdefs.Newf(errdefs.KindNotFound, "key %s not found", id))
	}

	if err := h.store.ProviderKeys.Delete(c.Request().Context(), id); err != nil {
		return h.fail(c, "user.keys", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) userSandboxes(c echo.Context) error {
	uid, err := requireUser(c)
	if err != nil {
		return h.fail(c, "user.sandboxes", err)
	}

	sandboxes, err := h.store.Sandboxes.ByUser(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, "user.sandboxes", err)
	}
	if sandboxes == nil {
		sandboxes = []store.Sandbox{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sandboxes": sandboxes})
}

func (h *Handler) userRuns(c echo.Context) error {
	uid, err := requireUser(c)
	if err != nil {
		return h.fail(c, "user.runs", err)
	}

	runs, err := h.store.Runs.ByUser(c.Request().Context(), uid)
	if err != nil {
		return h.fail(c, "user.runs", err)
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}
