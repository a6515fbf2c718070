package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	apiservices "github.com/Sumit189/letItGoTasks/api/services"
	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/Sumit189/letItGoTasks/services"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 64 << 10

// Controller serves the task and project endpoints.
type Controller struct {
	engine       *services.Engine
	tenants      *services.TenantService
	archives     ArchiveFinder
	tenantHeader string
}

func NewController(engine *services.Engine, tenants *services.TenantService, headerPrefix string) *Controller {
	return &Controller{
		engine:       engine,
		tenants:      tenants,
		tenantHeader: headerPrefix + "-Project",
	}
}

func (c *Controller) SubscribeHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(c.tenantHeader)
	if err := c.tenants.Admit(ctx, tenantID); err != nil {
		writeError(w, err)
		return
	}

	var input models.TaskInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, err)
		return
	}
	if err := apiservices.ValidateTask(input, time.Now().UnixMilli()); err != nil {
		writeError(w, err)
		return
	}

	summary, err := c.engine.Subscribe(ctx, tenantID, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (c *Controller) UnsubscribeHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	if err := c.engine.Unsubscribe(ctx, mux.Vars(r)["id"], tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": "UNSUBSCRIBED"})
}

func (c *Controller) PauseHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	if err := c.engine.Pause(ctx, mux.Vars(r)["id"], tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": string(models.StatePaused)})
}

func (c *Controller) ResumeHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	summary, err := c.engine.Resume(ctx, mux.Vars(r)["id"], tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (c *Controller) PurgeHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	if err := c.engine.Purge(ctx, mux.Vars(r)["id"], tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": "EMPTY"})
}

func (c *Controller) ValueHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	view, err := c.engine.ValueChanges(ctx, mux.Vars(r)["id"], tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (c *Controller) TimelineHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	entries, err := c.engine.TimelineChanges(ctx, mux.Vars(r)["id"], tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// tenant resolves the calling tenant and writes a 401 when it is unknown.
func (c *Controller) tenant(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(c.tenantHeader)
	if err := c.tenants.Known(ctx, tenantID); err != nil {
		writeError(w, err)
		return "", false
	}
	return tenantID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errPayloadTooLarge
		}
		return fmt.Errorf("%w: invalid payload: %v", services.ErrBadRequest, err)
	}
	return nil
}

var errPayloadTooLarge = errors.New("payload too large")

func statusOf(err error) int {
	switch {
	case errors.Is(err, errPayloadTooLarge), errors.Is(err, services.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, services.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrUnknownTenant):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrConflict), errors.Is(err, services.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, services.ErrEngineClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error encoding response")
	}
}

// ArchiveFinder looks up the archived copy of a terminated task.
type ArchiveFinder interface {
	FindArchive(ctx context.Context, tenantID, queueID string) (models.Archive, error)
}

// WithArchives enables the archive endpoint.
func (c *Controller) WithArchives(archives ArchiveFinder) *Controller {
	c.archives = archives
	return c
}

func (c *Controller) ArchiveHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.tenant(ctx, w, r)
	if !ok {
		return
	}
	if c.archives == nil {
		writeError(w, services.ErrNotFound)
		return
	}
	archive, err := c.archives.FindArchive(ctx, tenantID, mux.Vars(r)["id"])
	if errors.Is(err, repository.ErrNotArchived) {
		writeError(w, services.ErrNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archive)
}
