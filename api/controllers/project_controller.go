package controllers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

type registerProjectRequest struct {
	Email string `json:"email"`
}

func (c *Controller) RegisterProjectHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req registerProjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tenant, err := c.tenants.Register(ctx, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": tenant.ID})
}

func (c *Controller) ProjectInfoHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tenant, err := c.tenants.Info(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}
