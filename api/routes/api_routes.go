package routes

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Sumit189/letItGoTasks/api/controllers"
	"github.com/gorilla/mux"
)

type handler func(ctx context.Context, w http.ResponseWriter, r *http.Request)

func ApiRoutes(router *mux.Router, c *controllers.Controller) {
	v1 := router.PathPrefix("/v1beta").Subrouter()

	v1.HandleFunc("/subscribe", withContext(c.SubscribeHandler)).Methods("POST")
	v1.HandleFunc("/pause/{id}", withContext(c.PauseHandler)).Methods("PATCH")
	v1.HandleFunc("/resume/{id}", withContext(c.ResumeHandler)).Methods("PATCH")
	v1.HandleFunc("/unsubscribe/{id}", withContext(c.UnsubscribeHandler)).Methods("PATCH")
	v1.HandleFunc("/queues/{id}", withContext(c.ValueHandler)).Methods("GET")
	v1.HandleFunc("/queues/{id}/timeline", withContext(c.TimelineHandler)).Methods("GET")
	v1.HandleFunc("/queues/{id}", withContext(c.PurgeHandler)).Methods("DELETE")
	v1.HandleFunc("/archives/{id}", withContext(c.ArchiveHandler)).Methods("GET")

	v1.HandleFunc("/projects", withContext(c.RegisterProjectHandler)).Methods("POST")
	v1.HandleFunc("/projects/{id}", withContext(c.ProjectInfoHandler)).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(NotFoundHandler)
}

func withContext(h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		h(ctx, w, r)
	}
}

func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"error": "route not found"})
}
