package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/saga-outbox/internal/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)
	r.Post("/messages", handler.PublishMessage)
	r.Get("/outbox", handler.ListOutbox)
	r.Get("/outbox/{key}", handler.GetOutboxEntry)
	r.Get("/sagas/{correlationID}/log", handler.GetSagaLog)
	return r
}
