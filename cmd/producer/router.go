package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/taskpipe/internal/api"
	apiMiddleware "github.com/phrazzld/taskpipe/internal/api/middleware"
)

// setupRouter creates the ingress router. Task events require a bearer token
// only when a JWT secret is configured.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	taskEvents := api.NewTaskEventHandler(app.publisher, app.logger)
	health := api.NewHealthHandler(app.broker)

	r.Route("/api", func(r chi.Router) {
		if secret := app.config.Auth.JWTSecret; secret != "" {
			r.Use(apiMiddleware.NewAuthMiddleware(secret).Authenticate)
		}
		r.Post("/task-events", taskEvents.Publish)
	})

	r.Get("/healthz", health.Health)

	return r
}
