// Package httpapi exposes the write pipeline, the read paths and the
// moderation tooling over HTTP. Every write goes through pipeline.Pipeline;
// handlers only decode, call and encode.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/chat"
	"github.com/intelboard/chatguard/internal/metrics"
	"github.com/intelboard/chatguard/internal/pipeline"
	"github.com/intelboard/chatguard/internal/sanction"
	"github.com/intelboard/chatguard/internal/savedconfig"
)

// DefaultMaxBodyBytes bounds request bodies. It leaves room for a maximal
// saved config plus its envelope.
const DefaultMaxBodyBytes = 2 * savedconfig.MaxBodyBytes

// Deps are the collaborators of the API.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Accounts  *account.Store
	Sanctions *sanction.Service
	Chats     *chat.Store
	Configs   *savedconfig.Store
	Verifier  auth.Verifier

	// Gateway is mounted at /ws when set.
	Gateway http.Handler

	AllowedOrigins []string
	EdgeRPS        float64 // zero disables the edge throttle
	EdgeBurst      int
	MaxBodyBytes   int64

	// TrustProxy rewrites the client address from proxy headers.
	TrustProxy bool
}

type api struct {
	Deps
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if d.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	if d.Gateway != nil {
		r.Handle("/ws", d.Gateway)
	}

	r.Route("/v1", func(r chi.Router) {
		if d.EdgeRPS > 0 {
			r.Use(newEdgeLimiter(d.EdgeRPS, d.EdgeBurst).middleware)
		}
		r.Use(limitBody(d.MaxBodyBytes))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(authenticate(d.Verifier))

		r.Route("/chats/{chatID}/messages", func(r chi.Router) {
			r.Get("/", a.listMessages)
			r.Post("/", a.sendMessage)
			r.Post("/{messageID}/report", a.reportMessage)
		})

		r.Route("/configs", func(r chi.Router) {
			r.Get("/", a.listConfigs)
			r.Post("/", a.createConfig)
			r.Get("/{configID}", a.getConfig)
			r.Put("/{configID}", a.updateConfig)
			r.Delete("/{configID}", a.deleteConfig)
		})

		r.Route("/me", func(r chi.Router) {
			r.Get("/", a.me)
			r.Patch("/settings", a.saveSettings)
			r.Post("/revoke", a.revokeTokens)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/chats", a.createChat)
			r.Route("/users/{uid}", func(r chi.Router) {
				r.Post("/ban", a.sanction(sanction.ActionBan))
				r.Post("/unban", a.sanction(sanction.ActionUnban))
				r.Post("/shadowban", a.sanction(sanction.ActionShadowban))
				r.Post("/unshadowban", a.sanction(sanction.ActionUnshadowban))
				r.Put("/role", a.setRole)
				r.Get("/sanctions", a.sanctionHistory)
			})
		})
	})

	return r
}
