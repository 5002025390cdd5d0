// Package server is the HTTP surface of the gateway: the session gate, the
// conversion proxy, the batch API and the two pages.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"pdfxml/config"
	"pdfxml/services"
	"pdfxml/upload"
	"pdfxml/worker"
)

// Authenticator is the hosted auth provider.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*services.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*services.Session, error)
	User(ctx context.Context, accessToken string) (*services.User, error)
	SignOut(ctx context.Context, accessToken string) error
}

// SessionCache remembers which user an access token belongs to.
type SessionCache interface {
	Get(ctx context.Context, token string) (*services.User, error)
	Put(ctx context.Context, token string, u *services.User) error
	Delete(ctx context.Context, token string) error
}

// ArchiveStore keeps bulk archives and hands out temporary links to them.
type ArchiveStore interface {
	ArchiveKey(userID, name string) string
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PresignDownload(key, filename string, ttl time.Duration) (string, error)
}

// History reports the final outcomes recorded for a user.
type History interface {
	CountByStatus(ctx context.Context, userID string) (map[string]int, error)
}

// Deps are the collaborators of the server. Sessions, Archives and History
// may be nil.
type Deps struct {
	Config   *config.Config
	Gateway  *services.Gateway
	Registry *worker.Registry
	Auth     Authenticator
	Sessions SessionCache
	Archives ArchiveStore
	History  History
	Logger   zerolog.Logger
}

type Server struct {
	cfg      *config.Config
	gateway  *services.Gateway
	registry *worker.Registry
	auth     Authenticator
	sessions SessionCache
	archives ArchiveStore
	history  History
	limits   upload.Limits
	log      zerolog.Logger
}

func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		gateway:  d.Gateway,
		registry: d.Registry,
		auth:     d.Auth,
		sessions: d.Sessions,
		archives: d.Archives,
		history:  d.History,
		limits:   upload.Limits{MaxFiles: d.Config.MaxFiles, MaxFileSize: d.Config.MaxFileSize},
		log:      d.Logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/login", s.loginPage)
	r.Post("/login", s.login)
	r.Post("/auth/logout", s.logout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/", s.indexPage)

		r.Route("/api", func(r chi.Router) {
			r.Post("/convert", s.proxyConvert)
			r.Get("/jobs/{jobID}/status", s.proxyStatus)
			r.Get("/jobs/{jobID}/download", s.proxyDownload)
			r.Get("/history", s.getHistory)

			r.Route("/batches", func(r chi.Router) {
				r.Post("/", s.createBatch)
				r.Route("/{batchID}", func(r chi.Router) {
					r.Get("/", s.getBatch)
					r.Delete("/", s.deleteBatch)
					r.Post("/retry", s.retryBatch)
					r.Get("/archive", s.downloadArchive)

					r.Route("/files/{fileID}", func(r chi.Router) {
						r.Get("/", s.getFile)
						r.Patch("/", s.editFile)
						r.Delete("/", s.removeFile)
						r.Get("/download", s.downloadFile)
						r.Post("/download/retry", s.retryDownload)
					})
				})
			})
		})
	})

	return r
}

// requestLogger writes one access log line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("Request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
