// Package controller serves the settler admin API.
package controller

import (
	"context"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/app/settler/orchestrator"
	"github.com/fairbatch/settler/pkg/db/history"
	"github.com/fairbatch/settler/pkg/utils"
)

// Engine is the settlement loop the API controls.
type Engine interface {
	Start() bool
	Stop() bool
	Running() bool
	Status(ctx context.Context) orchestrator.Status
	CheckHealth(ctx context.Context) orchestrator.HealthReport
}

// Feed is the Pub/Sub source of the live settlement stream.
type Feed interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
	SettlementsChannel() string
}

// History lists stored settlement attempts, newest first.
type History interface {
	Recent(ctx context.Context, marketID *uint8, limit int) ([]history.Row, error)
}

// User is an admin account.
type User struct {
	Username string
	Hash     []byte
	Role     string
}

// Options are the credentials and secrets of the admin API.
type Options struct {
	AdminToken    string
	AdminUser     string
	AdminPassword string
	// AdminUsers is a JSON object of extra users keyed by username:
	// {"ops":{"password":"<plain or bcrypt>","role":"viewer"}}
	AdminUsers    string
	SessionSecret string
	// SecureCookies marks session cookies Secure.
	SecureCookies bool
}

// OptionsFromEnv reads ADMIN_TOKEN, ADMIN_USER, ADMIN_PASSWORD, ADMIN_USERS and
// SESSION_SECRET.
func OptionsFromEnv() Options {
	return Options{
		AdminToken:    utils.Env("ADMIN_TOKEN", "devtoken"),
		AdminUser:     utils.Env("ADMIN_USER", "admin"),
		AdminPassword: utils.Env("ADMIN_PASSWORD", "admin"),
		AdminUsers:    utils.Env("ADMIN_USERS", ""),
		SessionSecret: utils.Env("SESSION_SECRET", "change-me-please"),
		SecureCookies: utils.Env("ENVIRONMENT", "") == "production",
	}
}

type Controller struct {
	Engine   Engine
	Feed     Feed
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	// History is optional; /api/history answers 503 without it.
	History History

	AdminToken    string
	Users         map[string]User
	JWTSecret     []byte
	SecureCookies bool
}

// New returns a new controller. feed may be nil, which disables the live feed.
func New(engine Engine, feed Feed, gatherer prometheus.Gatherer, opts Options, logger *zap.Logger) (*Controller, error) {
	phash, err := utils.HashOrRead(opts.AdminPassword)
	if err != nil {
		return nil, err
	}
	users := map[string]User{}
	users[opts.AdminUser] = User{Username: opts.AdminUser, Hash: phash, Role: "admin"}
	if opts.AdminUsers != "" {
		var extra map[string]struct {
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := json.Unmarshal([]byte(opts.AdminUsers), &extra); err != nil {
			logger.Warn("Ignoring malformed ADMIN_USERS", zap.Error(err))
		}
		for name, u := range extra {
			hash, err := utils.HashOrRead(u.Password)
			if err != nil {
				return nil, err
			}
			users[name] = User{Username: name, Hash: hash, Role: u.Role}
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Controller{
		Engine:        engine,
		Feed:          feed,
		Gatherer:      gatherer,
		Logger:        logger.Named("controller"),
		AdminToken:    opts.AdminToken,
		Users:         users,
		JWTSecret:     []byte(opts.SessionSecret),
		SecureCookies: opts.SecureCookies,
	}, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns the admin router.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	// public: probes and scraping
	r.HandleFunc("/api/health", c.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	r.Handle("/api/status", c.RequireAuth(http.HandlerFunc(c.HandleStatus))).Methods(http.MethodGet)
	r.Handle("/api/start", c.RequireAdmin(http.HandlerFunc(c.HandleStart))).Methods(http.MethodPost)
	r.Handle("/api/stop", c.RequireAdmin(http.HandlerFunc(c.HandleStop))).Methods(http.MethodPost)
	r.Handle("/api/history", c.RequireAuth(http.HandlerFunc(c.HandleHistory))).Methods(http.MethodGet)
	r.Handle("/api/ws", c.RequireAuth(http.HandlerFunc(c.HandleWebSocket))).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
