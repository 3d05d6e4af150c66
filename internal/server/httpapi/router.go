// Package httpapi exposes the control plane over HTTP: panic lock, presence
// queries, message history, manual cleanup and media URLs. It also mounts
// the websocket gateway, health and metrics endpoints.
package httpapi

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/dmitrijs2005/cipherrelay/internal/server/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Locker interface {
	LockDevice(ctx context.Context, identityID, deviceID string) error
	LockAllDevices(ctx context.Context, identityID string) (int, error)
}

type Presence interface {
	IsOnline(ctx context.Context, identityID string) (bool, error)
	BatchStatus(ctx context.Context, identityIDs []string) map[string]bool
	Heartbeat(ctx context.Context, identityID string) (bool, error)
}

type Sweeper interface {
	RunManual(ctx context.Context) (int64, error)
}

type MediaSigner interface {
	PresignPut(ctx context.Context) (key, url string, err error)
	PresignGet(ctx context.Context, key string) (string, error)
}

type Messages interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	ListMessages(ctx context.Context, chatID, userID, beforeID string, limit int) ([]*models.Message, error)
}

// Delivery marks messages delivered and notifies their senders.
type Delivery interface {
	MarkDelivered(ctx context.Context, caller relay.Caller, messageID string) (*models.Message, error)
}

// DeviceGuard rejects credentials of locked devices.
type DeviceGuard interface {
	CheckDevice(ctx context.Context, identityID, deviceID string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type Deps struct {
	SecretKey []byte
	Locker    Locker
	Presence  Presence
	Sweeper   Sweeper
	Media     MediaSigner
	Messages  Messages
	Delivery  Delivery
	Guard     DeviceGuard
	Admins    []string // may trigger a manual cleanup; empty means nobody
	Gateway   http.Handler
	Metrics   http.Handler
	Health    map[string]Pinger
	Logger    logging.Logger
}

type api struct {
	Deps
	logger logging.Logger
	admins map[string]struct{}
}

func NewRouter(d Deps) http.Handler {
	a := &api{Deps: d, logger: d.Logger.With("module", "httpapi"), admins: make(map[string]struct{}, len(d.Admins))}
	for _, id := range d.Admins {
		a.admins[id] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Gateway != nil {
		r.Method(http.MethodGet, "/ws", d.Gateway)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Route("/panic", func(r chi.Router) {
			r.Post("/lock", a.handleLock)
			r.Post("/lock-all", a.handleLockAll)
		})
		r.Route("/presence", func(r chi.Router) {
			r.Post("/batch", a.handlePresenceBatch)
			r.Post("/heartbeat", a.handleHeartbeat)
			r.Get("/{identityID}", a.handlePresence)
		})
		r.Route("/messages", func(r chi.Router) {
			r.Get("/{chatID}", a.handleHistory)
			r.Post("/{messageID}/delivered", a.handleDelivered)
		})
		r.With(a.requireAdmin).Post("/cleanup/run", a.handleCleanup)
		r.Route("/media", func(r chi.Router) {
			r.Post("/upload-url", a.handleUploadURL)
			r.Get("/{messageID}/url", a.handleDownloadURL)
		})
	})

	return r
}
