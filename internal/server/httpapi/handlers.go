package httpapi

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/dmitrijs2005/cipherrelay/internal/server/relay"
	"github.com/go-chi/chi/v5"
)

const (
	maxBatchIdentities  = 500
	healthTimeout       = 2 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

type lockRequest struct {
	DeviceID string `json:"deviceId"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type lockAllResponse struct {
	Message       string `json:"message"`
	DevicesLocked int    `json:"devicesLocked"`
}

type presenceResponse struct {
	IdentityID string `json:"identityId"`
	IsOnline   bool   `json:"isOnline"`
}

type batchRequest struct {
	IdentityIDs []string `json:"identityIds"`
}

type cleanupResponse struct {
	DeletedMessages int64 `json:"deletedMessages"`
}

type uploadURLResponse struct {
	MediaRef string `json:"mediaRef"`
	URL      string `json:"url"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func (a *api) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := readJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	p := principalFrom(r.Context())
	if err := a.Locker.LockDevice(r.Context(), p.IdentityID, req.DeviceID); err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "device locked"})
}

func (a *api) handleLockAll(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	n, err := a.Locker.LockAllDevices(r.Context(), p.IdentityID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lockAllResponse{Message: "all devices locked", DevicesLocked: n})
}

func (a *api) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identityID")

	online, err := a.Presence.IsOnline(r.Context(), id)
	if err != nil {
		// a presence cache outage reads as offline
		a.logger.Warn(r.Context(), "presence lookup failed", "identity_id", id, "error", err)
		online = false
	}

	writeJSON(w, http.StatusOK, presenceResponse{IdentityID: id, IsOnline: online})
}

func (a *api) handlePresenceBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := readJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if len(req.IdentityIDs) > maxBatchIdentities {
		writeError(w, http.StatusBadRequest, "too many identityIds")
		return
	}

	writeJSON(w, http.StatusOK, a.Presence.BatchStatus(r.Context(), req.IdentityIDs))
}

func (a *api) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	extended, err := a.Presence.Heartbeat(r.Context(), p.IdentityID)
	if err != nil {
		a.logger.Warn(r.Context(), "heartbeat failed", "identity_id", p.IdentityID, "error", err)
	}

	msg := "heartbeat received"
	if !extended {
		msg = "heartbeat received, identity is offline"
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

// handleHistory serves one page of a chat, newest first. Each message is
// shaped for the caller: the sender reads its own copy, everyone else the
// recipient copy.
func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ms, err := a.Messages.ListMessages(ctx, chi.URLParam(r, "chatID"), p.IdentityID, q.Get("before"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	out := make([]*models.Message, 0, len(ms))
	for _, m := range ms {
		if m.SenderID == p.IdentityID {
			out = append(out, m.ForSender())
		} else {
			out = append(out, m.ForRecipient())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleDelivered(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	caller := relay.Caller{IdentityID: p.IdentityID, DeviceID: p.DeviceID}

	if _, err := a.Delivery.MarkDelivered(r.Context(), caller, chi.URLParam(r, "messageID")); err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "message marked as delivered"})
}

func (a *api) handleCleanup(w http.ResponseWriter, r *http.Request) {
	remaining, err := a.Sweeper.RunManual(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cleanupResponse{DeletedMessages: remaining})
}

func (a *api) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	key, url, err := a.Media.PresignPut(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadURLResponse{MediaRef: key, URL: url})
}

func (a *api) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)

	m, err := a.Messages.GetMessage(ctx, chi.URLParam(r, "messageID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ok, err := a.Messages.IsParticipant(ctx, m.ChatID, p.IdentityID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		a.fail(w, r, common.ErrorUnauthorized)
		return
	}
	if m.MediaRef == nil || *m.MediaRef == "" {
		a.fail(w, r, common.ErrorNotFound)
		return
	}

	url, err := a.Media.PresignGet(ctx, *m.MediaRef)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var failing []string
	for name, ping := range a.Health {
		if err := ping(ctx); err != nil {
			a.logger.Warn(ctx, "health check failed", "component", name, "error", err)
			failing = append(failing, name)
		}
	}

	if len(failing) > 0 {
		sort.Strings(failing)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
