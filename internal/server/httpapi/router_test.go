package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/auth"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/dmitrijs2005/cipherrelay/internal/server/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fakeLocker struct {
	locked  []string
	lockErr error
	all     int
}

func (f *fakeLocker) LockDevice(_ context.Context, identityID, deviceID string) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locked = append(f.locked, identityID+"/"+deviceID)
	return nil
}

func (f *fakeLocker) LockAllDevices(_ context.Context, identityID string) (int, error) {
	if f.lockErr != nil {
		return 0, f.lockErr
	}
	f.locked = append(f.locked, identityID+"/*")
	return f.all, nil
}

type fakePresence struct {
	online map[string]bool
	err    error
	beats  []string
}

func (f *fakePresence) IsOnline(_ context.Context, id string) (bool, error) {
	return f.online[id], f.err
}

func (f *fakePresence) BatchStatus(_ context.Context, ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = f.online[id]
	}
	return out
}

func (f *fakePresence) Heartbeat(_ context.Context, id string) (bool, error) {
	f.beats = append(f.beats, id)
	return f.online[id], nil
}

type fakeSweeper struct {
	remaining int64
	err       error
	runs      int
}

func (f *fakeSweeper) RunManual(context.Context) (int64, error) {
	f.runs++
	return f.remaining, f.err
}

type fakeMedia struct{}

func (fakeMedia) PresignPut(context.Context) (string, string, error) {
	return "media/new", "http://s3/put/media/new", nil
}

func (fakeMedia) PresignGet(_ context.Context, key string) (string, error) {
	return "http://s3/get/" + key, nil
}

type fakeMessages struct {
	limit  int
	before string
}

func (*fakeMessages) GetMessage(_ context.Context, id string) (*models.Message, error) {
	ref := "media/blob"
	switch id {
	case "with-media":
		return &models.Message{ID: id, ChatID: "c1", MediaRef: &ref}, nil
	case "no-media":
		return &models.Message{ID: id, ChatID: "c1"}, nil
	case "other-chat":
		return &models.Message{ID: id, ChatID: "c2", MediaRef: &ref}, nil
	}
	return nil, common.ErrorNotFound
}

func (*fakeMessages) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	return chatID == "c1" && userID == "alice", nil
}

func (f *fakeMessages) ListMessages(_ context.Context, chatID, userID, beforeID string, limit int) ([]*models.Message, error) {
	if chatID != "c1" || userID != "alice" {
		return nil, common.ErrorUnauthorized
	}
	if beforeID == "ghost" {
		return nil, common.ErrorNotFound
	}
	f.limit, f.before = limit, beforeID

	self := "alice-copy"
	return []*models.Message{
		{ID: "m2", ChatID: "c1", SenderID: "alice", CipherText: "bob-copy", SenderCipherText: &self},
		{ID: "m1", ChatID: "c1", SenderID: "bob", CipherText: "from-bob", SenderCipherText: &self},
	}, nil
}

type fakeDelivery struct {
	calls []string
}

func (f *fakeDelivery) MarkDelivered(_ context.Context, caller relay.Caller, messageID string) (*models.Message, error) {
	switch messageID {
	case "ghost":
		return nil, common.ErrorNotFound
	case "other-chat":
		return nil, common.ErrorUnauthorized
	}
	f.calls = append(f.calls, caller.IdentityID+"/"+messageID)
	return &models.Message{ID: messageID, Delivered: true}, nil
}

type fakeGuard struct {
	rejected map[string]bool
	err      error
}

func (f *fakeGuard) CheckDevice(_ context.Context, _, deviceID string) error {
	if f.err != nil {
		return f.err
	}
	if f.rejected[deviceID] {
		return common.ErrAuthenticationFailed
	}
	return nil
}

type fixture struct {
	srv      *httptest.Server
	locker   *fakeLocker
	presence *fakePresence
	sweeper  *fakeSweeper
	messages *fakeMessages
	delivery *fakeDelivery
	guard    *fakeGuard
	health   map[string]Pinger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		locker:   &fakeLocker{all: 3},
		presence: &fakePresence{online: map[string]bool{"bob": true, "alice": true}},
		sweeper:  &fakeSweeper{},
		messages: &fakeMessages{},
		delivery: &fakeDelivery{},
		guard:    &fakeGuard{rejected: map[string]bool{}},
		health:   map[string]Pinger{},
	}
	h := NewRouter(Deps{
		SecretKey: secret,
		Locker:    f.locker,
		Presence:  f.presence,
		Sweeper:   f.sweeper,
		Media:     fakeMedia{},
		Messages:  f.messages,
		Delivery:  f.delivery,
		Guard:     f.guard,
		Admins:    []string{"alice"},
		Gateway: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Health: f.health,
		Logger: logging.NewDiscardLogger(),
	})
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func token(t *testing.T, identityID, deviceID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(identityID, deviceID, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/panic/lock-all", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/panic/lock-all", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := auth.GenerateToken("alice", "phone", secret, -time.Minute)
	require.NoError(t, err)
	resp, body := f.do(t, http.MethodPost, "/panic/lock-all", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, common.ErrTokenExpired.Error(), body["error"])

	assert.Empty(t, f.locker.locked)
}

func TestAuthRejectsLockedDevice(t *testing.T) {
	f := newFixture(t)
	f.guard.rejected["phone"] = true

	resp, _ := f.do(t, http.MethodPost, "/presence/heartbeat", token(t, "alice", "phone"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.guard.err = common.ErrTransientStore
	resp, _ = f.do(t, http.MethodPost, "/presence/heartbeat", token(t, "alice", "laptop"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, f.presence.beats)
}

func TestPanicLock(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	resp, body := f.do(t, http.MethodPost, "/panic/lock", tok, lockRequest{DeviceID: "laptop"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "device locked", body["message"])
	assert.Equal(t, []string{"alice/laptop"}, f.locker.locked)

	resp, _ = f.do(t, http.MethodPost, "/panic/lock", tok, lockRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/panic/lock", tok, "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.locker.lockErr = common.ErrorNotFound
	resp, _ = f.do(t, http.MethodPost, "/panic/lock", tok, lockRequest{DeviceID: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.locker.lockErr = common.ErrTransientStore
	resp, body = f.do(t, http.MethodPost, "/panic/lock", tok, lockRequest{DeviceID: "laptop"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "service unavailable", body["error"])
}

func TestPanicLockAll(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/panic/lock-all", token(t, "alice", "phone"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "all devices locked", body["message"])
	assert.EqualValues(t, 3, body["devicesLocked"])
	assert.Equal(t, []string{"alice/*"}, f.locker.locked)
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	resp, body := f.do(t, http.MethodGet, "/presence/bob", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"identityId": "bob", "isOnline": true}, body)

	f.presence.err = errors.New("redis down")
	_, body = f.do(t, http.MethodGet, "/presence/bob", tok, nil)
	assert.Equal(t, false, body["isOnline"])
}

func TestPresenceBatch(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	resp, body := f.do(t, http.MethodPost, "/presence/batch", tok, batchRequest{IdentityIDs: []string{"bob", "carol"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"bob": true, "carol": false}, body)

	ids := make([]string, maxBatchIdentities+1)
	for i := range ids {
		ids[i] = "x"
	}
	resp, _ = f.do(t, http.MethodPost, "/presence/batch", tok, batchRequest{IdentityIDs: ids})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/presence/heartbeat", token(t, "alice", "phone"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "heartbeat received", body["message"])

	_, body = f.do(t, http.MethodPost, "/presence/heartbeat", token(t, "carol", "tab"), nil)
	assert.Equal(t, "heartbeat received, identity is offline", body["message"])
	assert.Equal(t, []string{"alice", "carol"}, f.presence.beats)
}

func TestCleanupRun(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	resp, body := f.do(t, http.MethodPost, "/cleanup/run", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["deletedMessages"])

	f.sweeper.err = common.ErrTransientStore
	resp, _ = f.do(t, http.MethodPost, "/cleanup/run", tok, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 2, f.sweeper.runs)
}

func TestCleanupRun_AdminOnly(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/cleanup/run", token(t, "bob", "phone"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "admin only", body["error"])
	assert.Zero(t, f.sweeper.runs)
}

// getList fetches a JSON array endpoint.
func (f *fixture) getList(t *testing.T, path, tok string) (*http.Response, []models.Message) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []models.Message
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	resp, ms := f.getList(t, "/messages/c1", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, ms, 2)
	assert.Equal(t, defaultHistoryLimit, f.messages.limit)
	assert.Empty(t, f.messages.before)

	// own message comes back as the sender copy
	assert.Equal(t, "alice-copy", ms[0].CipherText)
	// someone else's never carries the sender copy
	assert.Equal(t, "from-bob", ms[1].CipherText)
	assert.Nil(t, ms[1].SenderCipherText)

	resp, _ = f.getList(t, "/messages/c1?limit=1000&before=m2", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, maxHistoryLimit, f.messages.limit)
	assert.Equal(t, "m2", f.messages.before)
}

func TestHistory_Rejections(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	tests := []struct {
		name   string
		path   string
		tok    string
		status int
	}{
		{name: "non participant", path: "/messages/c1", tok: token(t, "bob", "phone"), status: http.StatusForbidden},
		{name: "zero limit", path: "/messages/c1?limit=0", tok: tok, status: http.StatusBadRequest},
		{name: "garbage limit", path: "/messages/c1?limit=ten", tok: tok, status: http.StatusBadRequest},
		{name: "unknown cursor", path: "/messages/c1?before=ghost", tok: tok, status: http.StatusNotFound},
		{name: "no token", path: "/messages/c1", tok: "", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodGet, tt.path, tt.tok, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestMarkDelivered(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "bob", "phone")

	resp, body := f.do(t, http.MethodPost, "/messages/m1/delivered", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "message marked as delivered", body["message"])
	assert.Equal(t, []string{"bob/m1"}, f.delivery.calls)

	resp, _ = f.do(t, http.MethodPost, "/messages/ghost/delivered", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/messages/other-chat/delivered", tok, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMediaURLs(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "alice", "phone")

	resp, body := f.do(t, http.MethodPost, "/media/upload-url", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "media/new", body["mediaRef"])
	assert.Equal(t, "http://s3/put/media/new", body["url"])

	resp, body = f.do(t, http.MethodGet, "/media/with-media/url", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://s3/get/media/blob", body["url"])

	resp, _ = f.do(t, http.MethodGet, "/media/other-chat/url", tok, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/media/no-media/url", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/media/missing/url", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublicRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	f.health["redis"] = func(context.Context) error { return errors.New("down") }
	resp, body = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, []any{"redis"}, body["failing"])

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{common.ErrInvalidPayload, http.StatusBadRequest},
		{common.ErrAuthenticationFailed, http.StatusUnauthorized},
		{common.ErrorUnauthorized, http.StatusForbidden},
		{common.ErrorNotFound, http.StatusNotFound},
		{common.ErrTransientStore, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
