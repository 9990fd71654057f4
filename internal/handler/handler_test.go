package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/config"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/handler"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository/memory"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/router"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/utils"
)

const jwtSecret = "handler-test-secret"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	e      *echo.Echo
	svc    *service.Service
	store  *memory.Store
	users  *fakeUsers
	tokens *fakeTokens
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	svc := service.New(store, store.Tickets(), store.Limits(), store.Queue(), service.WithLogger(quiet))
	cfg := config.Config{
		JWTSecret:      jwtSecret,
		AccessTTLMin:   15,
		RefreshTTLDays: 7,
		BcryptCost:     4,
		SignupTickets:  20,
		AdminEmails:    map[string]bool{"ops@example.com": true},
	}
	users := &fakeUsers{byID: map[uint64]model.User{}}
	tokens := &fakeTokens{rows: map[string]*tokenRow{}}

	e := echo.New()
	gen := handler.NewGenerationHandler(svc, quiet)
	router.RegisterRoutes(e, nil)
	router.RegisterPublic(e, gen, nil)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, tokens, svc, store, quiet), jwtSecret)
	router.RegisterGeneration(e, gen, jwtSecret, nil)
	router.RegisterAdmin(e, handler.NewAdminHandler(svc, quiet), jwtSecret)
	return &env{e: e, svc: svc, store: store, users: users, tokens: tokens}
}

func (v *env) token(t *testing.T, uid uint64, role string) string {
	t.Helper()
	at, err := utils.NewAccessToken(jwtSecret, uid, role, 15)
	require.NoError(t, err)
	return at.Token
}

func (v *env) do(method, path, body, token string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

func (v *env) grant(t *testing.T, uid uint64, n int) {
	t.Helper()
	_, err := v.svc.Grant(context.Background(), uid, n)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type fakeUsers struct {
	mu   sync.Mutex
	byID map[uint64]model.User
	next uint64
}

func (f *fakeUsers) Create(_ context.Context, email, password, role string, cost int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			return 0, repository.ErrEmailExists
		}
	}
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	f.next++
	f.byID[f.next] = model.User{ID: f.next, Email: email, PasswordHash: hash, Role: role, IsActive: true}
	return f.next, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return u, repository.ErrNotFound
	}
	return u, nil
}

type tokenRow struct {
	userID  uint64
	exp     time.Time
	revoked bool
}

type fakeTokens struct {
	mu   sync.Mutex
	rows map[string]*tokenRow
}

func (f *fakeTokens) StoreRefresh(_ context.Context, userID uint64, hash string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[hash] = &tokenRow{userID: userID, exp: exp}
	return nil
}

func (f *fakeTokens) Consume(_ context.Context, hash string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[hash]
	if !ok || r.revoked || time.Now().After(r.exp) {
		return 0, repository.ErrNotFound
	}
	r.revoked = true
	return r.userID, nil
}

func (f *fakeTokens) RevokeAllForUser(_ context.Context, userID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.userID == userID {
			r.revoked = true
		}
	}
	return nil
}

func (f *fakeTokens) active(userID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.userID == userID && !r.revoked {
			n++
		}
	}
	return n
}

func veoBody(priority int) string {
	return fmt.Sprintf(`{"model_id":"veo-3.1","priority":%d,"parameters":{"prompt":"a mouse on the moon","duration":4}}`, priority)
}

func itoa(id uint64) string { return strconv.FormatUint(id, 10) }
