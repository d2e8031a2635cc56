package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fruitmarket/storeadmin/internal/shared"
)

type failingSource struct{}

func (failingSource) EffectivePermissions(context.Context, int64) ([]string, error) {
	return nil, errors.New("db down")
}

func serveAs(t *testing.T, mw func(http.Handler) http.Handler, user string) int {
	t.Helper()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if user != "-" {
		sess := &shared.Session{ID: "s"}
		sess.SetUser(user)
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr.Code
}

func TestRequireAny(t *testing.T) {
	m := Middleware{
		Source: StaticPermissions{
			1: {"users.view", "users.edit"},
			2: {"Users.View"},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	mw := m.RequireAny("users.edit", " users.view ")

	assert.Equal(t, http.StatusOK, serveAs(t, mw, "1"))
	assert.Equal(t, http.StatusOK, serveAs(t, mw, "2"))
	assert.Equal(t, http.StatusForbidden, serveAs(t, mw, "3"))
	assert.Equal(t, http.StatusUnauthorized, serveAs(t, mw, ""))
	assert.Equal(t, http.StatusUnauthorized, serveAs(t, mw, "not-a-number"))
	assert.Equal(t, http.StatusUnauthorized, serveAs(t, mw, "-"))
}

func TestRequireAll(t *testing.T) {
	m := Middleware{Source: StaticPermissions{1: {"users.view", "users.edit"}, 2: {"users.view"}}}
	mw := m.RequireAll("users.view", "users.edit")

	assert.Equal(t, http.StatusOK, serveAs(t, mw, "1"))
	assert.Equal(t, http.StatusForbidden, serveAs(t, mw, "2"))
}

func TestRequireWithoutPermissionsPassesThrough(t *testing.T) {
	m := Middleware{Source: failingSource{}}
	assert.Equal(t, http.StatusOK, serveAs(t, m.RequireAny(), "-"))
}

func TestSourceErrorIsInternal(t *testing.T) {
	m := Middleware{Source: failingSource{}}
	assert.Equal(t, http.StatusInternalServerError, serveAs(t, m.RequireAny("users.view"), "1"))
}

func TestStaticPermissionsDefaultKey(t *testing.T) {
	perms := StaticPermissions{0: {"users.view"}, 5: {"users.edit"}}

	got, err := perms.EffectivePermissions(context.Background(), 9)
	assert.NoError(t, err)
	assert.Equal(t, []string{"users.view"}, got)

	got, _ = perms.EffectivePermissions(context.Background(), 5)
	assert.Equal(t, []string{"users.edit"}, got)
}
