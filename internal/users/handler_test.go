package users

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitmarket/storeadmin/internal/rbac"
	"github.com/fruitmarket/storeadmin/internal/roles"
	"github.com/fruitmarket/storeadmin/internal/shared"
	"github.com/fruitmarket/storeadmin/internal/view"
)

const (
	editorID   = "1"
	viewerID   = "2"
	editOnlyID = "3"
)

type recordingAudit struct {
	entries []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.entries = append(a.entries, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type handlerFixture struct {
	router http.Handler
	repo   *MemoryRepository
	sender *recordingSender
	audit  *recordingAudit
	sess   *shared.Session
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(redisClient, "test_session", time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")
	templates, err := view.NewEngine()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := NewMemoryRepository()
	sender := &recordingSender{}
	roleService := roles.NewService(stubRoleStore{
		1: {ID: 1, Name: "admin"},
		3: {ID: 3, Name: "support"},
		5: {ID: 5, Name: "warehouse"},
	})
	svc := NewService(repo, roleService, NewDiscountNotifier(sender, logger), nil, logger)
	perms := rbac.Middleware{
		Source: rbac.StaticPermissions{
			1: {shared.PermUsersView, shared.PermUsersEdit},
			2: {shared.PermUsersView},
			3: {shared.PermUsersEdit},
		},
		Logger: logger,
	}
	audit := &recordingAudit{}
	handler := NewHandler(logger, svc, roleService, templates, csrf, perms, audit, SearchDefaults{PerPage: 2})

	sess, err := sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(editorID)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
		})
	})
	r.Route(basePath, handler.MountRoutes)

	return &handlerFixture{router: r, repo: repo, sender: sender, audit: audit, sess: sess}
}

func (f *handlerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func seedJanes(f *handlerFixture) {
	f.repo.Seed(User{Email: "jane@x.com"})
	f.repo.Seed(User{Email: "bob@x.com", BillAddress: &Address{Firstname: "Janet", City: "Leeds", AlternativePhone: "0777"}})
	f.repo.Seed(User{Email: "carl@x.com"})
}

func TestSearchXHRReturnsAutocompleteMatches(t *testing.T) {
	f := newHandlerFixture(t)
	seedJanes(f)

	req := httptest.NewRequest(http.MethodGet, basePath+"/search?q=jan", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rr := f.do(req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var got []DefaultUserView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"jane@x.com", "bob@x.com"}, []string{got[0].Email, got[1].Email})
	assert.NotContains(t, rr.Body.String(), "0777")
}

func TestSearchBasicShapeViaXHRParam(t *testing.T) {
	f := newHandlerFixture(t)
	seedJanes(f)

	rr := f.do(httptest.NewRequest(http.MethodGet, basePath+"/search?q=jan&xhr=true&json_format=basic", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	for _, entry := range got {
		assert.ElementsMatch(t, []string{"id", "name"}, keysOf(entry))
	}
}

func TestSearchWithoutXHRIgnoresPrefix(t *testing.T) {
	f := newHandlerFixture(t)
	seedJanes(f)

	rr := f.do(httptest.NewRequest(http.MethodGet, basePath+"/search?q=jan&per_page=10", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var got []DefaultUserView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got, 3)
}

func TestListRendersHTMLPage(t *testing.T) {
	f := newHandlerFixture(t)
	seedJanes(f)

	rr := f.do(httptest.NewRequest(http.MethodGet, basePath+"/?page=2", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "carl@x.com")
	assert.NotContains(t, body, "jane@x.com")
	assert.Contains(t, body, "Page 2 of 2")
}

func TestListJSONReturnsPagyAndTable(t *testing.T) {
	f := newHandlerFixture(t)
	seedJanes(f)

	rr := f.do(httptest.NewRequest(http.MethodGet, basePath+"/?format=json&q[email_end]=x.com", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Pagy      shared.Pagination `json:"pagy"`
		UsersHTML string            `json:"users_html"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Pagy.Total)
	assert.Equal(t, 2, got.Pagy.PerPage)
	assert.Equal(t, 2, got.Pagy.TotalPages)
	assert.Contains(t, got.UsersHTML, "<table")
	assert.Contains(t, got.UsersHTML, "jane@x.com")
}

func TestUpdateReplacesRolesAndNotifies(t *testing.T) {
	f := newHandlerFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10, RoleIDs: []int64{1}})

	form := url.Values{
		"email":            {"jane@x.com"},
		"discount":         {"20"},
		"enterprise_limit": {"5"},
		"role_ids[]":       {"", "3", "5"},
	}
	rr := f.do(postForm(basePath+"/1", form))

	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, basePath+"/1/edit", rr.Header().Get("Location"))
	stored, err := f.repo.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, stored.RoleIDs)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, 20.0, f.sender.sent[0].Data["discount"])

	flash := f.sess.PopFlash()
	require.NotNil(t, flash)
	assert.Equal(t, "success", flash.Kind)

	require.Len(t, f.audit.entries, 1)
	entry := f.audit.entries[0]
	assert.Equal(t, shared.AuditUserUpdated, entry.Action)
	assert.Equal(t, int64(1), entry.ActorID)
	assert.Equal(t, "1", entry.EntityID)
	assert.Equal(t, true, entry.Meta["roles_replaced"])
}

func TestPartialUpdateKeepsDiscountAndLimit(t *testing.T) {
	f := newHandlerFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10, EnterpriseLimit: 5})

	rr := f.do(postForm(basePath+"/1", url.Values{"email": {"jane@x.com"}, "show_api_key_view": {"1"}}))

	require.Equal(t, http.StatusSeeOther, rr.Code)
	stored, err := f.repo.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, stored.Discount)
	assert.Equal(t, 5, stored.EnterpriseLimit)
	assert.True(t, stored.ShowAPIKeyView)
	assert.Zero(t, f.sender.calls)
}

func TestUpdateWithUnknownRoleRerendersForm(t *testing.T) {
	f := newHandlerFixture(t)
	f.repo.Seed(User{Email: "jane@x.com", RoleIDs: []int64{1}})

	form := url.Values{"email": {"jane@x.com"}, "role_ids[]": {"3", "99"}}
	rr := f.do(postForm(basePath+"/1", form))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "One or more selected roles do not exist")
	stored, _ := f.repo.Get(context.Background(), 1)
	assert.Equal(t, []int64{1}, stored.RoleIDs)
	assert.Empty(t, f.audit.entries)
}

func TestUpdateShowsFieldErrors(t *testing.T) {
	f := newHandlerFixture(t)
	f.repo.Seed(User{Email: "jane@x.com"})

	rr := f.do(postForm(basePath+"/1", url.Values{"email": {"nope"}, "discount": {"lots"}}))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "is not a number")
}

func TestCreateRedirectsToEdit(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(postForm(basePath, url.Values{"email": {"New@X.com"}, "enterprise_limit": {"2"}}))

	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, basePath+"/1/edit", rr.Header().Get("Location"))
	stored, err := f.repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", stored.Email)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "new@x.com", f.audit.entries[0].Meta["email"])
}

func TestFormsRender(t *testing.T) {
	f := newHandlerFixture(t)
	f.repo.Seed(User{Email: "jane@x.com", RoleIDs: []int64{3}})

	rr := f.do(httptest.NewRequest(http.MethodGet, basePath+"/new", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "warehouse")

	rr = f.do(httptest.NewRequest(http.MethodGet, basePath+"/1/edit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "jane@x.com")

	rr = f.do(httptest.NewRequest(http.MethodGet, basePath+"/404/edit", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(httptest.NewRequest(http.MethodGet, basePath+"/abc/edit", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteUserWithOrdersIsForbidden(t *testing.T) {
	f := newHandlerFixture(t)
	buyer := f.repo.Seed(User{Email: "buyer@x.com"})
	f.repo.AddOrder(buyer.ID)
	f.repo.Seed(User{Email: "idle@x.com"})

	rr := f.do(postForm(basePath+"/1/delete", url.Values{}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(httptest.NewRequest(http.MethodDelete, basePath+"/2", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	_, err := f.repo.Get(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{shared.AuditUserDeleted}, f.audit.actions())
}

func TestAPIKeyEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	f.repo.Seed(User{Email: "dev@x.com"})

	rr := f.do(postForm(basePath+"/1/api_key", url.Values{}))
	require.Equal(t, http.StatusSeeOther, rr.Code)
	stored, _ := f.repo.Get(context.Background(), 1)
	require.NotNil(t, stored.APIKey)

	rr = f.do(postForm(basePath+"/1/api_key/clear", url.Values{}))
	require.Equal(t, http.StatusSeeOther, rr.Code)
	stored, _ = f.repo.Get(context.Background(), 1)
	assert.Nil(t, stored.APIKey)
	assert.Equal(t, []string{shared.AuditAPIKeyGenerated, shared.AuditAPIKeyCleared}, f.audit.actions())
}

func TestPermissionsAreEnforced(t *testing.T) {
	f := newHandlerFixture(t)
	f.repo.Seed(User{Email: "jane@x.com"})

	f.sess.SetUser(viewerID)
	rr := f.do(httptest.NewRequest(http.MethodGet, basePath+"/search?q=j&xhr=true", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(postForm(basePath+"/1/api_key", url.Values{}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	f.sess.SetUser(editOnlyID)
	rr = f.do(httptest.NewRequest(http.MethodGet, basePath+"/1/edit", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(postForm(basePath+"/1/api_key", url.Values{}))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	stored, err := f.repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, stored.APIKey)

	f.sess.SetUser("")
	rr = f.do(httptest.NewRequest(http.MethodGet, basePath+"/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
