package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fruitmarket/storeadmin/internal/platform/httpx"
	"github.com/fruitmarket/storeadmin/internal/rbac"
	"github.com/fruitmarket/storeadmin/internal/roles"
	"github.com/fruitmarket/storeadmin/internal/shared"
	"github.com/fruitmarket/storeadmin/internal/view"
)

const basePath = "/admin/users"

// RoleLister supplies the roles offered on the user form.
type RoleLister interface {
	ListRoles(ctx context.Context) ([]roles.Role, error)
}

// AuditRecorder stores the trail of admin changes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	roles     RoleLister
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
	audit     AuditRecorder
	defaults  SearchDefaults
}

// NewHandler builds Handler instance. audit may be nil.
func NewHandler(logger *slog.Logger, service *Service, roles RoleLister, templates *view.Engine, csrf *shared.CSRFManager, rbac rbac.Middleware, audit AuditRecorder, defaults SearchDefaults) *Handler {
	return &Handler{logger: logger, service: service, roles: roles, templates: templates, csrf: csrf, rbac: rbac, audit: audit, defaults: defaults}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersView, shared.PermUsersEdit))
		r.Get("/", h.listUsers)
		r.Get("/search", h.searchUsers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersEdit))
		r.Get("/new", h.showCreateForm)
		r.Post("/", h.createUser)
		r.Get("/{id}/edit", h.showEditForm)
		r.Post("/{id}", h.updateUser)
		r.Post("/{id}/delete", h.deleteUser)
		r.Delete("/{id}", h.deleteUser)
	})
	// Issuing a key shows it on the edit page, so both permissions are needed.
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUsersView, shared.PermUsersEdit))
		r.Post("/{id}/api_key", h.generateAPIKey)
		r.Post("/{id}/api_key/clear", h.clearAPIKey)
	})
}

type formErrors map[string]string

type listPageData struct {
	Users      []User
	Pagination *shared.Pagination
	Query      url.Values
	Errors     formErrors
}

type formPageData struct {
	User    *User
	Form    UserForm
	Roles   []roles.Role
	RoleIDs map[int64]bool
	Errors  formErrors
	Action  string
	Bill    addressFieldsData
	Ship    addressFieldsData
}

type addressFieldsData struct {
	Prefix  string
	Address AddressForm
	Errors  formErrors
}

func newAddressFieldsData(prefix string, a *AddressForm, errs formErrors) addressFieldsData {
	data := addressFieldsData{Prefix: prefix, Errors: errs}
	if a != nil {
		data.Address = *a
	}
	return data
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q, parseErrs := ParseSearchQuery(values, false, h.defaults)
	h.logFilterErrors(parseErrs)

	page, err := h.service.Search(r.Context(), q)
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		if httpx.WantsJSON(r) {
			httpx.RespondError(w, err)
			return
		}
		h.render(w, r, "pages/users/list.html", listPageData{Errors: formErrors{"general": shared.UserSafeMessage(err)}}, http.StatusInternalServerError)
		return
	}
	data := listPageData{Users: page.Users, Pagination: page.Pagination, Query: values}
	if httpx.WantsJSON(r) {
		table, err := h.templates.RenderPartial("partials/users_table.html", data)
		if err != nil {
			h.logger.Error("render users table", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"pagy": page.Pagination, "users_html": table})
		return
	}
	h.render(w, r, "pages/users/list.html", data, http.StatusOK)
}

func (h *Handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q, parseErrs := ParseSearchQuery(values, httpx.IsXHR(r), h.defaults)
	h.logFilterErrors(parseErrs)

	page, err := h.service.Search(r.Context(), q)
	if err != nil {
		h.logger.Error("search users failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	body, err := Project(page, ParseShape(values.Get("json_format")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.RawJSON(w, http.StatusOK, body)
}

func (h *Handler) showCreateForm(w http.ResponseWriter, r *http.Request) {
	h.renderForm(w, r, formPageData{Action: basePath, Errors: formErrors{}}, http.StatusOK)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form, fieldErrs := parseUserForm(r.PostForm)
	roleIDs := submittedRoleIDs(r.PostForm)
	data := formPageData{Form: form, Action: basePath, RoleIDs: selectedRoles(roleIDs)}
	if len(fieldErrs) > 0 {
		data.Errors = fieldErrs
		h.renderForm(w, r, data, http.StatusBadRequest)
		return
	}
	user, err := h.service.Create(r.Context(), form, roleIDs)
	if err != nil {
		data.Errors = h.formErrorsFor(err)
		h.renderForm(w, r, data, statusForFormError(err))
		return
	}
	h.recordAudit(r, shared.AuditUserCreated, user.ID, map[string]any{"email": user.Email})
	h.redirectWithFlash(w, r, fmt.Sprintf("%s/%d/edit", basePath, user.ID), "success", "User created")
}

func (h *Handler) showEditForm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	user, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	data := formPageData{
		User:    user,
		Form:    formFromUser(*user),
		RoleIDs: roleSet(user.RoleIDs),
		Action:  fmt.Sprintf("%s/%d", basePath, id),
		Errors:  formErrors{},
	}
	h.renderForm(w, r, data, http.StatusOK)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form, fieldErrs := parseUserForm(r.PostForm)
	roleIDs := submittedRoleIDs(r.PostForm)
	action := fmt.Sprintf("%s/%d", basePath, id)
	data := formPageData{Form: form, Action: action, RoleIDs: selectedRoles(roleIDs)}
	if current, err := h.service.Get(r.Context(), id); err == nil {
		data.User = current
	}
	if len(fieldErrs) > 0 {
		data.Errors = fieldErrs
		h.renderForm(w, r, data, http.StatusBadRequest)
		return
	}
	result, err := h.service.Update(r.Context(), id, form, roleIDs)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.respondLookupError(w, err)
			return
		}
		data.Errors = h.formErrorsFor(err)
		h.renderForm(w, r, data, statusForFormError(err))
		return
	}
	h.recordAudit(r, shared.AuditUserUpdated, id, map[string]any{
		"message":        result.Message,
		"roles_replaced": roleIDs != nil,
	})
	h.redirectWithFlash(w, r, action+"/edit", "success", flashForUpdate(result.Message))
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrHasOrders):
			http.Error(w, "Cannot delete a user who has orders", http.StatusForbidden)
		case errors.Is(err, ErrNotFound):
			h.respondLookupError(w, err)
		default:
			h.logger.Error("delete user failed", slog.Int64("user_id", id), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}
	h.recordAudit(r, shared.AuditUserDeleted, id, nil)
	if httpx.IsXHR(r) || r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.redirectWithFlash(w, r, basePath, "success", "User deleted")
}

func (h *Handler) generateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	location := fmt.Sprintf("%s/%d/edit", basePath, id)
	if _, err := h.service.GenerateAPIKey(r.Context(), id); err != nil {
		h.logger.Error("generate api key failed", slog.Int64("user_id", id), slog.Any("error", err))
		h.redirectWithFlash(w, r, location, "error", "Key generation failed")
		return
	}
	h.recordAudit(r, shared.AuditAPIKeyGenerated, id, nil)
	h.redirectWithFlash(w, r, location, "success", "Key generated")
}

func (h *Handler) clearAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	location := fmt.Sprintf("%s/%d/edit", basePath, id)
	if err := h.service.ClearAPIKey(r.Context(), id); err != nil {
		h.logger.Error("clear api key failed", slog.Int64("user_id", id), slog.Any("error", err))
		h.redirectWithFlash(w, r, location, "error", "Key clear failed")
		return
	}
	h.recordAudit(r, shared.AuditAPIKeyCleared, id, nil)
	h.redirectWithFlash(w, r, location, "success", "Key cleared")
}

// recordAudit never fails the request; the change is already committed.
func (h *Handler) recordAudit(r *http.Request, action string, userID int64, meta map[string]any) {
	if h.audit == nil {
		return
	}
	entry := shared.AuditLog{
		ActorID:  shared.ActorID(shared.SessionFromContext(r.Context())),
		Action:   action,
		Entity:   shared.AuditEntityUser,
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	}
	if err := h.audit.Record(r.Context(), entry); err != nil {
		h.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	h.logger.Error("load user failed", slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) formErrorsFor(err error) formErrors {
	if verr, ok := AsValidationError(err); ok {
		return formErrors(verr.Fields)
	}
	if errors.Is(err, roles.ErrNotFound) {
		return formErrors{"general": "One or more selected roles do not exist"}
	}
	h.logger.Error("save user failed", slog.Any("error", err))
	return formErrors{"general": shared.UserSafeMessage(err)}
}

func statusForFormError(err error) int {
	if errors.Is(err, shared.ErrValidation) || errors.Is(err, roles.ErrNotFound) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) logFilterErrors(errs []error) {
	for _, err := range errs {
		h.logger.Debug("ignored search filter", slog.Any("error", err))
	}
}

func (h *Handler) renderForm(w http.ResponseWriter, r *http.Request, data formPageData, status int) {
	list, err := h.roles.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles failed", slog.Any("error", err))
	}
	data.Roles = list
	if data.Errors == nil {
		data.Errors = formErrors{}
	}
	data.Bill = newAddressFieldsData("bill_address", data.Form.BillAddress, data.Errors)
	data.Ship = newAddressFieldsData("ship_address", data.Form.ShipAddress, data.Errors)
	h.render(w, r, "pages/users/form.html", data, status)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{Title: "Users", CSRFToken: csrfToken, Flash: flash, CurrentPath: r.URL.Path, Data: data}
	if err := h.templates.Render(w, template, viewData, status); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func flashForUpdate(message string) string {
	switch message {
	case MessageAPIKeyViewToggled:
		return "API key view updated"
	case MessageEmailUpdated:
		return "Email updated"
	default:
		return "Account updated"
	}
}

// parseUserForm reads the posted fields. Unparsable numbers are reported as
// field errors before validation runs.
func parseUserForm(values url.Values) (UserForm, formErrors) {
	errs := formErrors{}
	form := UserForm{
		Email:          values.Get("email"),
		ShowAPIKeyView: checkbox(values.Get("show_api_key_view")),
		BillAddress:    parseAddressForm(values, "bill_address", errs),
		ShipAddress:    parseAddressForm(values, "ship_address", errs),
	}
	if raw := strings.TrimSpace(values.Get("discount")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs["discount"] = "is not a number"
		}
		form.Discount = &v
	}
	if raw := strings.TrimSpace(values.Get("enterprise_limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs["enterprise_limit"] = "is not a number"
		}
		form.EnterpriseLimit = &v
	}
	if len(errs) == 0 {
		return form, nil
	}
	return form, errs
}

// parseAddressForm returns nil when every field of the address is blank.
func parseAddressForm(values url.Values, prefix string, errs formErrors) *AddressForm {
	field := func(name string) string {
		return strings.TrimSpace(values.Get(prefix + "[" + name + "]"))
	}
	a := &AddressForm{
		Firstname: field("firstname"),
		Lastname:  field("lastname"),
		Address1:  field("address1"),
		Address2:  field("address2"),
		City:      field("city"),
		Zipcode:   field("zipcode"),
		Phone:     field("phone"),
	}
	stateRaw, countryRaw := field("state_id"), field("country_id")
	if *a == (AddressForm{}) && stateRaw == "" && countryRaw == "" {
		return nil
	}
	if stateRaw != "" {
		id, err := strconv.ParseInt(stateRaw, 10, 64)
		if err != nil {
			errs[prefix+".state_id"] = "is invalid"
		} else {
			a.StateID = &id
		}
	}
	if countryRaw != "" {
		id, err := strconv.ParseInt(countryRaw, 10, 64)
		if err != nil {
			errs[prefix+".country_id"] = "is invalid"
		}
		a.CountryID = id
	}
	return a
}

// submittedRoleIDs returns nil when the form carried no role field at all.
func submittedRoleIDs(values url.Values) []string {
	var ids []string
	found := false
	for _, key := range []string{"role_ids[]", "role_ids"} {
		if raw, ok := values[key]; ok {
			found = true
			ids = append(ids, raw...)
		}
	}
	if !found {
		return nil
	}
	if ids == nil {
		ids = []string{}
	}
	return ids
}

func selectedRoles(raw []string) map[int64]bool {
	out := map[int64]bool{}
	for _, v := range raw {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			out[id] = true
		}
	}
	return out
}

func roleSet(ids []int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func checkbox(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func formFromUser(u User) UserForm {
	return UserForm{
		Email:           u.Email,
		Discount:        &u.Discount,
		EnterpriseLimit: &u.EnterpriseLimit,
		ShowAPIKeyView:  u.ShowAPIKeyView,
		BillAddress:     addressFormFrom(u.BillAddress),
		ShipAddress:     addressFormFrom(u.ShipAddress),
	}
}

func addressFormFrom(a *Address) *AddressForm {
	if a == nil {
		return nil
	}
	f := &AddressForm{
		Firstname: a.Firstname,
		Lastname:  a.Lastname,
		Address1:  a.Address1,
		Address2:  a.Address2,
		City:      a.City,
		Zipcode:   a.Zipcode,
		Phone:     a.Phone,
	}
	if a.State != nil {
		id := a.State.ID
		f.StateID = &id
	}
	if a.Country != nil {
		f.CountryID = a.Country.ID
	}
	return f
}
