package users

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitmarket/storeadmin/internal/filter"
	"github.com/fruitmarket/storeadmin/internal/roles"
)

type sentMessage struct {
	To       string
	Template string
	Data     map[string]any
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	err   error
	calls int
}

func (s *recordingSender) Send(_ context.Context, to, template string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{To: to, Template: template, Data: data})
	return nil
}

type stubRoleStore map[int64]roles.Role

func (s stubRoleStore) FindByID(_ context.Context, id int64) (roles.Role, error) {
	role, ok := s[id]
	if !ok {
		return roles.Role{}, roles.ErrNotFound
	}
	return role, nil
}

func (s stubRoleStore) ListDistinct(context.Context) ([]roles.Role, error) {
	out := make([]roles.Role, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	return out, nil
}

type serviceFixture struct {
	svc    *Service
	repo   *MemoryRepository
	sender *recordingSender
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewMemoryRepository()
	sender := &recordingSender{}
	roleStore := stubRoleStore{
		1: {ID: 1, Name: "admin"},
		3: {ID: 3, Name: "support"},
		5: {ID: 5, Name: "warehouse"},
	}
	svc := NewService(repo, roles.NewService(roleStore), NewDiscountNotifier(sender, logger), nil, logger)
	return serviceFixture{svc: svc, repo: repo, sender: sender}
}

func validForm(email string) UserForm {
	return UserForm{Email: email, EnterpriseLimit: ptr(5)}
}

func ptr[T any](v T) *T { return &v }

func emails(users []User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Email
	}
	return out
}

func TestAutocompleteMatchesEmailAndBillingName(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.Seed(User{Email: "jane@x.com"})
	f.repo.Seed(User{Email: "bob@x.com", BillAddress: &Address{Firstname: "Janet"}})
	f.repo.Seed(User{Email: "carl@x.com", BillAddress: &Address{Firstname: "Carl"}})

	q, _ := ParseSearchQuery(url.Values{"q": {"jan"}}, true, SearchDefaults{})
	page, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)

	assert.True(t, page.Autocomplete)
	assert.Nil(t, page.Pagination)
	assert.ElementsMatch(t, []string{"jane@x.com", "bob@x.com"}, emails(page.Users))
}

func TestAutocompleteMatchesShippingNamesCaseInsensitively(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.Seed(User{Email: "a@x.com", ShipAddress: &Address{Lastname: "O'Neil"}})
	f.repo.Seed(User{Email: "b@x.com", ShipAddress: &Address{Firstname: "Oscar"}})
	f.repo.Seed(User{Email: "c@x.com"})

	q, _ := ParseSearchQuery(url.Values{"q": {"  o "}}, true, SearchDefaults{})
	require.Equal(t, "o", q.Prefix)

	page, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, emails(page.Users))
}

func TestAutocompleteEveryPrefixOfAnEmailFindsIt(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.Seed(User{Email: "Mixed.Case@Shop.io"})
	f.repo.Seed(User{Email: "other@shop.io"})

	email := "mixed.case@shop.io"
	for i := 1; i <= len(email); i++ {
		prefix := email[:i]
		page, err := f.svc.Search(context.Background(), SearchQuery{Autocomplete: true, Prefix: prefix, Limit: 10})
		require.NoError(t, err)
		assert.Contains(t, emails(page.Users), "Mixed.Case@Shop.io", "prefix %q", prefix)
	}
}

// gatedRepository holds autocomplete lookups until release is closed.
type gatedRepository struct {
	*MemoryRepository
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepository) Autocomplete(ctx context.Context, q SearchQuery) ([]User, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.MemoryRepository.Autocomplete(ctx, q)
}

func TestAutocompleteCoalescesAndSurvivesCallerCancel(t *testing.T) {
	repo := &gatedRepository{
		MemoryRepository: NewMemoryRepository(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	repo.Seed(User{Email: "jane@x.com"})
	svc := NewService(repo, roles.NewService(stubRoleStore{}), NewDiscountNotifier(nil, nil), nil, nil)
	q := SearchQuery{Autocomplete: true, Prefix: "ja", Limit: 10}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	type outcome struct {
		page ResultPage
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		page, err := svc.Search(firstCtx, q)
		first <- outcome{page, err}
	}()
	<-repo.entered

	second := make(chan outcome, 1)
	go func() {
		page, err := svc.Search(context.Background(), q)
		second <- outcome{page, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancelFirst()
	close(repo.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, []string{"jane@x.com"}, emails(got.page.Users))
	<-first
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestAutocompleteHonoursLimit(t *testing.T) {
	f := newServiceFixture(t)
	for i := 0; i < 120; i++ {
		f.repo.Seed(User{Email: fmt.Sprintf("user%03d@x.com", i)})
	}

	limited, err := f.svc.Search(context.Background(), SearchQuery{Autocomplete: true, Prefix: "user", Limit: 7})
	require.NoError(t, err)
	assert.Len(t, limited.Users, 7)

	q, _ := ParseSearchQuery(url.Values{"q": {"user"}, "limit": {"lots"}}, true, SearchDefaults{})
	defaulted, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, defaulted.Users, DefaultAutocompleteLimit)
}

func TestSearchRestrictsToEnterprisesInBothModes(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.Seed(User{Email: "a@x.com", EnterpriseIDs: []int64{1}})
	f.repo.Seed(User{Email: "b@x.com", EnterpriseIDs: []int64{2, 9}})
	f.repo.Seed(User{Email: "c@x.com", EnterpriseIDs: []int64{3}})
	f.repo.Seed(User{Email: "d@x.com"})

	values := url.Values{"enterprise_id_in[]": {"1", "2"}}

	general, _ := ParseSearchQuery(values, false, SearchDefaults{})
	page, err := f.svc.Search(context.Background(), general)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, emails(page.Users))
	assert.Equal(t, 2, page.Pagination.Total)

	values.Set("q", "c")
	auto, _ := ParseSearchQuery(values, true, SearchDefaults{})
	page, err = f.svc.Search(context.Background(), auto)
	require.NoError(t, err)
	assert.Empty(t, page.Users)

	values.Set("q", "a")
	auto, _ = ParseSearchQuery(values, true, SearchDefaults{})
	page, err = f.svc.Search(context.Background(), auto)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, emails(page.Users))
}

func TestGeneralSearchPaginatesWithoutGapsOrOverlap(t *testing.T) {
	f := newServiceFixture(t)
	for i := 0; i < 7; i++ {
		f.repo.Seed(User{Email: fmt.Sprintf("u%d@x.com", i), Discount: float64(i % 2)})
	}
	spec, errs := filter.Parse(url.Values{"q[s]": {"discount desc"}}, "q", Filterable)
	require.Empty(t, errs)

	var seen []string
	for page := 1; page <= 3; page++ {
		res, err := f.svc.Search(context.Background(), SearchQuery{Filter: spec, Page: page, PerPage: 3})
		require.NoError(t, err)
		assert.Equal(t, 7, res.Pagination.Total)
		assert.Equal(t, 3, res.Pagination.TotalPages)
		seen = append(seen, emails(res.Users)...)
	}
	assert.Len(t, seen, 7)
	assert.ElementsMatch(t, []string{"u0@x.com", "u1@x.com", "u2@x.com", "u3@x.com", "u4@x.com", "u5@x.com", "u6@x.com"}, seen)
	// discount 1 rows first, ties broken by id.
	assert.Equal(t, []string{"u1@x.com", "u3@x.com", "u5@x.com"}, seen[:3])

	beyond, err := f.svc.Search(context.Background(), SearchQuery{Filter: spec, Page: 9, PerPage: 3})
	require.NoError(t, err)
	assert.Empty(t, beyond.Users)
	assert.Equal(t, 7, beyond.Pagination.Total)
	assert.Nil(t, beyond.Pagination.Next)
}

func TestGeneralSearchWithHugePageNumbers(t *testing.T) {
	f := newServiceFixture(t)
	for i := 0; i < 5; i++ {
		f.repo.Seed(User{Email: fmt.Sprintf("u%d@x.com", i)})
	}

	for _, raw := range []url.Values{
		{"page": {"2305843009213693953"}, "per_page": {"4"}},
		{"page": {"2"}, "per_page": {"9223372036854775807"}},
		{"page": {"9223372036854775807"}, "per_page": {"9223372036854775807"}},
	} {
		q, _ := ParseSearchQuery(raw, false, SearchDefaults{})
		res, err := f.svc.Search(context.Background(), q)
		require.NoError(t, err, raw.Encode())
		require.NotNil(t, res.Pagination)
		assert.Equal(t, 5, res.Pagination.Total)
		assert.GreaterOrEqual(t, res.Pagination.Offset(), 0)
	}
}

func TestGeneralSearchAppliesFilters(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.Seed(User{Email: "jane@x.com", Discount: 15, BillAddress: &Address{City: "Leeds"}})
	f.repo.Seed(User{Email: "john@y.com", Discount: 5, BillAddress: &Address{City: "leeds"}})
	f.repo.Seed(User{Email: "jack@x.com", Discount: 25})

	q, errs := ParseSearchQuery(url.Values{
		"q[email_end]":            {"@x.com"},
		"q[discount_gteq]":        {"10"},
		"q[bill_address_city_eq]": {"Leeds"},
	}, false, SearchDefaults{})
	require.Empty(t, errs)

	page, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"jane@x.com"}, emails(page.Users))
}

func TestUpdateDiscountChangeNotifiesOnceWithNewValue(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10})

	form := validForm("jane@x.com")
	form.Discount = ptr(20.0)
	_, err := f.svc.Update(context.Background(), u.ID, form, nil)
	require.NoError(t, err)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "jane@x.com", f.sender.sent[0].To)
	assert.Equal(t, TemplateDiscountChanged, f.sender.sent[0].Template)
	assert.Equal(t, 20.0, f.sender.sent[0].Data["discount"])
}

func TestUpdateWithoutDiscountChangeSendsNothing(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10, EnterpriseLimit: 5})

	form := validForm("jane.doe@x.com")
	form.Discount = ptr(10.0)
	form.EnterpriseLimit = ptr(9)
	result, err := f.svc.Update(context.Background(), u.ID, form, nil)
	require.NoError(t, err)

	assert.Equal(t, MessageEmailUpdated, result.Message)
	assert.Equal(t, 9, result.User.EnterpriseLimit)
	assert.Zero(t, f.sender.calls)
}

func TestUpdateKeepsNumericFieldsNotSubmitted(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10, EnterpriseLimit: 5})

	result, err := f.svc.Update(context.Background(), u.ID, UserForm{Email: "jane@x.com", ShowAPIKeyView: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, 10.0, result.User.Discount)
	assert.Equal(t, 5, result.User.EnterpriseLimit)
	assert.Equal(t, MessageAPIKeyViewToggled, result.Message)
	assert.Zero(t, f.sender.calls)
}

func TestDiscountNotifierSkipsBlankEmail(t *testing.T) {
	sender := &recordingSender{}
	n := NewDiscountNotifier(sender, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sent := n.Changed(context.Background(), User{ID: 1, Discount: 10}, User{ID: 1, Email: "  ", Discount: 20})

	assert.False(t, sent)
	assert.Zero(t, sender.calls)
}

func TestNotificationFailureDoesNotFailUpdate(t *testing.T) {
	f := newServiceFixture(t)
	f.sender.err = errors.New("queue down")
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10})

	form := validForm("jane@x.com")
	form.Discount = ptr(12.5)
	result, err := f.svc.Update(context.Background(), u.ID, form, nil)

	require.NoError(t, err)
	assert.Equal(t, 12.5, result.User.Discount)
	assert.Equal(t, 1, f.sender.calls)
}

func TestUpdateReplacesRoleSet(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", RoleIDs: []int64{1, 3}})

	result, err := f.svc.Update(context.Background(), u.ID, validForm("jane@x.com"), []string{"", "3", "5"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, result.User.RoleIDs)

	stored, err := f.repo.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, stored.RoleIDs)
}

func TestUpdateRoleHandling(t *testing.T) {
	cases := []struct {
		name    string
		roleIDs []string
		want    []int64
	}{
		{name: "not submitted keeps roles", roleIDs: nil, want: []int64{1, 3}},
		{name: "only blanks clears roles", roleIDs: []string{"", " "}, want: []int64{}},
		{name: "duplicates collapse", roleIDs: []string{"5", "5"}, want: []int64{5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t)
			u := f.repo.Seed(User{Email: "jane@x.com", RoleIDs: []int64{1, 3}})

			result, err := f.svc.Update(context.Background(), u.ID, validForm("jane@x.com"), tc.roleIDs)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, result.User.RoleIDs)
		})
	}
}

func TestUpdateWithUnknownRoleWritesNothing(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com", Discount: 10, RoleIDs: []int64{1}})

	form := validForm("changed@x.com")
	form.Discount = ptr(30.0)
	_, err := f.svc.Update(context.Background(), u.ID, form, []string{"3", "404", "5"})

	require.ErrorIs(t, err, roles.ErrNotFound)
	stored, err := f.repo.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@x.com", stored.Email)
	assert.Equal(t, 10.0, stored.Discount)
	assert.Equal(t, []int64{1}, stored.RoleIDs)
	assert.Zero(t, f.sender.calls)
}

func TestUpdateValidatesAndNormalisesInput(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com"})

	_, err := f.svc.Update(context.Background(), u.ID, UserForm{Email: "not-an-email", Discount: ptr(150.0)}, nil)
	verr, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "discount")

	result, err := f.svc.Update(context.Background(), u.ID, validForm("  Jane@X.com "), nil)
	require.NoError(t, err)
	assert.Equal(t, "jane@x.com", result.User.Email)
	assert.Equal(t, MessageAccountUpdated, result.Message)
}

func TestUpdateReportsAddressFieldErrors(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com"})

	form := validForm("jane@x.com")
	form.BillAddress = &AddressForm{Firstname: "Jane"}
	_, err := f.svc.Update(context.Background(), u.ID, form, nil)

	verr, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "can't be blank", verr.Fields["bill_address.city"])
	assert.Contains(t, verr.Fields, "bill_address.country_id")
}

func TestUpdateStoresAddressWithLookupNames(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.AddCountry(7, "United Kingdom")
	u := f.repo.Seed(User{Email: "jane@x.com"})

	form := validForm("jane@x.com")
	form.BillAddress = &AddressForm{
		Firstname: "Jane", Lastname: "Doe", Address1: "1 High St", City: "Leeds",
		Zipcode: "LS1", Phone: "0113", CountryID: 7,
	}
	result, err := f.svc.Update(context.Background(), u.ID, form, nil)
	require.NoError(t, err)

	require.NotNil(t, result.User.BillAddress)
	assert.NotZero(t, result.User.BillAddress.ID)
	assert.Equal(t, "United Kingdom", result.User.BillAddress.Country.Name)
	assert.Nil(t, result.User.ShipAddress)
}

func TestUpdateShowAPIKeyViewMessage(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "jane@x.com"})

	form := validForm("other@x.com")
	form.ShowAPIKeyView = true
	result, err := f.svc.Update(context.Background(), u.ID, form, nil)
	require.NoError(t, err)
	assert.Equal(t, MessageAPIKeyViewToggled, result.Message)
}

func TestUpdateUnknownUser(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Update(context.Background(), 42, validForm("a@x.com"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.Seed(User{Email: "jane@x.com"})

	_, err := f.svc.Create(context.Background(), validForm("JANE@x.com"), nil)
	verr, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "has already been taken", verr.Fields["email"])
}

func TestCreateAssignsRoles(t *testing.T) {
	f := newServiceFixture(t)

	created, err := f.svc.Create(context.Background(), validForm("new@x.com"), []string{"5", "", "1"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.ElementsMatch(t, []int64{1, 5}, created.RoleIDs)
	assert.Zero(t, f.sender.calls)
}

func TestDeleteRefusesUsersWithOrders(t *testing.T) {
	f := newServiceFixture(t)
	buyer := f.repo.Seed(User{Email: "buyer@x.com"})
	idle := f.repo.Seed(User{Email: "idle@x.com"})
	f.repo.AddOrder(buyer.ID)

	err := f.svc.Delete(context.Background(), buyer.ID)
	require.ErrorIs(t, err, ErrHasOrders)
	_, err = f.repo.Get(context.Background(), buyer.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), idle.ID))
	_, err = f.repo.Get(context.Background(), idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeyLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	u := f.repo.Seed(User{Email: "dev@x.com"})

	key, err := f.svc.GenerateAPIKey(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{48}$`, key)

	stored, _ := f.repo.Get(context.Background(), u.ID)
	require.NotNil(t, stored.APIKey)
	assert.Equal(t, key, *stored.APIKey)

	require.NoError(t, f.svc.ClearAPIKey(context.Background(), u.ID))
	stored, _ = f.repo.Get(context.Background(), u.ID)
	assert.Nil(t, stored.APIKey)

	_, err = f.svc.GenerateAPIKey(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

type observedSearch struct {
	mode    string
	results int
	err     error
}

type recordingObserver struct {
	observed []observedSearch
}

func (o *recordingObserver) ObserveSearch(mode string, _ time.Duration, results int, err error) {
	o.observed = append(o.observed, observedSearch{mode: mode, results: results, err: err})
}

func TestSearchReportsToObserver(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Seed(User{Email: "jane@x.com"})
	observer := &recordingObserver{}
	svc := NewService(repo, nil, nil, observer, nil)

	_, err := svc.Search(context.Background(), SearchQuery{Autocomplete: true, Prefix: "j", Limit: 5})
	require.NoError(t, err)
	_, err = svc.Search(context.Background(), SearchQuery{Page: 1, PerPage: 5})
	require.NoError(t, err)

	assert.Equal(t, []observedSearch{
		{mode: "autocomplete", results: 1},
		{mode: "general", results: 1},
	}, observer.observed)
}
