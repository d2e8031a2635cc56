package users

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/fruitmarket/storeadmin/internal/filter"
)

// MemoryRepository keeps users in process for service and handler tests.
// Transactions run against a private copy that replaces the shared state only
// when fn succeeds.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	nextUserID    int64
	nextAddressID int64
	users         map[int64]User
	orders        map[int64]int
	states        map[int64]string
	countries     map[int64]string
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: &memoryData{
		users:     map[int64]User{},
		orders:    map[int64]int{},
		states:    map[int64]string{},
		countries: map[int64]string{},
	}}
}

// AddState registers a state name for address lookups.
func (m *MemoryRepository) AddState(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.states[id] = name
}

// AddCountry registers a country name for address lookups.
func (m *MemoryRepository) AddCountry(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.countries[id] = name
}

// Seed stores u as given, assigning ids where missing, and returns the stored copy.
func (m *MemoryRepository) Seed(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.data
	if u.ID == 0 {
		d.nextUserID++
		u.ID = d.nextUserID
	} else if u.ID > d.nextUserID {
		d.nextUserID = u.ID
	}
	d.assignAddressIDs(&u)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
		u.UpdatedAt = u.CreatedAt
	}
	d.users[u.ID] = cloneUser(u)
	return cloneUser(u)
}

// AddOrder records an order owned by userID.
func (m *MemoryRepository) AddOrder(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.orders[userID]++
}

// WithTx runs fn against a snapshot and publishes it when fn succeeds.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, RepositoryPort) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	tx := &MemoryRepository{data: snapshot}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = tx.data
	m.mu.Unlock()
	return nil
}

// Autocomplete matches the prefix against email and address names.
func (m *MemoryRepository) Autocomplete(_ context.Context, q SearchQuery) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.data.sorted() {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if !inEnterprises(u, q.EnterpriseIDs) || !matchesPrefix(u, q.Prefix) {
			continue
		}
		out = append(out, m.data.hydrate(u))
	}
	return out, nil
}

// Filter evaluates the filter spec in memory.
func (m *MemoryRepository) Filter(_ context.Context, q SearchQuery, limit, offset int) ([]User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []User
	for _, u := range m.data.sorted() {
		if !inEnterprises(u, q.EnterpriseIDs) || !q.Filter.Match(userRecord(u)) {
			continue
		}
		matched = append(matched, u)
	}
	slices.SortStableFunc(matched, func(a, b User) int {
		if c := q.Filter.Compare(userRecord(a), userRecord(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + min(limit, total-offset)
	page := make([]User, 0, end-offset)
	for _, u := range matched[offset:end] {
		page = append(page, m.data.hydrate(u))
	}
	return page, total, nil
}

// Get returns a copy of the user.
func (m *MemoryRepository) Get(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.data.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.data.hydrate(u)
	return &out, nil
}

// Create inserts u and assigns ids.
func (m *MemoryRepository) Create(_ context.Context, u *User) error {
	return m.write(func(d *memoryData) error {
		if d.emailTaken(u.Email, 0) {
			return ErrEmailTaken
		}
		d.nextUserID++
		u.ID = d.nextUserID
		d.assignAddressIDs(u)
		u.CreatedAt = time.Now().UTC()
		u.UpdatedAt = u.CreatedAt
		d.users[u.ID] = cloneUser(*u)
		return nil
	})
}

// Update replaces the editable fields of u.
func (m *MemoryRepository) Update(_ context.Context, u *User) error {
	return m.write(func(d *memoryData) error {
		current, ok := d.users[u.ID]
		if !ok {
			return ErrNotFound
		}
		if d.emailTaken(u.Email, u.ID) {
			return ErrEmailTaken
		}
		d.assignAddressIDs(u)
		current.Email = u.Email
		current.Discount = u.Discount
		current.EnterpriseLimit = u.EnterpriseLimit
		current.ShowAPIKeyView = u.ShowAPIKeyView
		current.BillAddress = u.BillAddress
		current.ShipAddress = u.ShipAddress
		current.UpdatedAt = time.Now().UTC()
		d.users[u.ID] = cloneUser(current)
		return nil
	})
}

// ReplaceRoles swaps the user's role set.
func (m *MemoryRepository) ReplaceRoles(_ context.Context, userID int64, roleIDs []int64) error {
	return m.write(func(d *memoryData) error {
		u, ok := d.users[userID]
		if !ok {
			return ErrNotFound
		}
		ids := slices.Clone(roleIDs)
		slices.Sort(ids)
		u.RoleIDs = slices.Compact(ids)
		d.users[userID] = u
		return nil
	})
}

// HasOrders reports whether orders were recorded for the user.
func (m *MemoryRepository) HasOrders(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.orders[userID] > 0, nil
}

// Delete removes the user.
func (m *MemoryRepository) Delete(_ context.Context, id int64) error {
	return m.write(func(d *memoryData) error {
		if _, ok := d.users[id]; !ok {
			return ErrNotFound
		}
		delete(d.users, id)
		return nil
	})
}

// SetAPIKey stores or clears the API key.
func (m *MemoryRepository) SetAPIKey(_ context.Context, id int64, key *string) error {
	return m.write(func(d *memoryData) error {
		u, ok := d.users[id]
		if !ok {
			return ErrNotFound
		}
		if key == nil {
			u.APIKey = nil
		} else {
			k := *key
			u.APIKey = &k
		}
		u.UpdatedAt = time.Now().UTC()
		d.users[id] = u
		return nil
	})
}

func (m *MemoryRepository) write(fn func(*memoryData) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.data)
}

func (d *memoryData) clone() *memoryData {
	out := &memoryData{
		nextUserID:    d.nextUserID,
		nextAddressID: d.nextAddressID,
		users:         make(map[int64]User, len(d.users)),
		orders:        make(map[int64]int, len(d.orders)),
		states:        make(map[int64]string, len(d.states)),
		countries:     make(map[int64]string, len(d.countries)),
	}
	for id, u := range d.users {
		out.users[id] = cloneUser(u)
	}
	for k, v := range d.orders {
		out.orders[k] = v
	}
	for k, v := range d.states {
		out.states[k] = v
	}
	for k, v := range d.countries {
		out.countries[k] = v
	}
	return out
}

func (d *memoryData) sorted() []User {
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (d *memoryData) emailTaken(email string, except int64) bool {
	for id, u := range d.users {
		if id != except && u.Email == email {
			return true
		}
	}
	return false
}

func (d *memoryData) assignAddressIDs(u *User) {
	for _, a := range []*Address{u.BillAddress, u.ShipAddress} {
		if a != nil && a.ID == 0 {
			d.nextAddressID++
			a.ID = d.nextAddressID
		}
	}
}

// hydrate fills lookup names the way the SQL joins do.
func (d *memoryData) hydrate(u User) User {
	out := cloneUser(u)
	for _, a := range []*Address{out.BillAddress, out.ShipAddress} {
		if a == nil {
			continue
		}
		if a.State != nil {
			if name, ok := d.states[a.State.ID]; ok {
				a.State.Name = name
			}
		}
		if a.Country != nil {
			if name, ok := d.countries[a.Country.ID]; ok {
				a.Country.Name = name
			}
		}
	}
	return out
}

func cloneUser(u User) User {
	u.BillAddress = cloneAddress(u.BillAddress)
	u.ShipAddress = cloneAddress(u.ShipAddress)
	u.RoleIDs = slices.Clone(u.RoleIDs)
	u.EnterpriseIDs = slices.Clone(u.EnterpriseIDs)
	if u.APIKey != nil {
		k := *u.APIKey
		u.APIKey = &k
	}
	return u
}

func cloneAddress(a *Address) *Address {
	if a == nil {
		return nil
	}
	out := *a
	if a.State != nil {
		s := *a.State
		out.State = &s
	}
	if a.Country != nil {
		c := *a.Country
		out.Country = &c
	}
	return &out
}

func inEnterprises(u User, ids []int64) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range u.EnterpriseIDs {
		if slices.Contains(ids, id) {
			return true
		}
	}
	return false
}

func matchesPrefix(u User, prefix string) bool {
	if filter.HasPrefixFold(u.Email, prefix) {
		return true
	}
	for _, a := range []*Address{u.BillAddress, u.ShipAddress} {
		if a == nil {
			continue
		}
		if filter.HasPrefixFold(a.Firstname, prefix) || filter.HasPrefixFold(a.Lastname, prefix) {
			return true
		}
	}
	return false
}

// userRecord exposes the Filterable fields of u.
func userRecord(u User) filter.Record {
	return func(field string) any {
		switch field {
		case "id":
			return u.ID
		case "email":
			return u.Email
		case "discount":
			return u.Discount
		case "enterprise_limit":
			return int64(u.EnterpriseLimit)
		case "created_at":
			return u.CreatedAt
		case "bill_address_firstname":
			return addressField(u.BillAddress, func(a *Address) string { return a.Firstname })
		case "bill_address_lastname":
			return addressField(u.BillAddress, func(a *Address) string { return a.Lastname })
		case "bill_address_city":
			return addressField(u.BillAddress, func(a *Address) string { return a.City })
		case "ship_address_firstname":
			return addressField(u.ShipAddress, func(a *Address) string { return a.Firstname })
		case "ship_address_lastname":
			return addressField(u.ShipAddress, func(a *Address) string { return a.Lastname })
		}
		return nil
	}
}

func addressField(a *Address, get func(*Address) string) any {
	if a == nil {
		return nil
	}
	return get(a)
}

var _ RepositoryPort = (*MemoryRepository)(nil)
