package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/fruitmarket/storeadmin/internal/filter"
	"github.com/fruitmarket/storeadmin/internal/platform/db"
)

const userColumns = `u.id, u.email, u.discount, u.enterprise_limit, u.show_api_key_view, u.api_key, u.created_at, u.updated_at,
	ba.id, ba.firstname, ba.lastname, ba.address1, ba.address2, ba.city, ba.zipcode, ba.phone, ba.alternative_phone, ba.company,
	bs.id, bs.name, bc.id, bc.name,
	sa.id, sa.firstname, sa.lastname, sa.address1, sa.address2, sa.city, sa.zipcode, sa.phone, sa.alternative_phone, sa.company,
	ss.id, ss.name, sc.id, sc.name`

const userJoins = `FROM users u
	LEFT JOIN addresses ba ON ba.id = u.bill_address_id
	LEFT JOIN states bs ON bs.id = ba.state_id
	LEFT JOIN countries bc ON bc.id = ba.country_id
	LEFT JOIN addresses sa ON sa.id = u.ship_address_id
	LEFT JOIN states ss ON ss.id = sa.state_id
	LEFT JOIN countries sc ON sc.id = sa.country_id`

const emailConstraint = "users_email_key"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	db   db.DBTX
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, pool: pool}
}

// WithTx runs fn against a repository bound to a single transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, RepositoryPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{db: tx, pool: r.pool})
	})
}

// enterpriseClause narrows results to members of any listed enterprise.
func enterpriseClause(ids []int64, args *filter.Args) string {
	if len(ids) == 0 {
		return ""
	}
	return "EXISTS (SELECT 1 FROM enterprise_users eu WHERE eu.user_id = u.id AND eu.enterprise_id = ANY(" + args.Add(ids) + "))"
}

// buildAutocompleteQuery matches the prefix against the email and the billing
// and shipping first and last names. Comparing lower(col) with LIKE lets the
// text_pattern_ops indexes serve the lookup. Order is left to the store.
func buildAutocompleteQuery(q SearchQuery) (string, []any) {
	args := &filter.Args{}
	p := args.Add(filter.EscapeLike(cases.Lower(language.Und).String(q.Prefix)) + "%")
	conds := []string{fmt.Sprintf("(lower(u.email) LIKE %[1]s OR lower(ba.firstname) LIKE %[1]s OR lower(ba.lastname) LIKE %[1]s OR lower(sa.firstname) LIKE %[1]s OR lower(sa.lastname) LIKE %[1]s)", p)}
	if c := enterpriseClause(q.EnterpriseIDs, args); c != "" {
		conds = append(conds, c)
	}
	limit := args.Add(q.Limit)
	sql := "SELECT " + userColumns + "\n" + userJoins + "\nWHERE " + strings.Join(conds, " AND ") + "\nLIMIT " + limit
	return sql, args.Values()
}

// buildFilterQueries returns the count and page queries for general search.
// Both share the same positional arguments; the page query appends limit and
// offset.
func buildFilterQueries(q SearchQuery, limit, offset int) (string, string, []any) {
	args := &filter.Args{}
	var conds []string
	if c := q.Filter.SQL(args); c != "" {
		conds = append(conds, c)
	}
	if c := enterpriseClause(q.EnterpriseIDs, args); c != "" {
		conds = append(conds, c)
	}
	where := ""
	if len(conds) > 0 {
		where = "\nWHERE " + strings.Join(conds, " AND ")
	}
	countSQL := "SELECT COUNT(*) " + userJoins + where

	limitPH := args.Add(limit)
	offsetPH := args.Add(offset)
	listSQL := "SELECT " + userColumns + "\n" + userJoins + where +
		"\nORDER BY " + q.Filter.OrderBy("u.id") +
		"\nLIMIT " + limitPH + " OFFSET " + offsetPH
	return countSQL, listSQL, args.Values()
}

// Autocomplete runs the typeahead lookup.
func (r *Repository) Autocomplete(ctx context.Context, q SearchQuery) ([]User, error) {
	sql, args := buildAutocompleteQuery(q)
	return r.queryUsers(ctx, sql, args...)
}

// Filter runs the general search and returns one page plus the total count.
func (r *Repository) Filter(ctx context.Context, q SearchQuery, limit, offset int) ([]User, int, error) {
	countSQL, listSQL, args := buildFilterQueries(q, limit, offset)
	var total int
	if err := r.db.QueryRow(ctx, countSQL, args[:len(args)-2]...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	if total == 0 || offset >= total {
		return nil, total, nil
	}
	users, err := r.queryUsers(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// Get loads one user with addresses, roles and enterprise memberships.
func (r *Repository) Get(ctx context.Context, id int64) (*User, error) {
	users, err := r.queryUsers(ctx, "SELECT "+userColumns+"\n"+userJoins+"\nWHERE u.id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	user := users[0]
	if user.RoleIDs, err = r.int64s(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, id); err != nil {
		return nil, fmt.Errorf("load user roles: %w", err)
	}
	if user.EnterpriseIDs, err = r.int64s(ctx, `SELECT enterprise_id FROM enterprise_users WHERE user_id = $1 ORDER BY enterprise_id`, id); err != nil {
		return nil, fmt.Errorf("load user enterprises: %w", err)
	}
	return &user, nil
}

// Create inserts the user and any addresses, setting generated ids on u.
func (r *Repository) Create(ctx context.Context, u *User) error {
	billID, err := r.saveAddress(ctx, u.BillAddress)
	if err != nil {
		return err
	}
	shipID, err := r.saveAddress(ctx, u.ShipAddress)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `INSERT INTO users (email, discount, enterprise_limit, show_api_key_view, bill_address_id, ship_address_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		u.Email, u.Discount, u.EnterpriseLimit, u.ShowAPIKeyView, billID, shipID,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, emailConstraint) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Update writes the editable columns and upserts addresses.
func (r *Repository) Update(ctx context.Context, u *User) error {
	billID, err := r.saveAddress(ctx, u.BillAddress)
	if err != nil {
		return err
	}
	shipID, err := r.saveAddress(ctx, u.ShipAddress)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE users
		SET email = $1, discount = $2, enterprise_limit = $3, show_api_key_view = $4,
		    bill_address_id = $5, ship_address_id = $6, updated_at = NOW()
		WHERE id = $7`,
		u.Email, u.Discount, u.EnterpriseLimit, u.ShowAPIKeyView, billID, shipID, u.ID)
	if err != nil {
		if db.IsUniqueViolation(err, emailConstraint) {
			return ErrEmailTaken
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceRoles swaps the user's role set. Call inside WithTx so readers never
// observe the intermediate empty set.
func (r *Repository) ReplaceRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	if len(roleIDs) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `INSERT INTO user_roles (user_id, role_id)
		SELECT $1, role_id FROM unnest($2::bigint[]) AS role_id
		ON CONFLICT DO NOTHING`, userID, roleIDs); err != nil {
		return fmt.Errorf("insert user roles: %w", err)
	}
	return nil
}

// HasOrders reports whether any order references the user.
func (r *Repository) HasOrders(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

// Delete removes the user.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAPIKey stores or clears (nil) the user's API key.
func (r *Repository) SetAPIKey(ctx context.Context, id int64, key *string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET api_key = $1, updated_at = NOW() WHERE id = $2`, key, id)
	if err != nil {
		return fmt.Errorf("set api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) saveAddress(ctx context.Context, a *Address) (*int64, error) {
	if a == nil {
		return nil, nil
	}
	var stateID, countryID *int64
	if a.State != nil {
		stateID = &a.State.ID
	}
	if a.Country != nil {
		countryID = &a.Country.ID
	}
	if a.ID == 0 {
		err := r.db.QueryRow(ctx, `INSERT INTO addresses
			(firstname, lastname, address1, address2, city, zipcode, phone, alternative_phone, company, state_id, country_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			a.Firstname, a.Lastname, a.Address1, a.Address2, a.City, a.Zipcode, a.Phone, a.AlternativePhone, a.Company, stateID, countryID,
		).Scan(&a.ID)
		if err != nil {
			return nil, fmt.Errorf("insert address: %w", err)
		}
		return &a.ID, nil
	}
	_, err := r.db.Exec(ctx, `UPDATE addresses
		SET firstname = $1, lastname = $2, address1 = $3, address2 = $4, city = $5, zipcode = $6,
		    phone = $7, state_id = $8, country_id = $9, updated_at = NOW()
		WHERE id = $10`,
		a.Firstname, a.Lastname, a.Address1, a.Address2, a.City, a.Zipcode, a.Phone, stateID, countryID, a.ID)
	if err != nil {
		return nil, fmt.Errorf("update address: %w", err)
	}
	return &a.ID, nil
}

func (r *Repository) int64s(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *Repository) queryUsers(ctx context.Context, sql string, args ...any) ([]User, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return users, nil
}

type addressRow struct {
	id                                      pgtype.Int8
	firstname, lastname, address1, address2 pgtype.Text
	city, zipcode, phone, altPhone, company pgtype.Text
	stateID                                 pgtype.Int8
	stateName                               pgtype.Text
	countryID                               pgtype.Int8
	countryName                             pgtype.Text
}

func (a *addressRow) targets() []any {
	return []any{&a.id, &a.firstname, &a.lastname, &a.address1, &a.address2, &a.city, &a.zipcode, &a.phone,
		&a.altPhone, &a.company, &a.stateID, &a.stateName, &a.countryID, &a.countryName}
}

func (a *addressRow) toDomain() *Address {
	if !a.id.Valid {
		return nil
	}
	addr := &Address{
		ID:               a.id.Int64,
		Firstname:        a.firstname.String,
		Lastname:         a.lastname.String,
		Address1:         a.address1.String,
		Address2:         a.address2.String,
		City:             a.city.String,
		Zipcode:          a.zipcode.String,
		Phone:            a.phone.String,
		AlternativePhone: a.altPhone.String,
		Company:          a.company.String,
	}
	if a.stateID.Valid {
		addr.State = &Lookup{ID: a.stateID.Int64, Name: a.stateName.String}
	}
	if a.countryID.Valid {
		addr.Country = &Lookup{ID: a.countryID.Int64, Name: a.countryName.String}
	}
	return addr
}

func scanUser(rows pgx.Rows) (User, error) {
	var (
		u        User
		discount pgtype.Numeric
		apiKey   pgtype.Text
		bill     addressRow
		ship     addressRow
	)
	targets := []any{&u.ID, &u.Email, &discount, &u.EnterpriseLimit, &u.ShowAPIKeyView, &apiKey, &u.CreatedAt, &u.UpdatedAt}
	targets = append(targets, bill.targets()...)
	targets = append(targets, ship.targets()...)
	if err := rows.Scan(targets...); err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	if discount.Valid {
		f, err := discount.Float64Value()
		if err != nil {
			return User{}, fmt.Errorf("scan user discount: %w", err)
		}
		u.Discount = f.Float64
	}
	if apiKey.Valid {
		key := apiKey.String
		u.APIKey = &key
	}
	u.BillAddress = bill.toDomain()
	u.ShipAddress = ship.toDomain()
	return u, nil
}

var _ RepositoryPort = (*Repository)(nil)
