package users

import "encoding/json"

// Shape selects a JSON projection of search results.
type Shape string

const (
	// ShapeBasic is the {id, name} form used by lightweight pickers.
	ShapeBasic Shape = "basic"
	// ShapeDefault includes allowlisted billing and shipping address fields.
	ShapeDefault Shape = "default"
)

// ParseShape maps the json_format parameter; anything unknown is ShapeDefault.
func ParseShape(raw string) Shape {
	if Shape(raw) == ShapeBasic {
		return ShapeBasic
	}
	return ShapeDefault
}

// BasicUserView is the picker projection. Name carries the email.
type BasicUserView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// NameView exposes only the name of a referenced state or country.
type NameView struct {
	Name string `json:"name"`
}

// AddressView is the fixed address allowlist exposed to admin clients.
type AddressView struct {
	Firstname string    `json:"firstname"`
	Lastname  string    `json:"lastname"`
	Address1  string    `json:"address1"`
	Address2  string    `json:"address2"`
	City      string    `json:"city"`
	Zipcode   string    `json:"zipcode"`
	Phone     string    `json:"phone"`
	State     *NameView `json:"state"`
	Country   *NameView `json:"country"`
}

// DefaultUserView is the full admin projection.
type DefaultUserView struct {
	ID          int64        `json:"id"`
	Email       string       `json:"email"`
	BillAddress *AddressView `json:"bill_address"`
	ShipAddress *AddressView `json:"ship_address"`
}

// NewBasicUserViews projects users to the basic shape.
func NewBasicUserViews(users []User) []BasicUserView {
	out := make([]BasicUserView, len(users))
	for i, u := range users {
		out[i] = BasicUserView{ID: u.ID, Name: u.Email}
	}
	return out
}

// NewDefaultUserViews projects users to the default shape.
func NewDefaultUserViews(users []User) []DefaultUserView {
	out := make([]DefaultUserView, len(users))
	for i, u := range users {
		out[i] = DefaultUserView{
			ID:          u.ID,
			Email:       u.Email,
			BillAddress: newAddressView(u.BillAddress),
			ShipAddress: newAddressView(u.ShipAddress),
		}
	}
	return out
}

func newAddressView(a *Address) *AddressView {
	if a == nil {
		return nil
	}
	return &AddressView{
		Firstname: a.Firstname,
		Lastname:  a.Lastname,
		Address1:  a.Address1,
		Address2:  a.Address2,
		City:      a.City,
		Zipcode:   a.Zipcode,
		Phone:     a.Phone,
		State:     newNameView(a.State),
		Country:   newNameView(a.Country),
	}
}

func newNameView(l *Lookup) *NameView {
	if l == nil {
		return nil
	}
	return &NameView{Name: l.Name}
}

// Project serializes the page's users in the requested shape.
func Project(page ResultPage, shape Shape) ([]byte, error) {
	if shape == ShapeBasic {
		return json.Marshal(NewBasicUserViews(page.Users))
	}
	return json.Marshal(NewDefaultUserViews(page.Users))
}
