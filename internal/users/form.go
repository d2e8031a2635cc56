package users

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// UserForm is the editable part of a user account. Nil numeric fields and
// addresses were not submitted and leave the stored values alone.
type UserForm struct {
	Email           string       `form:"email" validate:"required,email,max=254"`
	Discount        *float64     `form:"discount" validate:"omitempty,gte=0,lte=100"`
	EnterpriseLimit *int         `form:"enterprise_limit" validate:"omitempty,gte=0,lte=1000"`
	ShowAPIKeyView  bool         `form:"show_api_key_view"`
	BillAddress     *AddressForm `form:"bill_address" validate:"omitempty"`
	ShipAddress     *AddressForm `form:"ship_address" validate:"omitempty"`
}

// AddressForm is a billing or shipping address as submitted by an admin.
type AddressForm struct {
	Firstname string `form:"firstname" validate:"required,max=100"`
	Lastname  string `form:"lastname" validate:"required,max=100"`
	Address1  string `form:"address1" validate:"required,max=255"`
	Address2  string `form:"address2" validate:"max=255"`
	City      string `form:"city" validate:"required,max=100"`
	Zipcode   string `form:"zipcode" validate:"required,max=20"`
	Phone     string `form:"phone" validate:"required,max=50"`
	StateID   *int64 `form:"state_id" validate:"omitempty,gt=0"`
	CountryID int64  `form:"country_id" validate:"required,gt=0"`
}

// Normalize trims input and lower-cases the email so it matches stored keys.
func (f *UserForm) Normalize() {
	f.Email = cases.Lower(language.Und).String(strings.TrimSpace(f.Email))
	for _, a := range []*AddressForm{f.BillAddress, f.ShipAddress} {
		if a == nil {
			continue
		}
		a.Firstname = strings.TrimSpace(a.Firstname)
		a.Lastname = strings.TrimSpace(a.Lastname)
		a.Address1 = strings.TrimSpace(a.Address1)
		a.Address2 = strings.TrimSpace(a.Address2)
		a.City = strings.TrimSpace(a.City)
		a.Zipcode = strings.TrimSpace(a.Zipcode)
		a.Phone = strings.TrimSpace(a.Phone)
	}
}

func (a *AddressForm) apply(existing *Address) *Address {
	out := &Address{}
	if existing != nil {
		cp := *existing
		out = &cp
	}
	out.Firstname = a.Firstname
	out.Lastname = a.Lastname
	out.Address1 = a.Address1
	out.Address2 = a.Address2
	out.City = a.City
	out.Zipcode = a.Zipcode
	out.Phone = a.Phone
	out.State = nil
	if a.StateID != nil {
		out.State = &Lookup{ID: *a.StateID}
	}
	out.Country = &Lookup{ID: a.CountryID}
	return out
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateForm converts validator output into a ValidationError keyed by form
// field path, e.g. "bill_address.city".
func validateForm(v *validator.Validate, form UserForm) error {
	err := v.Struct(form)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := fe.Namespace()
		if i := strings.Index(key, "."); i >= 0 {
			key = key[i+1:]
		}
		if _, exists := fields[key]; !exists {
			fields[key] = fieldMessage(fe)
		}
	}
	return &ValidationError{Fields: fields}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "can't be blank"
	case "email":
		return "is invalid"
	case "max":
		return "is too long"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	}
	return "is invalid"
}
