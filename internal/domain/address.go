package domain

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var addressPolicy = bluemonday.StrictPolicy()

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Normalize strips markup and surrounding whitespace from every field.
func (a Address) Normalize() Address {
	clean := func(v string) string {
		return strings.TrimSpace(addressPolicy.Sanitize(v))
	}
	return Address{
		Name:       clean(a.Name),
		Line1:      clean(a.Line1),
		Line2:      clean(a.Line2),
		City:       clean(a.City),
		State:      clean(a.State),
		PostalCode: clean(a.PostalCode),
		Country:    strings.ToUpper(clean(a.Country)),
		Phone:      clean(a.Phone),
	}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Validate expects a normalized address.
func (a Address) Validate() error {
	missing := make([]string, 0, 5)
	if a.Name == "" {
		missing = append(missing, "name")
	}
	if a.Line1 == "" {
		missing = append(missing, "line1")
	}
	if a.City == "" {
		missing = append(missing, "city")
	}
	if a.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if a.Country == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return Validation("shipping address is missing %s", strings.Join(missing, ", ")).With("fields", missing)
	}
	return nil
}
