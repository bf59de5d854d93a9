package federation

import (
	"fmt"
	"strings"
)

// Address identifies a site in handle@domain form
// Examples:
//   - news@alpha.example (a publication hosted at alpha.example)
//   - blog@bravo.collective.local (a personal site)
type Address struct {
	Handle string // news, blog
	Domain string // alpha.example
}

// ParseAddress parses a site address string into its components and
// canonicalizes it. Addresses are case-insensitive.
func ParseAddress(addr string) (Address, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("invalid address format: must contain exactly one @ symbol")
	}

	handle := strings.ToLower(parts[0])
	domain := strings.ToLower(parts[1])

	if handle == "" {
		return Address{}, fmt.Errorf("handle cannot be empty")
	}
	if domain == "" {
		return Address{}, fmt.Errorf("domain cannot be empty")
	}
	if !strings.Contains(domain, ".") {
		return Address{}, fmt.Errorf("domain must contain at least one dot (e.g., alpha.example)")
	}

	return Address{Handle: handle, Domain: domain}, nil
}

// MustParseAddress is ParseAddress for addresses known to be valid, such as
// literals in tests.
func MustParseAddress(addr string) Address {
	a, err := ParseAddress(addr)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the canonical string representation of the site address
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s@%s", a.Handle, a.Domain)
}

// IsZero returns true if the address is unset
func (a Address) IsZero() bool {
	return a.Handle == "" && a.Domain == ""
}

// Validate checks if the site address is valid
func (a Address) Validate() error {
	if a.Handle == "" {
		return fmt.Errorf("handle cannot be empty")
	}
	if a.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if !strings.Contains(a.Domain, ".") {
		return fmt.Errorf("domain must contain at least one dot")
	}
	return nil
}

// Equal returns true if two site addresses are equivalent
func (a Address) Equal(other Address) bool {
	return a.Handle == other.Handle && a.Domain == other.Domain
}

// CanonicalAddress parses addr and returns its canonical string form.
func CanonicalAddress(addr string) (string, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}
