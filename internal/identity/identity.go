// Package identity provides the domain-shaped name that addresses a tenant.
// Every sender and recipient in peer transit is an Identity, so normalization
// happens exactly once, at construction, and every comparison after that is a
// plain string compare.
//
// This is a leaf package; its only dependency is golang.org/x/text for
// Unicode normalization.
package identity

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Length limits from RFC 1035.
const (
	maxNameLength  = 253
	maxLabelLength = 63
	minLabels      = 2
)

// ErrInvalid is returned (wrapped) for any name that is not a valid identity.
var ErrInvalid = errors.New("identity: invalid identity")

// Identity is a normalized tenant name such as "frodo.dotyou.cloud".
// The zero value represents "no identity" (an anonymous caller).
type Identity struct {
	name string
}

// New normalizes and validates a raw identity name: surrounding whitespace is
// trimmed, the name is NFC-normalized and lowercased, and a single trailing
// dot is removed.
func New(raw string) (Identity, error) {
	name := strings.ToLower(norm.NFC.String(strings.TrimSpace(raw)))
	name = strings.TrimSuffix(name, ".")

	if err := validate(name); err != nil {
		return Identity{}, err
	}

	return Identity{name: name}, nil
}

// MustNew is New for constants and tests. It panics on invalid input.
func MustNew(raw string) Identity {
	id, err := New(raw)
	if err != nil {
		panic(err)
	}

	return id
}

func validate(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalid, name, maxNameLength)
	}

	labels := strings.Split(name, ".")
	if len(labels) < minLabels {
		return fmt.Errorf("%w: %q needs at least %d labels", ErrInvalid, name, minLabels)
	}

	for _, label := range labels {
		if err := validateLabel(label); err != nil {
			return fmt.Errorf("%w: %q: %s", ErrInvalid, name, err.Error())
		}
	}

	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return errors.New("empty label")
	}

	if len(label) > maxLabelLength {
		return fmt.Errorf("label %q exceeds %d characters", label, maxLabelLength)
	}

	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("label %q starts or ends with a hyphen", label)
	}

	for _, r := range label {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '-' {
			return fmt.Errorf("label %q contains %q", label, r)
		}
	}

	return nil
}

// String returns the normalized name.
func (id Identity) String() string {
	return id.name
}

// IsZero reports whether id is the zero (anonymous) identity.
func (id Identity) IsZero() bool {
	return id.name == ""
}

// Equal reports whether two identities name the same tenant.
func (id Identity) Equal(other Identity) bool {
	return id.name == other.name
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields the
// zero identity; anything else must validate.
func (id *Identity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = Identity{}
		return nil
	}

	parsed, err := New(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Scan implements sql.Scanner. SQL NULL produces the zero identity.
func (id *Identity) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = Identity{}
		return nil
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	default:
		return fmt.Errorf("identity.Identity.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer. The zero identity writes SQL NULL.
func (id Identity) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}

	return id.name, nil
}

var (
	_ encoding.TextMarshaler   = Identity{}
	_ encoding.TextUnmarshaler = (*Identity)(nil)
	_ fmt.Stringer             = Identity{}
	_ driver.Valuer            = Identity{}
	_ sql.Scanner              = (*Identity)(nil)
)
