package dsuid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Size is the length of a dSUID in bytes: a 16-byte UUID followed by a
// one-byte sub-device index.
const Size = 17

// DSUID is the identifier used to address hosts, vDCs and devices.
//
// The text form is 34 upper-case hexadecimal characters. DSUID implements
// encoding.TextMarshaler so it renders the same way in JSON and YAML.
type DSUID [Size]byte

// Zero is the empty dSUID. It never identifies a real object.
var Zero DSUID

// FromUUID builds a dSUID from a UUID and a sub-device index.
func FromUUID(u uuid.UUID, index byte) DSUID {
	var d DSUID
	copy(d[:16], u[:])
	d[16] = index
	return d
}

// FromName derives a name-based (version 5, SHA-1) dSUID inside namespace ns.
// The same namespace, name and index always produce the same dSUID.
func FromName(ns uuid.UUID, name string, index byte) DSUID {
	return FromUUID(uuid.NewSHA1(ns, []byte(name)), index)
}

// Random returns a dSUID built from a random (version 4) UUID.
func Random() (DSUID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Zero, fmt.Errorf("%w: %w", ErrNoEntropy, err)
	}
	return FromUUID(u, 0), nil
}

// VendorNamespace returns the UUID namespace for a vendor identifier.
func VendorNamespace(vendorID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(vendorID))
}

// Parse decodes the 34-character hex form. Dashes are tolerated so a UUID
// formatted value with a trailing index byte ("xxxxxxxx-...-xxxx" + "00")
// also parses.
func Parse(s string) (DSUID, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(clean) != Size*2 {
		return Zero, fmt.Errorf("%w: %q has %d hex digits, want %d", ErrInvalid, s, len(clean), Size*2)
	}

	var d DSUID
	if _, err := hex.Decode(d[:], []byte(clean)); err != nil {
		return Zero, fmt.Errorf("%w: %q: %w", ErrInvalid, s, err)
	}
	return d, nil
}

// MustParse is Parse for constants in tests and examples. It panics on error.
func MustParse(s string) DSUID {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the upper-case hex form.
func (d DSUID) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

// IsZero reports whether d is the empty dSUID.
func (d DSUID) IsZero() bool {
	return d == Zero
}

// UUID returns the UUID part (bytes 0-15).
func (d DSUID) UUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], d[:16])
	return u
}

// Index returns the sub-device index (byte 16).
func (d DSUID) Index() byte {
	return d[16]
}

// WithIndex returns a copy of d with the sub-device index replaced.
func (d DSUID) WithIndex(index byte) DSUID {
	d[16] = index
	return d
}

// Namespace returns the UUID namespace used to derive children of d.
func (d DSUID) Namespace() uuid.UUID {
	return d.UUID()
}

// MarshalText implements encoding.TextMarshaler.
func (d DSUID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DSUID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
