// internal/onset/kind.go
package onset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDetector indicates a detector name that does not map to a Kind
var ErrUnknownDetector = errors.New("unknown onset detector")

// Kind identifies one detector algorithm. The set is closed; every kind is
// scored by the same combiner from the same feature sample.
type Kind uint8

const (
	// Amplitude fires on a rise of frame level over a short baseline
	Amplitude Kind = iota
	// BassFlux measures spectral flux in the low band (kick drums)
	BassFlux
	// MidFlux measures spectral flux in the mid band (snares, vocals)
	MidFlux
	// HFC measures a rise in high-frequency content (hats, attacks)
	HFC
	// Broadband measures spectral flux over all bands
	Broadband
	NumKinds
)

var kindNames = [NumKinds]string{
	Amplitude: "amplitude",
	BassFlux:  "bass",
	MidFlux:   "mid",
	HFC:       "hfc",
	Broadband: "broadband",
}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind returns the Kind with the given config name.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, kn := range kindNames {
		if kn == n {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDetector, name)
}

// Kinds returns every detector kind in order.
func Kinds() [NumKinds]Kind {
	var ks [NumKinds]Kind
	for i := range ks {
		ks[i] = Kind(i)
	}
	return ks
}

// Set is a bitmask of detector kinds.
type Set uint8

// Add returns s with k included.
func (s Set) Add(k Kind) Set {
	return s | 1<<k
}

// Has reports whether k is in s.
func (s Set) Has(k Kind) bool {
	return s&(1<<k) != 0
}

// Count returns the number of kinds in s.
func (s Set) Count() int {
	n := 0
	for k := Kind(0); k < NumKinds; k++ {
		if s.Has(k) {
			n++
		}
	}
	return n
}

func (s Set) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for k := Kind(0); k < NumKinds; k++ {
		if s.Has(k) {
			parts = append(parts, k.String())
		}
	}
	return strings.Join(parts, "+")
}
