package pattern

// Verification Pattern Generation
//
// A verification round is anchored on a short random binary pattern shared
// between the emitting and listening device. Each symbol is drawn
// independently and uniformly, so the pattern is unpredictable to anyone not
// observing the acoustic channel during the round. Unpredictability is the
// security property here; determinism is neither required nor desired, which
// is why generation reads from the OS entropy source rather than a seeded
// PRNG.

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Symbol is one slot of the FSK alphabet.
type Symbol int

const (
	// Low rides on the lower carrier frequency.
	Low Symbol = iota
	// High rides on the upper carrier frequency.
	High
	// Unknown marks an undecodable slot. It is never emitted; only the
	// detector produces it.
	Unknown
)

// Rune returns the single-character wire encoding used in persisted records.
func (s Symbol) Rune() rune {
	switch s {
	case High:
		return 'H'
	case Low:
		return 'L'
	default:
		return '?'
	}
}

func (s Symbol) String() string {
	return string(s.Rune())
}

// ParseSymbol decodes a wire character back into a Symbol.
func ParseSymbol(r rune) (Symbol, error) {
	switch r {
	case 'H':
		return High, nil
	case 'L':
		return Low, nil
	case '?':
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("invalid symbol character %q", r)
	}
}

// ParseSymbols decodes a full wire string, e.g. "HLHHL".
func ParseSymbols(encoded string) ([]Symbol, error) {
	symbols := make([]Symbol, 0, len(encoded))
	for _, r := range encoded {
		s, err := ParseSymbol(r)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

// Pattern is an immutable ordered sequence of emitted symbols.
type Pattern []Symbol

// DefaultLength is the per-deployment pattern length N.
const DefaultLength = 6

// Generate draws a fresh random pattern of n symbols, each High or Low with
// probability 0.5.
func Generate(n int) Pattern {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the OS entropy source is broken;
		// nothing sensible to recover to.
		panic(fmt.Sprintf("pattern: entropy source unavailable: %v", err))
	}

	p := make(Pattern, n)
	for i, b := range buf {
		if b&1 == 1 {
			p[i] = High
		} else {
			p[i] = Low
		}
	}
	return p
}

// String renders the wire encoding of the pattern.
func (p Pattern) String() string {
	var sb strings.Builder
	sb.Grow(len(p))
	for _, s := range p {
		sb.WriteRune(s.Rune())
	}
	return sb.String()
}

// Strings returns the per-symbol wire characters, the shape stored in shared
// state records.
func (p Pattern) Strings() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = s.String()
	}
	return out
}
