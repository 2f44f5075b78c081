package pattern

import (
	"testing"
)

func TestGenerateLengthAndAlphabet(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 6, 16, 64} {
		p := Generate(n)
		if len(p) != n {
			t.Fatalf("Generate(%d) returned %d symbols", n, len(p))
		}
		for i, s := range p {
			if s != High && s != Low {
				t.Fatalf("Generate(%d)[%d] = %v, want High or Low", n, i, s)
			}
		}
	}
}

func TestGenerateIsBalanced(t *testing.T) {
	t.Parallel()

	const trials = 200
	const length = 64

	highs := 0
	for i := 0; i < trials; i++ {
		for _, s := range Generate(length) {
			if s == High {
				highs++
			}
		}
	}

	ratio := float64(highs) / float64(trials*length)
	if ratio < 0.45 || ratio > 0.55 {
		t.Errorf("High ratio %.3f over %d symbols, want ~0.5", ratio, trials*length)
	}
}

func TestSymbolCodecRoundTrip(t *testing.T) {
	t.Parallel()

	p := Pattern{High, Low, High, High, Low, Unknown}
	encoded := p.String()
	if encoded != "HLHHL?" {
		t.Fatalf("encoded = %q, want HLHHL?", encoded)
	}

	decoded, err := ParseSymbols(encoded)
	if err != nil {
		t.Fatalf("ParseSymbols(%q) error: %v", encoded, err)
	}
	if len(decoded) != len(p) {
		t.Fatalf("decoded %d symbols, want %d", len(decoded), len(p))
	}
	for i := range p {
		if decoded[i] != p[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, decoded[i], p[i])
		}
	}
}

func TestParseSymbolsRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParseSymbols("HLX"); err == nil {
		t.Fatal("expected error for invalid symbol character")
	}
}

func TestStringsMatchesSchemaShape(t *testing.T) {
	t.Parallel()

	p := Pattern{High, Low}
	encoded := p.Strings()
	if len(encoded) != 2 || encoded[0] != "H" || encoded[1] != "L" {
		t.Fatalf("Strings() = %v, want [H L]", encoded)
	}
}
