package flag

import (
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

type leetMode int

const (
	leetNone leetMode = iota
	leetSimple
	leetComplex
)

// leetTable is keyed by lowercase letter; input case is ignored.
var leetTable = map[rune][]string{
	'a': {"a", "A", "4", "@"},
	'b': {"b", "B", "8"},
	'e': {"e", "E", "3"},
	'g': {"g", "G", "9"},
	'i': {"i", "I", "1"},
	'l': {"l", "L", "1"},
	'o': {"o", "O", "0"},
	's': {"s", "S", "5"},
	't': {"t", "T", "7"},
	'z': {"z", "Z", "2"},
}

// complexLeetTable is keyed by exact rune and keeps the input case when it does not substitute.
var complexLeetTable = map[rune][]string{
	'A': {"A", "4", "@"}, 'a': {"a", "4", "@"},
	'B': {"B", "8", "|3"}, 'b': {"b", "6", "|o"},
	'C': {"C", "(", "<"}, 'c': {"c", "(", "<"},
	'D': {"D", "|)"}, 'd': {"d", "|)"},
	'E': {"E", "3", "&"}, 'e': {"e", "3"},
	'G': {"G", "6", "(_+"}, 'g': {"g", "9", "6"},
	'H': {"H", "#", "|-|"}, 'h': {"h", "#"},
	'I': {"I", "1", "!"}, 'i': {"i", "1", "!"},
	'K': {"K", "|<"}, 'k': {"k", "|<"},
	'L': {"L", "|_", "1"}, 'l': {"l", "1", "|"},
	'O': {"O", "0", "()"}, 'o': {"o", "0"},
	'S': {"S", "5", "$"}, 's': {"s", "5", "$"},
	'T': {"T", "7", "+"}, 't': {"t", "7", "+"},
	'X': {"X", "><"}, 'x': {"x", "><"},
	'Z': {"Z", "2"}, 'z': {"z", "2"},
}

func seedFrom(b []byte) [32]byte {
	var seed [32]byte
	copy(seed[:], b)
	return seed
}

// applyLeet rewrites the literal text of tmpl inside the outermost braces, or all of
// it when there are none. Placeholders are copied through untouched.
func applyLeet(tmpl string, mode leetMode, seed [32]byte) string {
	rng := rand.New(rand.NewChaCha8(seed))

	start, end := 0, len(tmpl)
	if open, closing := strings.Index(tmpl, "{"), strings.LastIndex(tmpl, "}"); open >= 0 && closing > open {
		start, end = open+1, closing
	}

	var sb strings.Builder
	sb.Grow(len(tmpl) * 2)
	sb.WriteString(tmpl[:start])

	for i := start; i < end; {
		if p := placeholderAt(tmpl[i:end]); p != "" {
			sb.WriteString(p)
			i += len(p)
			continue
		}
		r, size := utf8.DecodeRuneInString(tmpl[i:])
		sb.WriteString(leetRune(r, mode, rng))
		i += size
	}

	sb.WriteString(tmpl[end:])
	return sb.String()
}

func placeholderAt(s string) string {
	for _, p := range []string{GUIDPlaceholder, TeamHashPlaceholder} {
		if strings.HasPrefix(s, p) {
			return p
		}
	}
	return ""
}

func leetRune(r rune, mode leetMode, rng *rand.Rand) string {
	var choices []string
	switch mode {
	case leetSimple:
		lower := r
		if r >= 'A' && r <= 'Z' {
			lower = r + ('a' - 'A')
		}
		choices = leetTable[lower]
		if choices == nil && lower >= 'a' && lower <= 'z' {
			choices = []string{string(lower), string(lower - ('a' - 'A'))}
		}
	case leetComplex:
		choices = complexLeetTable[r]
	}
	if len(choices) == 0 {
		return string(r)
	}
	return choices[rng.IntN(len(choices))]
}
