// Package flag derives per-owner challenge secrets from a flag template.
//
// A template is plain text with optional placeholders:
//
//	[GUID]       replaced by a fresh random UUID
//	[TEAM_HASH]  replaced by a slice of the owner's hash for the challenge
//
// and an optional leading marker selecting a leetspeak transform for the
// literal text inside the braces:
//
//	[LEET]   case-insensitive table
//	[CLEET]  case-sensitive complex table
package flag

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	GUIDPlaceholder     = "[GUID]"
	TeamHashPlaceholder = "[TEAM_HASH]"
	LeetMarker          = "[LEET]"
	ComplexLeetMarker   = "[CLEET]"

	DefaultPrefix = "flag"

	// teamHashStart and teamHashEnd select the hex slice of the owner hash that is substituted.
	teamHashStart = 12
	teamHashEnd   = 24
)

// Input carries everything a secret depends on.
type Input struct {
	Template      string
	OwnerToken    string
	ChallengeID   int64
	SigningSecret string
}

// Generator renders templates. The zero value uses DefaultPrefix.
type Generator struct {
	Prefix string
}

var defaultGenerator = &Generator{Prefix: DefaultPrefix}

// Generate renders in with the default generator.
func Generate(in Input) string {
	return defaultGenerator.Generate(in)
}

func New(prefix string) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Generator{Prefix: prefix}
}

// Generate renders a secret for one owner. Without a template the result is a random
// placeholder wrapped in the generator prefix.
func (g *Generator) Generate(in Input) string {
	tmpl := strings.TrimSpace(in.Template)
	if tmpl == "" {
		prefix := g.Prefix
		if prefix == "" {
			prefix = DefaultPrefix
		}
		return prefix + "{" + strings.ReplaceAll(uuid.NewString(), "-", "") + "}"
	}

	mode := leetNone
	switch {
	case strings.HasPrefix(tmpl, ComplexLeetMarker):
		mode = leetComplex
		tmpl = tmpl[len(ComplexLeetMarker):]
	case strings.HasPrefix(tmpl, LeetMarker):
		mode = leetSimple
		tmpl = tmpl[len(LeetMarker):]
	}

	if strings.Contains(tmpl, GUIDPlaceholder) {
		id := uuid.New()
		if mode != leetNone {
			tmpl = applyLeet(tmpl, mode, seedFrom(id[:]))
		}
		return strings.ReplaceAll(tmpl, GUIDPlaceholder, id.String())
	}

	hash := OwnerHash(ChallengeSalt(in.SigningSecret, in.ChallengeID), in.OwnerToken)
	if mode != leetNone {
		raw, _ := hex.DecodeString(hash)
		tmpl = applyLeet(tmpl, mode, seedFrom(raw))
	}
	return strings.ReplaceAll(tmpl, TeamHashPlaceholder, hash[teamHashStart:teamHashEnd])
}

// ChallengeSalt binds the game's signing secret to one challenge, so a leaked salt
// cannot derive owner hashes for any other challenge.
func ChallengeSalt(signingSecret string, challengeID int64) string {
	sum := sha256.Sum256([]byte(signingSecret + "::" + strconv.FormatInt(challengeID, 10)))
	return hex.EncodeToString(sum[:])
}

// OwnerHash is the per-owner hash for a challenge salt, as lowercase hex.
func OwnerHash(salt, ownerToken string) string {
	sum := sha256.Sum256([]byte(salt + "::" + ownerToken))
	return hex.EncodeToString(sum[:])
}

// IsReproducible reports whether the template renders the same secret for the same
// inputs on every call. Reproducible secrets can be verified by regenerating them.
func IsReproducible(template string) bool {
	t := strings.TrimSpace(template)
	return t != "" && !strings.Contains(t, GUIDPlaceholder)
}
