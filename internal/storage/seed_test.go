package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
games:
  - id: 1
    title: Arena Quals
    signing_secret: s3cret
    start_at: 2026-01-01T00:00:00Z
    end_at: 2026-01-03T00:00:00Z
    challenges:
      - id: 100
        title: pwn me
        type: DynamicContainer
        flag_template: "flag{[GUID]}"
        image: registry.local/pwn:1
        exposed_port: 1337
        original_score: 500
        min_score_rate: 0.25
        difficulty: 5
      - id: 101
        title: warmup
        type: StaticAttachment
        static_flags: ["flag{hello}"]
        original_score: 100
    owners:
      - id: 10
        name: alpha
        token: tok-a
      - id: 11
        name: bravo
        token: tok-b
`

func TestSeedApply(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	m := NewMemory()
	require.NoError(t, LoadSeedFile(ctx, m, path))

	g, err := m.GetGame(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Arena Quals", g.Title)
	assert.Equal(t, "s3cret", g.SigningSecret)
	assert.Equal(t, DefaultBloodBonus(), g.BloodBonus)
	assert.True(t, g.EndAt.After(g.StartAt))

	chal, err := m.GetChallenge(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), chal.GameID)
	assert.Equal(t, ChallengeDynamicContainer, chal.Type)
	assert.Equal(t, 1337, chal.ExposedPort)
	assert.InDelta(t, 0.25, chal.MinScoreRate, 1e-9)

	chals, err := m.ListChallenges(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, chals, 2)

	owner, err := m.GetOwnerByToken(ctx, "tok-b")
	require.NoError(t, err)
	assert.Equal(t, int64(11), owner.ID)
	assert.Equal(t, int64(1), owner.GameID)
}

func TestSeedApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	m := NewMemory()
	require.NoError(t, s.Apply(ctx, m))
	require.NoError(t, s.Apply(ctx, m))

	owners, err := m.ListOwners(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, owners, 2)
}

func TestParseSeedRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no secret", `
games:
  - id: 1
    start_at: 2026-01-01T00:00:00Z
    end_at: 2026-01-02T00:00:00Z`},
		{"inverted window", `
games:
  - id: 1
    signing_secret: x
    start_at: 2026-01-02T00:00:00Z
    end_at: 2026-01-01T00:00:00Z`},
		{"unknown type", `
games:
  - id: 1
    signing_secret: x
    start_at: 2026-01-01T00:00:00Z
    end_at: 2026-01-02T00:00:00Z
    challenges:
      - id: 5
        type: Quiz`},
		{"container without image", `
games:
  - id: 1
    signing_secret: x
    start_at: 2026-01-01T00:00:00Z
    end_at: 2026-01-02T00:00:00Z
    challenges:
      - id: 5
        type: DynamicContainer
        flag_template: "flag{[GUID]}"`},
		{"duplicate token", `
games:
  - id: 1
    signing_secret: x
    start_at: 2026-01-01T00:00:00Z
    end_at: 2026-01-02T00:00:00Z
    owners:
      - {id: 1, token: same}
      - {id: 2, token: same}`},
		{"bad yaml", "games: [:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
