package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML document that bootstraps games, challenges and owners.
type Seed struct {
	Games []SeedGame `yaml:"games"`
}

type SeedGame struct {
	ID            int64           `yaml:"id"`
	Title         string          `yaml:"title"`
	SigningSecret string          `yaml:"signing_secret"`
	StartAt       time.Time       `yaml:"start_at"`
	EndAt         time.Time       `yaml:"end_at"`
	BloodBonus    *BloodBonus     `yaml:"blood_bonus"`
	Challenges    []SeedChallenge `yaml:"challenges"`
	Owners        []SeedOwner     `yaml:"owners"`
}

type SeedChallenge struct {
	ID            int64         `yaml:"id"`
	Title         string        `yaml:"title"`
	Type          ChallengeType `yaml:"type"`
	FlagTemplate  string        `yaml:"flag_template"`
	StaticFlags   []string      `yaml:"static_flags"`
	Image         string        `yaml:"image"`
	ExposedPort   int           `yaml:"exposed_port"`
	CPUMilli      int64         `yaml:"cpu_milli"`
	MemoryMB      int64         `yaml:"memory_mb"`
	StorageMB     int64         `yaml:"storage_mb"`
	Privileged    bool          `yaml:"privileged"`
	OriginalScore int           `yaml:"original_score"`
	MinScoreRate  float64       `yaml:"min_score_rate"`
	Difficulty    float64       `yaml:"difficulty"`
}

type SeedOwner struct {
	ID    int64  `yaml:"id"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	tokens := make(map[string]bool)
	for _, g := range s.Games {
		if g.ID <= 0 {
			return nil, fmt.Errorf("seed: game id must be positive")
		}
		if g.SigningSecret == "" {
			return nil, fmt.Errorf("seed: game %d has no signing_secret", g.ID)
		}
		if !g.EndAt.After(g.StartAt) {
			return nil, fmt.Errorf("seed: game %d ends before it starts", g.ID)
		}
		for _, c := range g.Challenges {
			switch c.Type {
			case ChallengeStaticAttachment, ChallengeStaticContainer:
				if len(c.StaticFlags) == 0 && c.Type == ChallengeStaticAttachment {
					return nil, fmt.Errorf("seed: challenge %d needs static_flags", c.ID)
				}
			case ChallengeDynamicAttachment, ChallengeDynamicContainer:
				if c.FlagTemplate == "" {
					return nil, fmt.Errorf("seed: challenge %d needs a flag_template", c.ID)
				}
			default:
				return nil, fmt.Errorf("seed: challenge %d has unknown type %q", c.ID, c.Type)
			}
			if c.Type.IsContainer() && (c.Image == "" || c.ExposedPort <= 0) {
				return nil, fmt.Errorf("seed: challenge %d needs image and exposed_port", c.ID)
			}
		}
		for _, o := range g.Owners {
			if o.Token == "" {
				return nil, fmt.Errorf("seed: owner %d has no token", o.ID)
			}
			if tokens[o.Token] {
				return nil, fmt.Errorf("seed: owner %d reuses a token", o.ID)
			}
			tokens[o.Token] = true
		}
	}
	return &s, nil
}

// LoadSeedFile reads path and writes its contents through the store's Put methods.
func LoadSeedFile(ctx context.Context, store Store, path string) error {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- operator supplied seed path
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	s, err := ParseSeed(data)
	if err != nil {
		return err
	}
	return s.Apply(ctx, store)
}

// Apply upserts every record in the seed.
func (s *Seed) Apply(ctx context.Context, store Store) error {
	for _, sg := range s.Games {
		bonus := DefaultBloodBonus()
		if sg.BloodBonus != nil {
			bonus = *sg.BloodBonus
		}
		g := &Game{
			ID:            sg.ID,
			Title:         sg.Title,
			SigningSecret: sg.SigningSecret,
			StartAt:       sg.StartAt,
			EndAt:         sg.EndAt,
			BloodBonus:    bonus,
		}
		if err := store.PutGame(ctx, g); err != nil {
			return fmt.Errorf("seeding game %d: %w", sg.ID, err)
		}
		for _, sc := range sg.Challenges {
			c := &Challenge{
				ID:            sc.ID,
				GameID:        sg.ID,
				Title:         sc.Title,
				Type:          sc.Type,
				FlagTemplate:  sc.FlagTemplate,
				StaticFlags:   sc.StaticFlags,
				Image:         sc.Image,
				ExposedPort:   sc.ExposedPort,
				CPUMilli:      sc.CPUMilli,
				MemoryMB:      sc.MemoryMB,
				StorageMB:     sc.StorageMB,
				Privileged:    sc.Privileged,
				OriginalScore: sc.OriginalScore,
				MinScoreRate:  sc.MinScoreRate,
				Difficulty:    sc.Difficulty,
			}
			if err := store.PutChallenge(ctx, c); err != nil {
				return fmt.Errorf("seeding challenge %d: %w", sc.ID, err)
			}
		}
		for _, so := range sg.Owners {
			o := &Owner{ID: so.ID, GameID: sg.ID, Name: so.Name, Token: so.Token}
			if err := store.PutOwner(ctx, o); err != nil {
				return fmt.Errorf("seeding owner %d: %w", so.ID, err)
			}
		}
	}
	return nil
}
