package verify

import (
	"context"
	"crypto/subtle"
	"errors"

	"ctf-arena/internal/flag"
	"ctf-arena/internal/storage"
)

// classify decides the verdict for sub. The cheat check only runs after a plain
// wrong answer so a correct answer never pays for it.
func (p *Pipeline) classify(ctx context.Context, sub *storage.Submission, chal *storage.Challenge,
	game *storage.Game, owner *storage.Owner) (storage.Resolution, error) {
	expected, err := p.expectedFlags(ctx, chal, game, owner)
	if err != nil {
		return storage.Resolution{}, err
	}
	if len(expected) == 0 {
		return storage.Resolution{Status: storage.StatusNotFound}, nil
	}

	matched := false
	for _, want := range expected {
		if flagsEqual(sub.Answer, want) {
			matched = true
		}
	}
	if matched {
		return storage.Resolution{Status: storage.StatusAccepted}, nil
	}

	// Static flags are shared, so a match elsewhere proves nothing.
	if !chal.Type.IsDynamic() {
		return storage.Resolution{Status: storage.StatusWrongAnswer}, nil
	}

	cheat, err := p.findCheat(ctx, sub, chal, game)
	if err != nil {
		return storage.Resolution{}, err
	}
	if cheat != nil {
		return storage.Resolution{Status: storage.StatusCheatDetected, Cheat: cheat}, nil
	}
	return storage.Resolution{Status: storage.StatusWrongAnswer}, nil
}

// expectedFlags lists the answers accepted from owner. Empty means there is
// nothing to compare against, e.g. no running instance.
func (p *Pipeline) expectedFlags(ctx context.Context, chal *storage.Challenge, game *storage.Game,
	owner *storage.Owner) ([]string, error) {
	switch chal.Type {
	case storage.ChallengeStaticContainer, storage.ChallengeDynamicContainer:
		inst, err := p.store.FindInstance(ctx, owner.ID, chal.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if inst.Status != storage.InstanceRunning {
			return nil, nil
		}
		if inst.Flag != "" {
			return []string{inst.Flag}, nil
		}
		if chal.Type == storage.ChallengeStaticContainer {
			return chal.StaticFlags, nil
		}
		return p.regenerate(chal, game, owner), nil

	case storage.ChallengeStaticAttachment:
		return chal.StaticFlags, nil

	case storage.ChallengeDynamicAttachment:
		return p.regenerate(chal, game, owner), nil
	}
	return nil, nil
}

// regenerate rebuilds a per-owner secret. Random templates cannot be rebuilt.
func (p *Pipeline) regenerate(chal *storage.Challenge, game *storage.Game, owner *storage.Owner) []string {
	if !flag.IsReproducible(chal.FlagTemplate) {
		p.log.Warn().Int64("challenge_id", chal.ID).Msg("flag template is not reproducible and no secret was stored")
		return nil
	}
	return []string{p.flags.Generate(flag.Input{
		Template:      chal.FlagTemplate,
		OwnerToken:    owner.Token,
		ChallengeID:   chal.ID,
		SigningSecret: game.SigningSecret,
	})}
}

// findCheat looks for another owner whose secret for the challenge equals the
// submitted answer.
func (p *Pipeline) findCheat(ctx context.Context, sub *storage.Submission, chal *storage.Challenge,
	game *storage.Game) (*storage.CheatRecord, error) {
	record := func(sourceOwner int64, sourceInstance string) *storage.CheatRecord {
		return &storage.CheatRecord{
			SubmissionID:     sub.ID,
			GameID:           sub.GameID,
			ChallengeID:      sub.ChallengeID,
			SubmitOwnerID:    sub.OwnerID,
			SourceOwnerID:    sourceOwner,
			SourceInstanceID: sourceInstance,
		}
	}

	if chal.Type.IsContainer() {
		inst, err := p.store.FindInstanceByFlag(ctx, chal.ID, sub.Answer, sub.OwnerID)
		switch {
		case err == nil:
			return record(inst.OwnerID, inst.ID), nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
		// The source instance may already be swept; reproducible secrets outlive it.
	}

	if !flag.IsReproducible(chal.FlagTemplate) {
		return nil, nil
	}
	owners, err := p.store.ListOwners(ctx, game.ID)
	if err != nil {
		return nil, err
	}
	for i := range owners {
		other := &owners[i]
		if other.ID == sub.OwnerID {
			continue
		}
		theirs := p.flags.Generate(flag.Input{
			Template:      chal.FlagTemplate,
			OwnerToken:    other.Token,
			ChallengeID:   chal.ID,
			SigningSecret: game.SigningSecret,
		})
		if flagsEqual(sub.Answer, theirs) {
			return record(other.ID, ""), nil
		}
	}
	return nil, nil
}

func flagsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
