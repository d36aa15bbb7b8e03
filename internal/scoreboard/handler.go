package scoreboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"ctf-arena/internal/storage"
)

// Artifact is the cache artifact name the handler is registered under.
const Artifact = "scoreboard"

var ErrBadParams = errors.New("scoreboard expects a single game id parameter")

type Board struct {
	GameID      int64       `json:"game_id"`
	Title       string      `json:"title"`
	GeneratedAt time.Time   `json:"generated_at"`
	Entries     []Entry     `json:"entries"`
	Challenges  []Challenge `json:"challenges"`
}

type Entry struct {
	Rank        int        `json:"rank"`
	OwnerID     int64      `json:"owner_id"`
	Name        string     `json:"name"`
	Score       int        `json:"score"`
	Solved      int        `json:"solved"`
	LastSolveAt *time.Time `json:"last_solve_at,omitempty"`
}

type Challenge struct {
	ID     int64                 `json:"id"`
	Title  string                `json:"title"`
	Type   storage.ChallengeType `json:"type"`
	Score  int                   `json:"score"`
	Solved int                   `json:"solved"`
	Bloods []Blood               `json:"bloods,omitempty"`
}

type Blood struct {
	Rank    int       `json:"rank"`
	OwnerID int64     `json:"owner_id"`
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
}

// Handler rebuilds the scoreboard of one game from persisted solves.
type Handler struct {
	store storage.Store
	now   func() time.Time
}

func NewHandler(store storage.Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// Build implements cache.Handler. params is the game id.
func (h *Handler) Build(ctx context.Context, params []string) ([]byte, error) {
	if len(params) != 1 {
		return nil, ErrBadParams
	}
	gameID, err := strconv.ParseInt(params[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	board, err := h.Compute(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(board)
}

// solve is an owner's first accepted submission for a challenge.
type solve struct {
	ownerID int64
	rank    int
	at      time.Time
}

// Compute builds the board. Only solves made before the game ended count.
func (h *Handler) Compute(ctx context.Context, gameID int64) (*Board, error) {
	game, err := h.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	challenges, err := h.store.ListChallenges(ctx, gameID)
	if err != nil {
		return nil, err
	}
	owners, err := h.store.ListOwners(ctx, gameID)
	if err != nil {
		return nil, err
	}
	accepted, err := h.store.ListAcceptedSubmissions(ctx, gameID)
	if err != nil {
		return nil, err
	}

	sort.Slice(accepted, func(i, j int) bool {
		if !accepted[i].SubmitAt.Equal(accepted[j].SubmitAt) {
			return accepted[i].SubmitAt.Before(accepted[j].SubmitAt)
		}
		return accepted[i].ID < accepted[j].ID
	})

	solves := make(map[int64][]solve)
	seen := make(map[[2]int64]struct{})
	for _, sub := range accepted {
		if !sub.SubmitAt.Before(game.EndAt) {
			continue
		}
		key := [2]int64{sub.OwnerID, sub.ChallengeID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		solves[sub.ChallengeID] = append(solves[sub.ChallengeID], solve{ownerID: sub.OwnerID, rank: sub.Rank, at: sub.SubmitAt})
	}

	names := make(map[int64]string, len(owners))
	entries := make(map[int64]*Entry, len(owners))
	for _, o := range owners {
		names[o.ID] = o.Name
		entries[o.ID] = &Entry{OwnerID: o.ID, Name: o.Name}
	}

	board := &Board{
		GameID:      game.ID,
		Title:       game.Title,
		GeneratedAt: h.now(),
		Challenges:  make([]Challenge, 0, len(challenges)),
	}

	for i := range challenges {
		chal := &challenges[i]
		chalSolves := solves[chal.ID]
		score := ChallengeScore(chal, len(chalSolves))
		cs := Challenge{ID: chal.ID, Title: chal.Title, Type: chal.Type, Score: score, Solved: len(chalSolves)}

		for _, s := range chalSolves {
			e, ok := entries[s.ownerID]
			if !ok {
				continue
			}
			e.Score += BloodScore(score, game.BloodBonus, s.rank)
			e.Solved++
			if e.LastSolveAt == nil || s.at.After(*e.LastSolveAt) {
				at := s.at
				e.LastSolveAt = &at
			}
			if s.rank >= 1 && s.rank <= 3 {
				cs.Bloods = append(cs.Bloods, Blood{Rank: s.rank, OwnerID: s.ownerID, Name: names[s.ownerID], At: s.at})
			}
		}
		sort.Slice(cs.Bloods, func(a, b int) bool { return cs.Bloods[a].Rank < cs.Bloods[b].Rank })
		board.Challenges = append(board.Challenges, cs)
	}

	board.Entries = make([]Entry, 0, len(entries))
	for _, e := range entries {
		board.Entries = append(board.Entries, *e)
	}
	sort.Slice(board.Entries, func(i, j int) bool {
		a, b := board.Entries[i], board.Entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		switch {
		case a.LastSolveAt != nil && b.LastSolveAt != nil && !a.LastSolveAt.Equal(*b.LastSolveAt):
			return a.LastSolveAt.Before(*b.LastSolveAt)
		case a.LastSolveAt != nil && b.LastSolveAt == nil:
			return true
		case a.LastSolveAt == nil && b.LastSolveAt != nil:
			return false
		}
		return a.OwnerID < b.OwnerID
	})
	for i := range board.Entries {
		board.Entries[i].Rank = i + 1
	}
	return board, nil
}
