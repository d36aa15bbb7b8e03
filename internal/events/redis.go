package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChannelPrefix is followed by the game id, e.g. "ctf:events:42".
const ChannelPrefix = "ctf:events:"

// RedisSink publishes events as JSON on a per-game pub/sub channel so that
// front-ends and notice bots can follow a game live.
type RedisSink struct {
	client  redis.UniversalClient
	timeout time.Duration
	log     zerolog.Logger
}

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{
		client:  client,
		timeout: 2 * time.Second,
		log:     log.With().Str("component", "events").Str("sink", "redis").Logger(),
	}
}

// Channel returns the pub/sub channel for a game.
func Channel(gameID int64) string {
	return ChannelPrefix + strconv.FormatInt(gameID, 10)
}

func (s *RedisSink) Emit(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(e.Type)).Msg("failed to encode event")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.client.Publish(pubCtx, Channel(e.GameID), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("event", string(e.Type)).Int64("game_id", e.GameID).Msg("event publish failed")
	}
}
