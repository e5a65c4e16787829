package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"livedesk/internal/config"
	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

// Redis archives a session as a hash and its log as a sorted set scored by seq.
// Both keys expire after the configured TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger.Named("archive.redis"),
	}, nil
}

func (r *Redis) sessionKey(id string) string  { return r.prefix + "session:" + id }
func (r *Redis) messagesKey(id string) string { return r.prefix + "messages:" + id }

func (r *Redis) SaveSession(ctx context.Context, s *types.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	key := r.sessionKey(s.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "state", string(s.State), "client_id", s.ClientID)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// AppendMessage replaces whatever is stored at the message's seq, so a
// re-append with a new delivery flag overwrites the old entry.
func (r *Redis) AppendMessage(ctx context.Context, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := r.messagesKey(msg.SessionID)
	seq := strconv.FormatInt(msg.Seq, 10)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, seq, seq)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.Seq), Member: data})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (r *Redis) Transcript(ctx context.Context, sessionID string) (*types.Transcript, error) {
	raw, err := r.client.HGet(ctx, r.sessionKey(sessionID), "data").Result()
	if err == redis.Nil {
		return nil, interfaces.ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s types.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	members, err := r.client.ZRange(ctx, r.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	msgs := make([]*types.Message, 0, len(members))
	for _, m := range members {
		var msg types.Message
		if err := json.Unmarshal([]byte(m), &msg); err != nil {
			r.logger.Warn("skipping corrupt message", zap.String("session", sessionID), zap.Error(err))
			continue
		}
		msgs = append(msgs, &msg)
	}
	return &types.Transcript{Session: &s, Messages: msgs}, nil
}

func (r *Redis) DeleteTranscript(ctx context.Context, sessionID string) error {
	n, err := r.client.Del(ctx, r.sessionKey(sessionID), r.messagesKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	if n == 0 {
		return interfaces.ErrTranscriptNotFound
	}
	return nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ interfaces.Archive = (*Redis)(nil)
