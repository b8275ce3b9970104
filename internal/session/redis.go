package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "canvasfit:session"

// RedisStore keeps each shelf in one Redis hash, field per archive key, so
// every API replica sees the same shelf. The hash TTL is refreshed on Put.
type RedisStore struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, ttl: ttl, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) shelfKey(sessionID string) string {
	return s.keyPrefix + ":" + sessionID
}

func (s *RedisStore) Put(ctx context.Context, sessionID, key string, archive domain.Archive) error {
	if err := checkKeys(sessionID, key); err != nil {
		return err
	}

	body, err := json.Marshal(archive)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	shelf := s.shelfKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, shelf, key, body)
		if s.ttl > 0 {
			pipe.Expire(ctx, shelf, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store archive %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID, key string) (domain.Archive, bool, error) {
	if err := checkKeys(sessionID, key); err != nil {
		return domain.Archive{}, false, err
	}

	body, err := s.client.HGet(ctx, s.shelfKey(sessionID), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Archive{}, false, nil
		}
		return domain.Archive{}, false, fmt.Errorf("load archive %s: %w", key, err)
	}

	var archive domain.Archive
	if err := json.Unmarshal(body, &archive); err != nil {
		return domain.Archive{}, false, fmt.Errorf("decode archive %s: %w", key, err)
	}
	return archive, true, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]domain.ArchiveInfo, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrMissingSession
	}

	fields, err := s.client.HGetAll(ctx, s.shelfKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}

	infos := make([]domain.ArchiveInfo, 0, len(fields))
	for key, body := range fields {
		var archive domain.Archive
		if err := json.Unmarshal([]byte(body), &archive); err != nil {
			return nil, fmt.Errorf("decode archive %s: %w", key, err)
		}
		infos = append(infos, archive.Info(key))
	}
	sortInfos(infos)
	return infos, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.shelfKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
