package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/memo-transcriber/internal/domain"
	"github.com/airenas/memo-transcriber/internal/secure"
	"github.com/redis/go-redis/v9"
)

const keyRecordings = "recordings"

// RedisDataManager stores encrypted recordings and audio in Redis.
type RedisDataManager struct {
	client   *redis.Client
	audioTTL time.Duration
	crypter  *secure.Crypter
}

// NewRedisDataManager creates a new RedisDataManager with connection pooling.
// Audio expires after audioTTL, zero keeps it forever.
func NewRedisDataManager(connStr string, encryptionKey string, audioTTL time.Duration) (*RedisDataManager, error) {
	opt, err := redis.ParseURL(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	crypter, err := secure.NewCrypter(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create crypter: %w", err)
	}
	goapp.Log.Info().Str("redis", opt.Addr).Int("db", opt.DB).Dur("audioTTL", audioTTL).Send()
	rdb := redis.NewClient(opt)

	return &RedisDataManager{
		client:   rdb,
		audioTTL: audioTTL,
		crypter:  crypter,
	}, nil
}

func (r *RedisDataManager) keyAudio(id string) string {
	return fmt.Sprintf("audio:%s", id)
}

func (r *RedisDataManager) keyRecording(id string) string {
	return fmt.Sprintf("recording:%s", id)
}

// SaveAudio stores encoded audio in Redis
func (r *RedisDataManager) SaveAudio(ctx context.Context, id string, data []byte) error {
	goapp.Log.Trace().Str("id", id).Msg("Save audio")
	encrypted, err := r.crypter.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return r.client.Set(ctx, r.keyAudio(id), encrypted, r.audioTTL).Err()
}

// GetAudio retrieves audio from Redis
func (r *RedisDataManager) GetAudio(ctx context.Context, id string) ([]byte, error) {
	goapp.Log.Trace().Str("id", id).Msg("Get audio")
	return r.getDecrypted(ctx, r.keyAudio(id))
}

// SaveRecording stores a recording as JSON and indexes it
func (r *RedisDataManager) SaveRecording(ctx context.Context, rec *domain.Recording) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("no recording id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	encrypted, err := r.crypter.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.keyRecording(rec.ID), encrypted, 0)
		p.SAdd(ctx, keyRecordings, rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

// GetRecording retrieves a recording from Redis
func (r *RedisDataManager) GetRecording(ctx context.Context, id string) (*domain.Recording, error) {
	data, err := r.getDecrypted(ctx, r.keyRecording(id))
	if err != nil {
		return nil, err
	}
	var res domain.Recording
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode recording: %w", err)
	}
	return &res, nil
}

// ListRecordings returns pinned recordings first, newest first
func (r *RedisDataManager) ListRecordings(ctx context.Context) ([]*domain.Recording, error) {
	ids, err := r.client.SMembers(ctx, keyRecordings).Result()
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	res := make([]*domain.Recording, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetRecording(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				goapp.Log.Warn().Str("id", id).Msg("dangling recording index")
				continue
			}
			return nil, err
		}
		res = append(res, rec)
	}
	sortRecordings(res)
	return res, nil
}

func (r *RedisDataManager) UpdateRecording(ctx context.Context, id string, u *domain.RecordingUpdate) (*domain.Recording, error) {
	return r.modify(ctx, id, func(rec *domain.Recording) {
		if u != nil {
			u.Apply(rec)
		}
	})
}

func (r *RedisDataManager) TogglePin(ctx context.Context, id string) (*domain.Recording, error) {
	return r.modify(ctx, id, func(rec *domain.Recording) { rec.IsPinned = !rec.IsPinned })
}

// DeleteRecording removes a recording with its audio
func (r *RedisDataManager) DeleteRecording(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, r.keyRecording(id))
		p.Del(ctx, r.keyAudio(id))
		p.SRem(ctx, keyRecordings, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("recording %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RedisDataManager) Close() error {
	return r.client.Close()
}

func (r *RedisDataManager) modify(ctx context.Context, id string, f func(*domain.Recording)) (*domain.Recording, error) {
	rec, err := r.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	f(rec)
	if err := r.SaveRecording(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisDataManager) getDecrypted(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	decrypted, err := r.crypter.Decrypt(b)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return decrypted, nil
}
