package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plusme/authcore/internal"
)

const (
	resetKeyPrefix       = "pwdreset"
	resetBlockKeyPrefix  = "pwdreset_block"
	resetResendKeyPrefix = "pwdreset_resend"
	resetRecordVersionV1 = 1
)

var (
	errResetNotFound         = errors.New("reset record not found")
	errResetCodeMismatch     = errors.New("reset code mismatch")
	errResetBlocked          = errors.New("reset blocked")
	errResetRedisUnavailable = errors.New("reset redis unavailable")
)

type passwordResetRecord struct {
	UserID    string
	CodeHash  [32]byte
	Attempts  uint16
	ExpiresAt int64
}

type passwordResetStore struct {
	redis redis.UniversalClient
}

func newPasswordResetStore(redisClient redis.UniversalClient) *passwordResetStore {
	return &passwordResetStore{redis: redisClient}
}

func (s *passwordResetStore) key(token string) string {
	return resetKeyPrefix + ":" + token
}

func (s *passwordResetStore) blockKey(token string) string {
	return resetBlockKeyPrefix + ":" + token
}

func (s *passwordResetStore) resendKey(userID string) string {
	return resetResendKeyPrefix + ":" + userID
}

func (s *passwordResetStore) Save(ctx context.Context, token string, record *passwordResetRecord, ttl time.Duration) error {
	encoded, err := encodePasswordResetRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	return nil
}

// VerifyCode checks the provided code hash against the stored record. A
// mismatch bumps the attempt counter in place; at maxAttempts the record is
// deleted and the token blocked for blockTTL. A match returns the record
// WITHOUT deleting it: the caller deletes only after the new password hash has
// been persisted, so a storage failure never burns the token.
func (s *passwordResetStore) VerifyCode(
	ctx context.Context,
	token string,
	providedHash [32]byte,
	maxAttempts int,
	blockTTL time.Duration,
) (*passwordResetRecord, error) {
	const maxRetries = 4
	key := s.key(token)

	blocked, err := s.IsBlocked(ctx, token)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, errResetBlocked
	}

	for i := 0; i < maxRetries; i++ {
		var matched *passwordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
			if err != nil {
				return err
			}

			now := time.Now()
			if now.Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errResetNotFound
			}

			if !internal.HashesEqual(record.CodeHash, providedHash) {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						pipe.Set(ctx, s.blockKey(token), "1", blockTTL)
						return nil
					})
					if err != nil {
						return err
					}
					return errResetBlocked
				}

				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				if ttl <= 0 {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return errResetNotFound
				}

				updated, err := encodePasswordResetRecord(record)
				if err != nil {
					return err
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errResetCodeMismatch
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, errResetNotFound):
				return nil, errResetNotFound
			case errors.Is(err, errResetCodeMismatch), errors.Is(err, errResetBlocked):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errResetNotFound
}

func (s *passwordResetStore) Get(ctx context.Context, token string) (*passwordResetRecord, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	record, err := decodePasswordResetRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, errResetNotFound
	}

	return record, nil
}

func (s *passwordResetStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return nil
}

func (s *passwordResetStore) IsBlocked(ctx context.Context, token string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blockKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return n > 0, nil
}

// StartResendCooldown is keyed by user, not token: issuing a fresh token must
// not reset the cooldown clock.
func (s *passwordResetStore) StartResendCooldown(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.resendKey(userID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	return ok, nil
}

func encodePasswordResetRecord(record *passwordResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("reset record user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodePasswordResetRecord(data []byte) (*passwordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid reset record version")
	}

	record := &passwordResetRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userIDLen); err != nil {
		return nil, err
	}

	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	record.UserID = string(userID)

	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
