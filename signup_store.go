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
	pendingUserKeyPrefix   = "pending_user"
	pendingBlockKeyPrefix  = "pending_block"
	pendingResendKeyPrefix = "pending_resend"
	pendingRecordVersionV1 = 1
)

var (
	errPendingNotFound         = errors.New("pending signup not found")
	errPendingCodeMismatch     = errors.New("pending signup code mismatch")
	errPendingBlocked          = errors.New("pending signup blocked")
	errPendingRedisUnavailable = errors.New("pending signup redis unavailable")
)

// pendingSignupRecord stages a signup until the email code is confirmed. No
// user row exists until confirmation, so the record carries everything needed
// to create one, with the password already hashed.
type pendingSignupRecord struct {
	Name         string
	Username     string
	Email        string
	PasswordHash string
	CodeHash     [32]byte
	Attempts     uint16
	CreatedAt    int64
	ExpiresAt    int64
}

type pendingSignupStore struct {
	redis redis.UniversalClient
}

func newPendingSignupStore(redisClient redis.UniversalClient) *pendingSignupStore {
	return &pendingSignupStore{redis: redisClient}
}

func (s *pendingSignupStore) key(token string) string {
	return pendingUserKeyPrefix + ":" + token
}

func (s *pendingSignupStore) blockKey(token string) string {
	return pendingBlockKeyPrefix + ":" + token
}

func (s *pendingSignupStore) resendKey(token string) string {
	return pendingResendKeyPrefix + ":" + token
}

func (s *pendingSignupStore) Save(ctx context.Context, token string, record *pendingSignupRecord, ttl time.Duration) error {
	encoded, err := encodePendingSignupRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
	}

	return nil
}

// VerifyCode compares the provided code hash against the staged record. On a
// mismatch the attempt counter is incremented in place; once it reaches
// maxAttempts the record is deleted and the token is blocked for blockTTL, so
// a later correct guess cannot land. On a match the record is returned but NOT
// deleted: the caller deletes it only after the user row has been persisted,
// so a failed insert leaves the signup confirmable.
func (s *pendingSignupStore) VerifyCode(
	ctx context.Context,
	token string,
	providedHash [32]byte,
	maxAttempts int,
	blockTTL time.Duration,
) (*pendingSignupRecord, error) {
	const maxRetries = 4
	key := s.key(token)

	blocked, err := s.IsBlocked(ctx, token)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, errPendingBlocked
	}

	for i := 0; i < maxRetries; i++ {
		var matched *pendingSignupRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingSignupRecord(data)
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
				return errPendingNotFound
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
					return errPendingBlocked
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
					return errPendingNotFound
				}

				updated, err := encodePendingSignupRecord(record)
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
				return errPendingCodeMismatch
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, errPendingNotFound):
				return nil, errPendingNotFound
			case errors.Is(err, errPendingCodeMismatch), errors.Is(err, errPendingBlocked):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errPendingNotFound
}

func (s *pendingSignupStore) Get(ctx context.Context, token string) (*pendingSignupRecord, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errPendingNotFound
		}
		return nil, fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
	}

	record, err := decodePendingSignupRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, errPendingNotFound
	}

	return record, nil
}

// UpdateCode swaps the staged code hash while preserving the record's
// remaining lifetime, so resending a code never extends the signup window.
func (s *pendingSignupStore) UpdateCode(ctx context.Context, token string, codeHash [32]byte) error {
	const maxRetries = 4
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingSignupRecord(data)
			if err != nil {
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				return errPendingNotFound
			}

			record.CodeHash = codeHash

			updated, err := encodePendingSignupRecord(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, errPendingNotFound):
				return errPendingNotFound
			default:
				return fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
			}
		}

		return nil
	}

	return errPendingNotFound
}

func (s *pendingSignupStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
	}
	return nil
}

func (s *pendingSignupStore) IsBlocked(ctx context.Context, token string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blockKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
	}
	return n > 0, nil
}

// StartResendCooldown reports whether a resend is allowed right now and, if
// so, opens a new cooldown window. SET NX makes check and start one op.
func (s *pendingSignupStore) StartResendCooldown(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.resendKey(token), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errPendingRedisUnavailable, err)
	}
	return ok, nil
}

func encodePendingSignupRecord(record *pendingSignupRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(pendingRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.Name, record.Username, record.Email, record.PasswordHash} {
		if len(field) > 65535 {
			return nil, errors.New("pending signup field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodePendingSignupRecord(data []byte) (*pendingSignupRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingRecordVersionV1 {
		return nil, errors.New("invalid pending signup record version")
	}

	record := &pendingSignupRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{&record.Name, &record.Username, &record.Email, &record.PasswordHash} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}

		field := make([]byte, length)
		if _, err := io.ReadFull(reader, field); err != nil {
			return nil, err
		}
		*target = string(field)
	}

	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
