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
)

const (
	refreshKeyPrefix       = "refresh"
	refreshRecordVersionV1 = 1
)

var (
	errRefreshNotFound         = errors.New("refresh token not found")
	errRefreshRedisUnavailable = errors.New("refresh redis unavailable")
)

// refreshTokenRecord binds an opaque refresh token to its owner and to the
// client environment it was minted for. Only fingerprint hashes are stored;
// the raw IP and User-Agent never touch Redis.
type refreshTokenRecord struct {
	UserID    string
	IPHash    [32]byte
	UAHash    [32]byte
	CreatedAt int64
}

type refreshTokenStore struct {
	redis redis.UniversalClient
}

func newRefreshTokenStore(redisClient redis.UniversalClient) *refreshTokenStore {
	return &refreshTokenStore{redis: redisClient}
}

func (s *refreshTokenStore) key(token string) string {
	return refreshKeyPrefix + ":" + token
}

func (s *refreshTokenStore) Save(ctx context.Context, token string, record *refreshTokenRecord, ttl time.Duration) error {
	encoded, err := encodeRefreshTokenRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
	}

	return nil
}

func (s *refreshTokenStore) Get(ctx context.Context, token string) (*refreshTokenRecord, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errRefreshNotFound
		}
		return nil, fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
	}

	return decodeRefreshTokenRecord(data)
}

func (s *refreshTokenStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRefreshRedisUnavailable, err)
	}
	return nil
}

func encodeRefreshTokenRecord(record *refreshTokenRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(refreshRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("refresh record user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	buf.Write(record.IPHash[:])
	buf.Write(record.UAHash[:])

	return buf.Bytes(), nil
}

func decodeRefreshTokenRecord(data []byte) (*refreshTokenRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != refreshRecordVersionV1 {
		return nil, errors.New("invalid refresh record version")
	}

	record := &refreshTokenRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
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

	if _, err := io.ReadFull(reader, record.IPHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.UAHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
