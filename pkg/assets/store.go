// Package assets stores check run assets: run logs and check run data.
// Assets are kept zstd compressed in Redis, keyed by region and path.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/sre-norns/skuld/pkg/skuld"
)

var (
	ErrNotFound    = fmt.Errorf("asset not found")
	ErrInvalidPath = fmt.Errorf("invalid asset path")
)

const keyPrefix = "skuld:assets"

// Well-known kinds of assets
const (
	KindLogs         = "logs"
	KindCheckRunData = "check-run-data"
)

type Config struct {
	AssetsRedisAddress string        `help:"Redis server address:port of the asset store" default:"localhost:6379" env:"SKULD_ASSETS_REDIS_ADDRESS"`
	AssetsTTL          time.Duration `help:"How long uploaded assets are kept" default:"24h"`
	Region             string        `help:"Region assets are uploaded to" default:"local" env:"SKULD_REGION"`
}

// Store is a Redis backed asset store
type Store struct {
	rdb    redis.UniversalClient
	region string
	ttl    time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ skuld.AssetFetcher = (*Store)(nil)

func New(config Config) (*Store, error) {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: config.AssetsRedisAddress}), config.Region, config.AssetsTTL)
}

func NewWithClient(rdb redis.UniversalClient, region string, ttl time.Duration) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Store{
		rdb:     rdb,
		region:  region,
		ttl:     ttl,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (s *Store) Region() string {
	return s.region
}

// AssetPath returns a path under which an asset of a check run is stored
func AssetPath(kind string, checkRunID skuld.CheckRunID) string {
	return path.Join(kind, string(checkRunID))
}

func assetKey(region, assetPath string) (string, error) {
	clean := path.Clean("/" + assetPath)
	if assetPath == "" || clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, assetPath)
	}

	return fmt.Sprintf("%s:%s:%s", keyPrefix, region, clean[1:]), nil
}

func (s *Store) compress(data []byte) []byte {
	return s.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	return s.decoder.DecodeAll(data, nil)
}

// Put uploads an asset into the region of this store.
// Content must be valid JSON.
func (s *Store) Put(ctx context.Context, assetPath string, content []byte) error {
	if !json.Valid(content) {
		return fmt.Errorf("asset %q is not a valid JSON document", assetPath)
	}

	key, err := assetKey(s.region, assetPath)
	if err != nil {
		return err
	}

	return s.rdb.Set(ctx, key, s.compress(content), s.ttl).Err()
}

func (s *Store) get(ctx context.Context, region, assetPath string) (json.RawMessage, error) {
	key, err := assetKey(region, assetPath)
	if err != nil {
		return nil, err
	}

	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, region, assetPath)
	}
	if err != nil {
		return nil, err
	}

	content, err := s.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("corrupted asset %s/%s: %w", region, assetPath, err)
	}

	return json.RawMessage(content), nil
}

func (s *Store) GetLogs(ctx context.Context, region, assetPath string) (json.RawMessage, error) {
	return s.get(ctx, region, assetPath)
}

func (s *Store) GetCheckRunData(ctx context.Context, region, assetPath string) (json.RawMessage, error) {
	return s.get(ctx, region, assetPath)
}

func (s *Store) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		return err
	}

	return s.rdb.Close()
}
