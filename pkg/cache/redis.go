// Package cache stores encoded label masks in redis so repeated requests for
// the same image skip inference.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// Options configures the redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Codec compresses mask payloads before they are stored
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a zstd codec safe for concurrent use
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Compress returns the zstd frame for src
func (c *Codec) Compress(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/8))
}

// Decompress reverses Compress
func (c *Codec) Decompress(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}

// Close releases the codec's resources
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// MaskCache is a redis-backed store of encoded masks
type MaskCache struct {
	client *redis.Client
	ttl    time.Duration
	codec  *Codec
}

// New connects a MaskCache. The connection is lazy; call Ping to check it.
func New(opts Options) (*MaskCache, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, fmt.Errorf("creating zstd codec: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &MaskCache{client: client, ttl: opts.TTL, codec: codec}, nil
}

// Ping checks the redis connection
func (c *MaskCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the mask stored under key. ok is false on a cache miss.
func (c *MaskCache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	data, err = c.codec.Decompress(raw)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores a mask under key for the configured TTL
func (c *MaskCache) Set(ctx context.Context, key string, data []byte) error {
	return c.client.Set(ctx, key, c.codec.Compress(data), c.ttl).Err()
}

// Close closes the redis client
func (c *MaskCache) Close() error {
	c.codec.Close()
	return c.client.Close()
}

// ModelFingerprint returns the md5 of the model file's contents, so models
// saved under the same file name get distinct cache keys
func ModelFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening model: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key identifies the mask for an uploaded image under a given model setup.
// model should be a ModelFingerprint.
func Key(payload []byte, model string, tileSize, numClasses int) string {
	sum := md5.Sum(payload)
	return fmt.Sprintf("mask:%s:%s:%d:%d", hex.EncodeToString(sum[:]), model, tileSize, numClasses)
}
