package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	// masks are mostly long runs of the same label
	mask := bytes.Repeat([]byte{0, 0, 0, 1}, 10000)
	packed := codec.Compress(mask)
	require.Less(t, len(packed), len(mask)/10)

	unpacked, err := codec.Decompress(packed)
	require.NoError(t, err)
	require.Equal(t, mask, unpacked)

	_, err = codec.Decompress([]byte("not zstd"))
	require.Error(t, err)
}

func TestKey(t *testing.T) {
	a := Key([]byte("image-a"), "unet.onnx", 256, 2)
	require.Equal(t, a, Key([]byte("image-a"), "unet.onnx", 256, 2))
	require.NotEqual(t, a, Key([]byte("image-b"), "unet.onnx", 256, 2))
	require.NotEqual(t, a, Key([]byte("image-a"), "unet.onnx", 512, 2))
	require.NotEqual(t, a, Key([]byte("image-a"), "segnet.onnx", 256, 2))
	require.Contains(t, a, "mask:")
}

func TestModelFingerprint(t *testing.T) {
	dir := t.TempDir()
	write := func(sub, content string) string {
		path := filepath.Join(dir, sub, "model.onnx")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}
	v1 := write("v1", "weights-one")
	v2 := write("v2", "weights-two")
	copyOfV1 := write("copy", "weights-one")

	f1, err := ModelFingerprint(v1)
	require.NoError(t, err)
	f2, err := ModelFingerprint(v2)
	require.NoError(t, err)
	f3, err := ModelFingerprint(copyOfV1)
	require.NoError(t, err)

	require.NotEqual(t, f1, f2, "same file name, different weights")
	require.Equal(t, f1, f3, "same weights, different location")
	require.NotEqual(t, Key([]byte("img"), f1, 256, 2), Key([]byte("img"), f2, 256, 2))

	_, err = ModelFingerprint(filepath.Join(dir, "missing.onnx"))
	require.Error(t, err)
}

func TestNewIsLazy(t *testing.T) {
	c, err := New(Options{Addr: "127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestMaskCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(Options{Addr: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	key := Key([]byte("image"), "fingerprint", 256, 2)
	data, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, data)

	mask := bytes.Repeat([]byte{0, 1, 1, 1}, 4096)
	require.NoError(t, c.Set(ctx, key, mask))

	stored, err := mr.Get(key)
	require.NoError(t, err)
	require.Less(t, len(stored), len(mask), "entries are stored compressed")
	require.Equal(t, time.Minute, mr.TTL(key))

	data, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mask, data)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "entry expires after the TTL")
}

func TestMaskCacheCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(Options{Addr: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, mr.Set("mask:broken", "not a zstd frame"))
	_, ok, err := c.Get(context.Background(), "mask:broken")
	require.Error(t, err)
	require.False(t, ok)
	require.Contains(t, err.Error(), "corrupt cache entry")
}

func TestMaskCacheUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer c.Close()

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, c.Ping(ctx))
	_, _, err = c.Get(ctx, "mask:any")
	require.Error(t, err)
}
