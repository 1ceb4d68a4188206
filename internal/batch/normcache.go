package batch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"github.com/sttmux/sttmux/pkg/audio"
	"github.com/sttmux/sttmux/pkg/audio/ffcodec"
)

// cacheKey identifies one normalized rendition of one source file. Two jobs
// touching the same upload with the same normalization settings share a single
// decode; editing the file in place changes mtime/size and misses the cache.
type cacheKey struct {
	absPath  string
	mtimeNs  int64
	size     int64
	rate     int
	channels int
	peakDbfs float64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s|%d|%d|%d|%d|%.2f", k.absPath, k.mtimeNs, k.size, k.rate, k.channels, k.peakDbfs)
}

type cacheEntry struct {
	pcm      []byte
	duration float64
	path     string
	refs     int
}

// Cache decodes uploads to canonical PCM once and hands out refcounted
// handles. The normalized rendition is also written next to the uploads as a
// WAV file so it can be re-served; that file is unlinked when the last handle
// is released. Source files are never touched.
type Cache struct {
	dir      string
	rate     int
	channels int

	decode func(ctx context.Context, path string) ([]byte, error)

	group   singleflight.Group
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

// NewCache builds a cache decoding through ffmpeg at binary, producing
// rate/channels PCM under dir.
func NewCache(dir, binary string, rate, channels int) *Cache {
	c := &Cache{
		dir:      dir,
		rate:     rate,
		channels: channels,
		entries:  make(map[cacheKey]*cacheEntry),
	}
	c.decode = func(ctx context.Context, path string) ([]byte, error) {
		return decodeFile(ctx, binary, path, rate, channels)
	}
	return c
}

// Handle is one reference to a normalized rendition. PCM and DurationSec are
// valid until Release.
type Handle struct {
	PCM         []byte
	DurationSec float64
	Path        string

	cache *Cache
	key   cacheKey
	once  sync.Once
}

// Release drops the reference. The last release evicts the entry and removes
// the generated cache file.
func (h *Handle) Release() {
	h.once.Do(func() { h.cache.release(h.key) })
}

// Acquire returns a handle on the normalized rendition of path, decoding it
// if no live handle exists. peakDbfs != 0 scales the decoded PCM so its peak
// sits at that level.
func (c *Cache) Acquire(ctx context.Context, path string, peakDbfs float64) (*Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("batch: resolve %s: %w", path, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("batch: stat %s: %w", path, err)
	}
	key := cacheKey{
		absPath:  abs,
		mtimeNs:  fi.ModTime().UnixNano(),
		size:     fi.Size(),
		rate:     c.rate,
		channels: c.channels,
		peakDbfs: peakDbfs,
	}

	for {
		// Concurrent acquires of the same key coalesce into one decode. The
		// coalesced function only ensures the entry exists; each caller takes
		// its own reference afterwards, since singleflight may satisfy many
		// callers from one execution.
		_, err, _ = c.group.Do(key.String(), func() (any, error) {
			c.mu.Lock()
			_, ok := c.entries[key]
			c.mu.Unlock()
			if ok {
				return nil, nil
			}

			pcm, err := c.decode(ctx, abs)
			if err != nil {
				return nil, err
			}
			if peakDbfs != 0 {
				normalizePeak(pcm, peakDbfs)
			}
			cachePath := filepath.Join(c.dir, cacheFileName(key))
			if err := writeWAV(cachePath, pcm, c.rate, c.channels); err != nil {
				return nil, err
			}

			c.mu.Lock()
			c.entries[key] = &cacheEntry{
				pcm:      pcm,
				duration: audio.DurationMs(len(pcm), c.rate, c.channels) / 1000,
				path:     cachePath,
			}
			c.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.refs++
			c.mu.Unlock()
			return &Handle{PCM: e.pcm, DurationSec: e.duration, Path: e.path, cache: c, key: key}, nil
		}
		// The last holder released between the ensure and our claim; decode
		// again.
		c.mu.Unlock()
	}
}

func (c *Cache) release(key cacheKey) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(c.entries, key)
		} else {
			e = nil
		}
	}
	c.mu.Unlock()
	if ok && e != nil {
		os.Remove(e.path)
	}
}

func cacheFileName(key cacheKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return "norm-" + hex.EncodeToString(sum[:12]) + ".wav"
}

// decodeFile streams path through ffmpeg and collects the canonical PCM.
func decodeFile(ctx context.Context, binary, path string, rate, channels int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batch: open %s: %w", path, err)
	}
	defer f.Close()

	var mu sync.Mutex
	var out []byte
	dec, err := ffcodec.NewDecoder(ffcodec.Config{
		BinaryPath:     binary,
		TargetRate:     rate,
		TargetChannels: channels,
		ChunkMs:        100,
	}, func(pcm []byte) {
		mu.Lock()
		out = append(out, pcm...)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	defer dec.Stop()

	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := dec.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("batch: read %s: %w", path, rerr)
		}
	}
	dec.CloseInput()
	if err := dec.Wait(); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	if len(out) == 0 {
		return nil, fmt.Errorf("batch: %s decoded to no audio", path)
	}
	return out, nil
}

// normalizePeak scales 16-bit samples in place so the loudest one lands at
// target dBFS. Silence is left alone.
func normalizePeak(pcm []byte, targetDbfs float64) {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		return
	}
	target := 32767.0 * math.Pow(10, targetDbfs/20)
	gain := target / float64(peak)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s)))
	}
}

// writeWAV atomically writes a PCM16 WAV file.
func writeWAV(path string, pcm []byte, rate, channels int) error {
	header := audio.EncodeWAVHeader(rate, channels, len(pcm))
	if err := renameio.WriteFile(path, append(header, pcm...), 0o644); err != nil {
		return fmt.Errorf("batch: write %s: %w", path, err)
	}
	return nil
}
