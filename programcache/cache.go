// Package programcache persists compiled GPU programs across runs.
//
// Shader compilation dominates first-frame latency, so compiled SPIR-V is
// kept in a single snappy-compressed file keyed by a hash of the WGSL
// source. The cache is read once at render thread startup and written at
// shutdown; a missing or corrupt file is never an error, the cache is
// simply rebuilt.
package programcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gogpu/naga"
	"github.com/golang/snappy"
)

// cacheFile is the cache's file name inside the configured directory.
const cacheFile = "programs.bin"

// magic identifies the cache file format.
var magic = [4]byte{'w', 'r', 'p', 'c'}

// ErrCorrupt marks a cache file that could not be parsed. Callers treat
// it like an absent cache.
var ErrCorrupt = errors.New("programcache: corrupt cache file")

// Cache maps shader source hashes to compiled SPIR-V.
//
// Compile is safe for concurrent use, although in practice only the
// render thread compiles.
type Cache struct {
	dir string

	mu      sync.Mutex
	entries map[string][]byte // source hash -> SPIR-V words, little endian
	dirty   bool
}

// NewEmpty creates a cache with no entries that will write to dir on
// Save.
func NewEmpty(dir string) *Cache {
	return &Cache{dir: dir, entries: make(map[string][]byte)}
}

// Load reads the cache file under dir. An absent file yields an empty
// cache and no error; an unparsable one yields ErrCorrupt.
func Load(dir string) (*Cache, error) {
	c := NewEmpty(dir)

	raw, err := os.ReadFile(filepath.Join(dir, cacheFile))
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("programcache: read: %w", err)
	}

	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(data) < 8 || [4]byte(data[:4]) != magic {
		return c, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(data[4:8])
	off := 8
	for range count {
		if off+4 > len(data) {
			return NewEmpty(dir), ErrCorrupt
		}
		keyLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+keyLen+4 > len(data) {
			return NewEmpty(dir), ErrCorrupt
		}
		key := string(data[off : off+keyLen])
		off += keyLen
		blobLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+blobLen > len(data) {
			return NewEmpty(dir), ErrCorrupt
		}
		c.entries[key] = append([]byte(nil), data[off:off+blobLen]...)
		off += blobLen
	}
	return c, nil
}

// Key returns the cache key for a shader source.
func Key(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Get returns the compiled SPIR-V for source, if cached.
func (c *Cache) Get(source string) ([]uint32, bool) {
	c.mu.Lock()
	blob, ok := c.entries[Key(source)]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return bytesToWords(blob), true
}

// Compile returns the compiled SPIR-V for source, compiling with naga and
// caching on a miss.
func (c *Cache) Compile(source string) ([]uint32, error) {
	if words, ok := c.Get(source); ok {
		return words, nil
	}

	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("programcache: shader compile: %w", err)
	}

	c.mu.Lock()
	c.entries[Key(source)] = append([]byte(nil), spirv...)
	c.dirty = true
	c.mu.Unlock()

	return bytesToWords(spirv), nil
}

// Put stores precompiled SPIR-V bytes for source, overwriting any cached
// program.
func (c *Cache) Put(source string, spirv []byte) {
	c.mu.Lock()
	c.entries[Key(source)] = append([]byte(nil), spirv...)
	c.dirty = true
	c.mu.Unlock()
}

// Len returns the number of cached programs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save writes the cache file if any entry changed since Load. The write
// goes through a temp file and rename so a crash never leaves a torn
// cache.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("programcache: create dir: %w", err)
	}

	size := 8
	for key, blob := range c.entries {
		size += 8 + len(key) + len(blob)
	}
	data := make([]byte, 0, size)
	data = append(data, magic[:]...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(c.entries)))
	for key, blob := range c.entries {
		data = binary.LittleEndian.AppendUint32(data, uint32(len(key)))
		data = append(data, key...)
		data = binary.LittleEndian.AppendUint32(data, uint32(len(blob)))
		data = append(data, blob...)
	}

	path := filepath.Join(c.dir, cacheFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, data), 0o644); err != nil {
		return fmt.Errorf("programcache: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("programcache: rename: %w", err)
	}
	c.dirty = false
	return nil
}

// bytesToWords converts SPIR-V bytes to little-endian 32-bit words.
func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}
