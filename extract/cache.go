package extract

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"

	"github.com/plugwork/dev-runtime/param"
)

// Fingerprint identifies the exact content of a module file. Size and
// modification time alone would miss a rebuild that lands within the
// filesystem's timestamp granularity, so the content hash is part of
// the key.
type Fingerprint struct {
	Hash    [sha256.Size]byte
	Size    int64
	ModTime int64 // unix nanoseconds
}

// FileFingerprint reads and fingerprints the file at path.
func FileFingerprint(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{}, err
	}

	var fp Fingerprint
	copy(fp.Hash[:], h.Sum(nil))
	fp.Size = info.Size()
	fp.ModTime = info.ModTime().UnixNano()
	return fp, nil
}

// Cache remembers the most recent successful extraction. The zero value
// is ready to use.
type Cache struct {
	mu    sync.Mutex
	key   Fingerprint
	table *param.Table
}

// Lookup returns the cached table if fp matches the stored entry.
func (c *Cache) Lookup(fp Fingerprint) (*param.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil || c.key != fp {
		return nil, false
	}
	return c.table, true
}

// Store replaces the cache entry. Tables are immutable after parsing, so
// the stored pointer is shared with callers.
func (c *Cache) Store(fp Fingerprint, table *param.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = fp
	c.table = table
}
