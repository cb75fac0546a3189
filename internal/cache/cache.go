package cache

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ask/internal/ollama"
	"ask/internal/session"
)

// Cache is a persistent response cache keyed by a digest of the outgoing
// conversation. Only buffered requests consult it; streaming mode always
// hits the live endpoint.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open opens (creating if needed) the cache database at path. Entries
// older than ttl are treated as misses and replaced on the next store.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	createTable := `
	CREATE TABLE IF NOT EXISTS responses (
		key TEXT PRIMARY KEY,
		response TEXT,
		created_at DATETIME
	);`
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create responses table: %w", err)
	}

	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// Key derives the cache key from the model, the request knobs, and the
// ordered turn sequence. Any change in model, output format, think mode,
// sampling options, role order, or content yields a different key, so a
// JSON-constrained request can never be served a plain-text answer.
func Key(model, format string, think bool, opts *ollama.Options, turns []session.Turn) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(format))
	h.Write([]byte{0})
	if think {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	if opts != nil {
		fmt.Fprintf(h, "%g:%d", opts.Temperature, opts.NumCtx)
	}
	for _, t := range turns {
		h.Write([]byte{0})
		h.Write([]byte(t.Role))
		h.Write([]byte{0})
		h.Write([]byte(t.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached response for key, if present and fresh.
func (c *Cache) Get(key string) (string, bool) {
	var response string
	var createdAt time.Time
	err := c.db.QueryRow("SELECT response, created_at FROM responses WHERE key = ?", key).
		Scan(&response, &createdAt)
	if err != nil {
		return "", false
	}
	if c.ttl > 0 && time.Since(createdAt) > c.ttl {
		if _, err := c.db.Exec("DELETE FROM responses WHERE key = ?", key); err != nil {
			c.logger.Warn("failed to evict stale cache entry", "error", err)
		}
		return "", false
	}
	c.logger.Info("cache hit", "key", key[:16])
	return response, true
}

// Put stores a response under key, replacing any previous entry.
func (c *Cache) Put(key, response string) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO responses (key, response, created_at) VALUES (?, ?, ?)",
		key, response, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	c.logger.Info("cached response", "key", key[:16])
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
