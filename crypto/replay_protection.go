package crypto

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultReplayWindow is how long an event id is remembered. It matches the
// expiration attached to outbound events, after which relays drop them.
const DefaultReplayWindow = 24 * time.Hour

// ReplayGuard remembers inbound event ids so an event delivered by several
// relays is processed once. Entries expire after the window. When a data
// directory is given the set is persisted across restarts.
type ReplayGuard struct {
	mu           sync.Mutex
	seen         map[[32]byte]int64 // id -> expiry (unix seconds)
	window       time.Duration
	saveFile     string
	logger       *logrus.Logger
	timeProvider TimeProvider
}

// NewReplayGuard creates an in-memory guard.
func NewReplayGuard(window time.Duration, tp TimeProvider) *ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &ReplayGuard{
		seen:         make(map[[32]byte]int64),
		window:       window,
		logger:       logrus.StandardLogger(),
		timeProvider: OrDefault(tp),
	}
}

// NewPersistentReplayGuard creates a guard backed by a file in dataDir.
func NewPersistentReplayGuard(dataDir string, window time.Duration, tp TimeProvider) (*ReplayGuard, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	g := NewReplayGuard(window, tp)
	g.saveFile = filepath.Join(dataDir, "seen_events.dat")

	if err := g.load(); err != nil {
		g.logger.WithError(err).Warn("Could not load replay guard, starting fresh")
	}
	return g, nil
}

// CheckAndStore returns true the first time id is seen inside the window,
// false for repeats.
func (g *ReplayGuard) CheckAndStore(id [32]byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now().Unix()
	if expiry, exists := g.seen[id]; exists && expiry >= now {
		g.logger.WithFields(logrus.Fields{
			"function": "CheckAndStore",
			"package":  "crypto",
			"event_id": fmt.Sprintf("%x", id[:4]),
		}).Debug("Duplicate event ignored")
		return false
	}
	g.seen[id] = now + int64(g.window.Seconds())
	return true
}

// Prune drops expired entries and returns how many were removed.
func (g *ReplayGuard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.timeProvider.Now().Unix()
	removed := 0
	for id, expiry := range g.seen {
		if expiry < now {
			delete(g.seen, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of remembered ids.
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Close persists the guard if it is file-backed.
func (g *ReplayGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveFile == "" {
		return nil
	}
	return g.save()
}

func (g *ReplayGuard) load() error {
	data, err := os.ReadFile(g.saveFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read replay guard: %w", err)
	}
	if len(data) < 8 {
		return fmt.Errorf("corrupted replay guard: file too small")
	}

	count := binary.BigEndian.Uint64(data[0:8])
	offset := 8
	now := g.timeProvider.Now().Unix()

	for i := uint64(0); i < count && offset+40 <= len(data); i++ {
		var id [32]byte
		copy(id[:], data[offset:offset+32])
		expiry := int64(binary.BigEndian.Uint64(data[offset+32 : offset+40]))
		if expiry > now {
			g.seen[id] = expiry
		}
		offset += 40
	}
	return nil
}

// save writes the guard to disk. Callers hold g.mu.
func (g *ReplayGuard) save() error {
	buf := make([]byte, 8, 8+len(g.seen)*40)
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(g.seen)))

	var rec [40]byte
	for id, expiry := range g.seen {
		copy(rec[:32], id[:])
		binary.BigEndian.PutUint64(rec[32:], uint64(expiry))
		buf = append(buf, rec[:]...)
	}

	tmpFile := g.saveFile + ".tmp"
	if err := os.WriteFile(tmpFile, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary replay guard: %w", err)
	}
	if err := os.Rename(tmpFile, g.saveFile); err != nil {
		return fmt.Errorf("failed to rename replay guard: %w", err)
	}
	return nil
}
