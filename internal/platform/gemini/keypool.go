package gemini

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tablechat/tablechat-backend/internal/logger"
)

// KeyPool cycles through a fixed set of provider credentials so a
// single rate-limited key does not take the service down. It is shared
// across concurrent requests; all index/failed-set mutation happens
// under the mutex.
type KeyPool struct {
	log *logger.Logger

	mu         sync.Mutex
	keys       []string
	current    int
	failed     map[string]struct{}
	lastReset  time.Time
	resetEvery time.Duration
}

const DefaultResetInterval = 6 * time.Hour

// NewKeyPool parses a comma-separated credential list. An empty list
// is a configuration error: the caller must not serve traffic.
func NewKeyPool(rawKeys string, resetEvery time.Duration, log *logger.Logger) (*KeyPool, error) {
	var keys []string
	for _, k := range strings.Split(rawKeys, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no valid provider credentials supplied")
	}
	if resetEvery <= 0 {
		resetEvery = DefaultResetInterval
	}
	poolLog := log.With("service", "KeyPool")
	poolLog.Info("Credential pool initialized", "pool_size", len(keys), "reset_interval", resetEvery.String())
	return &KeyPool{
		log:        poolLog,
		keys:       keys,
		failed:     map[string]struct{}{},
		lastReset:  time.Now(),
		resetEvery: resetEvery,
	}, nil
}

// Current returns the credential at the current index.
func (p *KeyPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfDueLocked()
	return p.keys[p.current]
}

// Rotate marks the current credential as temporarily failed and
// advances to the next usable one. When every credential is failed the
// set is cleared and rotation moves one slot past the original index,
// so rotation never deadlocks and always terminates in O(pool size).
func (p *KeyPool) Rotate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfDueLocked()

	current := p.keys[p.current]
	p.failed[current] = struct{}{}
	p.log.Info("Marking credential as temporarily failed", "key_suffix", keySuffix(current))

	start := p.current
	for range p.keys {
		p.current = (p.current + 1) % len(p.keys)
		candidate := p.keys[p.current]
		if _, bad := p.failed[candidate]; !bad {
			p.log.Info("Rotated to credential", "key_suffix", keySuffix(candidate))
			return true
		}
	}

	p.log.Warn("All credentials temporarily failed, clearing failed set")
	p.failed = map[string]struct{}{}
	p.current = (start + 1) % len(p.keys)
	return true
}

// AvailableCount returns pool size minus the failed-set size.
func (p *KeyPool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfDueLocked()
	return len(p.keys) - len(p.failed)
}

// Size returns the total pool size.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func (p *KeyPool) resetIfDueLocked() {
	if time.Since(p.lastReset) <= p.resetEvery {
		return
	}
	if len(p.failed) > 0 {
		p.log.Info("Resetting failed credentials after interval", "failed_count", len(p.failed), "interval", p.resetEvery.String())
		p.failed = map[string]struct{}{}
	}
	p.lastReset = time.Now()
}

func keySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return "..." + key[len(key)-4:]
}
