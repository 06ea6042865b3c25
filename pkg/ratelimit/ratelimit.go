package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds sliding-window limiter settings.
type Config struct {
	Enabled bool
	// Window is the span over which requests are counted.
	Window time.Duration
	// Limit is the maximum number of requests per client within the window.
	Limit int
	// CleanupInterval controls how often idle client buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns a limiter config of 120 requests per 60 seconds.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Window:          60 * time.Second,
		Limit:           120,
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter is a per-client sliding-window rate limiter. Each client keeps
// the timestamps of its requests inside the current window; a request is
// allowed when fewer than Limit timestamps remain after pruning.
type Limiter struct {
	config  *Config
	logger  *logrus.Logger
	mutex   sync.Mutex
	clients map[string][]time.Time
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewLimiter creates a sliding-window limiter.
func NewLimiter(config *Config, logger *logrus.Logger) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Limit <= 0 {
		config.Limit = 120
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	return &Limiter{
		config:  config,
		logger:  logger,
		clients: make(map[string][]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Allow reports whether the client may make a request now. Allowed
// requests are recorded against the window.
func (l *Limiter) Allow(clientID string) bool {
	if !l.config.Enabled {
		return true
	}

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	stamps := l.clients[clientID]
	pruned := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= l.config.Limit {
		l.clients[clientID] = pruned
		return false
	}

	l.clients[clientID] = append(pruned, now)
	return true
}

// Remaining returns how many requests the client has left in the window.
func (l *Limiter) Remaining(clientID string) int {
	if !l.config.Enabled {
		return l.config.Limit
	}

	cutoff := l.now().Add(-l.config.Window)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	count := 0
	for _, ts := range l.clients[clientID] {
		if ts.After(cutoff) {
			count++
		}
	}
	if count >= l.config.Limit {
		return 0
	}
	return l.config.Limit - count
}

// Start launches the background cleanup loop.
func (l *Limiter) Start() {
	go l.cleanupLoop()
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-l.config.Window)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	removed := 0
	for clientID, stamps := range l.clients {
		live := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}
		if len(live) == 0 {
			delete(l.clients, clientID)
			removed++
		} else {
			l.clients[clientID] = live
		}
	}

	if removed > 0 && l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"removed_clients": removed,
			"active_clients":  len(l.clients),
		}).Debug("Rate limiter cleanup completed")
	}
}
