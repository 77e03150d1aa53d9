package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/internal/storage"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// Key is the storage key holding the persisted configuration
const Key = "config"

// Bounds for user-tunable fields, inclusive
const (
	MinTimeout    = 1000
	MaxTimeout    = 30000
	MinRetries    = 0
	MaxRetries    = 10
	MinRetryDelay = 100
	MaxRetryDelay = 5000
	MinWindowMS   = 100
	MaxWindowMS   = 3600000
	MinRateMax    = 1
	MaxRateMax    = 100000
)

// KV is the persistent key/value store the configuration lives in
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Subscribe() (<-chan storage.Change, func())
}

// ValidationError reports a field outside its allowed range
type ValidationError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s must be between %d and %d, got %d", e.Field, e.Min, e.Max, e.Value)
}

// Store holds the live broker configuration
type Store struct {
	mu  sync.RWMutex
	cfg models.Config
	kv  KV
	log *zap.Logger
}

// New creates a store holding the default configuration. kv may be nil,
// in which case updates are kept in memory only.
func New(kv KV, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		cfg: models.DefaultConfig(),
		kv:  kv,
		log: log,
	}
}

// Get returns a copy of the live configuration
func (s *Store) Get() models.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update validates patch against the live configuration, persists the
// result and makes it live. On error nothing changes.
func (s *Store) Update(ctx context.Context, patch models.ConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := merge(s.cfg, patch)
	if err != nil {
		return err
	}

	if s.kv != nil {
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := s.kv.Put(ctx, Key, raw); err != nil {
			return fmt.Errorf("failed to persist config: %w", err)
		}
	}

	s.cfg = next
	s.log.Info("config updated",
		zap.Int("timeout", next.Timeout),
		zap.Int("maxRetries", next.MaxRetries),
		zap.Int("retryDelay", next.RetryDelay),
		zap.Int("rateWindowMs", next.RateLimit.WindowMS),
		zap.Int("rateMax", next.RateLimit.Max),
	)
	return nil
}

// Seed applies a YAML file on top of the defaults. Missing files are not
// an error.
func (s *Store) Seed(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read settings seed: %w", err)
	}

	var patch models.ConfigPatch
	if err := yaml.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("failed to parse settings seed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := merge(s.cfg, patch)
	if err != nil {
		return fmt.Errorf("invalid settings seed: %w", err)
	}
	s.cfg = next
	return nil
}

// Load merges the persisted configuration, if any, into the live one
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	raw, ok, err := s.kv.Get(ctx, Key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.apply(raw)
	return nil
}

// Watch merges external changes to the persisted configuration in the
// background until ctx is done. Changes pass the same checks as Update.
// The subscription is in place when Watch returns.
func (s *Store) Watch(ctx context.Context) {
	if s.kv == nil {
		return
	}

	changes, cancel := s.kv.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				if c.Key != Key || c.Deleted {
					continue
				}
				s.apply(c.Value)
			}
		}
	}()
}

func (s *Store) apply(raw []byte) {
	var patch models.ConfigPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		s.log.Warn("ignoring malformed persisted config", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := merge(s.cfg, patch)
	if err != nil {
		s.log.Warn("ignoring invalid persisted config", zap.Error(err))
		return
	}
	s.cfg = next
}

// merge returns cur with patch applied. AllowedMethods is never taken from
// the patch and RateLimit is merged field by field.
func merge(cur models.Config, patch models.ConfigPatch) (models.Config, error) {
	next := cur.Clone()

	if patch.Timeout != nil {
		next.Timeout = *patch.Timeout
	}
	if patch.MaxRetries != nil {
		next.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelay != nil {
		next.RetryDelay = *patch.RetryDelay
	}
	if patch.RateLimit != nil {
		if patch.RateLimit.WindowMS != nil {
			next.RateLimit.WindowMS = *patch.RateLimit.WindowMS
		}
		if patch.RateLimit.Max != nil {
			next.RateLimit.Max = *patch.RateLimit.Max
		}
	}

	if err := validate(next); err != nil {
		return cur, err
	}
	return next, nil
}

func validate(c models.Config) error {
	checks := []struct {
		field    string
		v, lo, hi int
	}{
		{"timeout", c.Timeout, MinTimeout, MaxTimeout},
		{"maxRetries", c.MaxRetries, MinRetries, MaxRetries},
		{"retryDelay", c.RetryDelay, MinRetryDelay, MaxRetryDelay},
		{"rateLimit.windowMs", c.RateLimit.WindowMS, MinWindowMS, MaxWindowMS},
		{"rateLimit.max", c.RateLimit.Max, MinRateMax, MaxRateMax},
	}
	for _, ch := range checks {
		if ch.v < ch.lo || ch.v > ch.hi {
			return &ValidationError{Field: ch.field, Value: ch.v, Min: ch.lo, Max: ch.hi}
		}
	}
	return nil
}
