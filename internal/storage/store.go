package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one persisted key/value pair
type Entry struct {
	Key       string `gorm:"primaryKey;column:name"`
	Value     []byte
	UpdatedAt time.Time
}

// TableName pins the table name
func (Entry) TableName() string { return "crossrequest_entries" }

// Change is published to subscribers after every write. Deleted is true
// when the key was removed.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is a key/value store backed by SQLite
type Store struct {
	db  *gorm.DB
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// Open opens (or creates) the database at dsn
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		db:   db,
		log:  log,
		subs: make(map[int]chan Change),
	}, nil
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("name = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return e.Value, true, nil
}

// Put stores value under key and notifies subscribers
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	e := Entry{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	s.publish(Change{Key: key, Value: value})
	return nil
}

// Delete removes key and notifies subscribers
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.publish(Change{Key: key, Deleted: true})
	return nil
}

// Subscribe returns a channel receiving subsequent changes and a function
// that ends the subscription. A subscriber that falls behind loses older
// changes but always receives the most recent one.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Change, 16)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Close releases the database handle and ends all subscriptions
func (s *Store) Close() error {
	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// publish never blocks. A full subscriber loses its oldest queued change
// instead of this one, so the latest value of every key is always delivered.
func (s *Store) publish(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- c:
			continue
		default:
		}

		select {
		case old := <-ch:
			s.log.Warn("change subscriber is full, dropping oldest notification", zap.String("key", old.Key))
		default:
		}
		select {
		case ch <- c:
		default:
			s.log.Warn("change subscriber is full, dropping notification", zap.String("key", c.Key))
		}
	}
}
