package cors

import (
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRuleNotFound is returned when removing a rule that is not active
var ErrRuleNotFound = errors.New("cors rule not found")

// Grant holds the response headers an active rule adds
var Grant = map[string]string{
	"Access-Control-Allow-Origin":      "*",
	"Access-Control-Allow-Methods":     "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS",
	"Access-Control-Allow-Headers":     "*",
	"Access-Control-Allow-Credentials": "true",
}

// RuleID identifies an installed rule. IDs are never reused.
type RuleID uint64

// Rule grants permissive response headers for one origin
type Rule struct {
	ID          RuleID    `json:"id"`
	Origin      string    `json:"origin"`
	InstalledAt time.Time `json:"installedAt"`
}

// RuleSet holds the active rules
type RuleSet struct {
	mu    sync.RWMutex
	rules map[RuleID]Rule
	next  atomic.Uint64
}

// NewRuleSet creates an empty rule set
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[RuleID]Rule)}
}

// Install activates a rule for origin and returns its id
func (s *RuleSet) Install(origin string) RuleID {
	id := RuleID(s.next.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[id] = Rule{ID: id, Origin: origin, InstalledAt: time.Now()}
	return id
}

// Remove deactivates a rule
func (s *RuleSet) Remove(id RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// Match reports whether any active rule covers origin
func (s *RuleSet) Match(origin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.Origin == origin {
			return true
		}
	}
	return false
}

// Count returns the number of active rules
func (s *RuleSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// List returns the active rules ordered by id
func (s *RuleSet) List() []Rule {
	s.mu.RLock()
	list := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		list = append(list, r)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Origin returns the scheme://host origin of u
func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
