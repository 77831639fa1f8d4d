// Package rules manages the operator-editable set of custom WAF rules
// exposed through the admin API's rule CRUD and test endpoints
// (spec.md section 6.3). It holds no engine state itself; the admin server
// re-renders the stored rules into the WAF bridge's directive text and
// triggers a pipeline reload on every mutation.
package rules

import (
	"fmt"
	"strings"
	"sync"
)

// Rule is one operator-added custom SecLang rule.
type Rule struct {
	ID   string `json:"id"`
	Text string `json:"rule"`
}

// Store holds the current custom rule set in insertion order.
type Store struct {
	mu     sync.Mutex
	rules  []Rule
	nextID int
}

// NewStore returns an empty rule store.
func NewStore() *Store {
	return &Store{}
}

// List returns a snapshot of the current rules, oldest first.
func (s *Store) List() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Add appends a new rule and returns it with its assigned id.
func (s *Store) Add(text string) Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r := Rule{ID: fmt.Sprintf("rule-%d", s.nextID), Text: text}
	s.rules = append(s.rules, r)
	return r
}

// Delete removes the rule with the given id, reporting whether it existed.
// Re-adding an identical rule gives it a new id and appends it at the end,
// so the rendered directive text matches its pre-delete form only when the
// deleted rule was the last one.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// RenderDirectives concatenates every stored rule's text into one SecLang
// directive block, in the order the rules were added.
func (s *Store) RenderDirectives() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, r := range s.rules {
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	return b.String()
}
