package ipreputation

import (
	"net"
	"sync/atomic"
)

// Verdict is the outcome of an IP reputation lookup.
type Verdict int

const (
	Unknown Verdict = iota
	Allowed
	Blocked
)

// Engine holds the current allow/block tries behind atomic pointers so that
// reload publishes a brand-new pair without ever mutating a trie any
// in-flight lookup might be reading.
type Engine struct {
	blocklist atomic.Pointer[Trie]
	allowlist atomic.Pointer[Trie]
}

// NewEngine returns an engine with empty allow/block tries.
func NewEngine() *Engine {
	e := &Engine{}
	e.blocklist.Store(NewTrie())
	e.allowlist.Store(NewTrie())
	return e
}

// Check resolves the reputation of ip. The allowlist is checked first and
// unconditionally: if both lists match, the request is allowed.
func (e *Engine) Check(ip net.IP) Verdict {
	if e.allowlist.Load().Contains(ip) {
		return Allowed
	}
	if e.blocklist.Load().Contains(ip) {
		return Blocked
	}
	return Unknown
}

// LoadBlocklist loads a new blocklist trie from path and atomically swaps
// it in, returning the number of terminal entries loaded.
func (e *Engine) LoadBlocklist(path string) (int, []string, error) {
	trie, warnings, err := LoadTrieFromFile(path)
	if err != nil {
		return 0, nil, err
	}
	e.blocklist.Store(trie)
	return trie.Len(), warnings, nil
}

// LoadAllowlist loads a new allowlist trie from path and atomically swaps
// it in, returning the number of terminal entries loaded.
func (e *Engine) LoadAllowlist(path string) (int, []string, error) {
	trie, warnings, err := LoadTrieFromFile(path)
	if err != nil {
		return 0, nil, err
	}
	e.allowlist.Store(trie)
	return trie.Len(), warnings, nil
}

// Reload reconstructs both lists from the given paths. An empty path
// resets that list to empty rather than leaving the previous one in place,
// mirroring the "None path clears the list" behavior the reference
// implementation uses for config reload.
func (e *Engine) Reload(blocklistPath, allowlistPath string) error {
	if blocklistPath == "" {
		e.blocklist.Store(NewTrie())
	} else if _, _, err := e.LoadBlocklist(blocklistPath); err != nil {
		return err
	}
	if allowlistPath == "" {
		e.allowlist.Store(NewTrie())
	} else if _, _, err := e.LoadAllowlist(allowlistPath); err != nil {
		return err
	}
	return nil
}
