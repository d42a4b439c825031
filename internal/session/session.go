// Package session persists and reuses KV-cache state across requests that
// share a logical session id: a saved session is a (path, session_id) pair
// on disk plus the token history it was captured with. match_prefix decides
// how much of a previously-decoded prefix a new prompt can reuse without a
// fresh prefill.
package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/noxrun/noxrun/internal/backend"
)

// Record is one logical session's on-disk state: the token history it was
// saved with, alongside the state blob path backend.Context.StateSaveFile
// wrote.
type Record struct {
	ID     string
	Path   string
	Tokens []backend.TokenID
}

// Store manages session files under one directory, keyed by logical
// session id. Saves for the same id are serialised; distinct ids may
// save concurrently.
type Store struct {
	dir string
	ctx backend.Context

	mu      sync.Mutex
	records map[string]*Record
	saving  map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, ctx backend.Context) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create store dir: %w", err)
	}
	return &Store{
		dir:     dir,
		ctx:     ctx,
		records: map[string]*Record{},
		saving:  map[string]*sync.Mutex{},
	}, nil
}

func (s *Store) saveLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.saving[id]
	if !ok {
		l = &sync.Mutex{}
		s.saving[id] = l
	}
	return l
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".state")
}

func sanitizeID(id string) string {
	b := make([]byte, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b = append(b, byte(r))
		} else {
			b = append(b, '_')
		}
	}
	if len(b) == 0 {
		return "default"
	}
	return string(b)
}

// Save writes the backend state for the given token history under id,
// atomically overwriting any previous record for the same session: the
// state is staged to a sibling temp file and renamed into place, so a
// crash mid-save leaves the old session intact rather than a torn file.
func (s *Store) Save(id string, tokens []backend.TokenID) error {
	l := s.saveLock(id)
	l.Lock()
	defer l.Unlock()

	path := s.pathFor(id)
	tmp := path + ".tmp"
	if err := s.ctx.StateSaveFile(tmp, tokens); err != nil {
		return fmt.Errorf("session: save %q: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: save %q: %w", id, err)
	}
	s.mu.Lock()
	s.records[id] = &Record{ID: id, Path: path, Tokens: append([]backend.TokenID{}, tokens...)}
	s.mu.Unlock()
	return nil
}

// Load restores a session's backend state. A corrupt or unreadable file is
// treated as if the session never existed: it is removed and (nil, false,
// nil) is returned rather than surfacing a hard error, so one bad session
// file cannot take the whole load path down.
func (s *Store) Load(id string, maxTokens int) (*Record, bool, error) {
	path := s.pathFor(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, false, nil
	}

	tokens, err := s.ctx.StateLoadFile(path, maxTokens)
	if err != nil {
		_ = os.Remove(path)
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		return nil, false, nil
	}

	rec := &Record{ID: id, Path: path, Tokens: tokens}
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	return rec, true, nil
}

// MatchPrefix decides how many tokens of a previous session can be kept in
// the KV cache when continuing with newPrompt, against the preserved
// window of nKeep leading tokens a context shift never discards:
//
//  1. If oldTokens is shorter than nKeep, a shift could never have touched
//     it; fall back to the simple common-prefix length.
//  2. Otherwise, check that the first nKeep tokens still match. If they
//     do, assume the old session dropped gap = max(0, len(newPrompt) -
//     len(oldTokens)) tokens from the middle during windowing, and verify
//     that oldTokens[nKeep:] lines up with newPrompt[nKeep+gap:]. When it
//     does, the entire old session is reusable.
//  3. If either the preserved prefix or the shifted-suffix check fails,
//     fall back to the simple common-prefix length.
//  4. When oldTokens is strictly longer than newPrompt and any match was
//     found, decrement the result by one token before returning. This
//     looks redundant with steps 1-3 but guards against a real failure
//     mode: the last token of a finished decode can carry a logit state
//     computed for an old continuation the new, shorter prompt never
//     decoded, so reusing it verbatim would sample from stale logits.
//     Dropping one token forces that position to be re-decoded.
func MatchPrefix(oldTokens, newPrompt []backend.TokenID, nKeep int) int {
	var matched int
	switch {
	case len(oldTokens) < nKeep:
		matched = commonPrefixLen(oldTokens, newPrompt)
	case len(newPrompt) < nKeep || !tokensEqual(oldTokens[:nKeep], newPrompt[:nKeep]):
		matched = commonPrefixLen(oldTokens, newPrompt)
	default:
		gap := 0
		if len(newPrompt) > len(oldTokens) {
			gap = len(newPrompt) - len(oldTokens)
		}
		if shiftedSuffixMatches(oldTokens, newPrompt, nKeep, gap) {
			matched = len(oldTokens)
		} else {
			matched = commonPrefixLen(oldTokens, newPrompt)
		}
	}

	if len(oldTokens) > len(newPrompt) && matched > 0 {
		matched--
	}
	return matched
}

func commonPrefixLen(a, b []backend.TokenID) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func tokensEqual(a, b []backend.TokenID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// shiftedSuffixMatches verifies that everything past the preserved nKeep
// prefix of oldTokens reappears in newPrompt at the position a context
// shift of width gap would have moved it to — the check that lets a whole
// shifted session be reused instead of falling back to a short literal
// prefix match.
func shiftedSuffixMatches(oldTokens, newPrompt []backend.TokenID, nKeep, gap int) bool {
	for i := nKeep; i < len(oldTokens); i++ {
		j := i + gap
		if j >= len(newPrompt) || newPrompt[j] != oldTokens[i] {
			return false
		}
	}
	return true
}

// Hash is a cheap fingerprint of a token sequence, useful for cache-key
// style diagnostics; not used for correctness decisions.
func Hash(toks []backend.TokenID) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	buf := make([]byte, 4)
	for _, t := range toks {
		binary.LittleEndian.PutUint32(buf, uint32(t))
		for _, b := range buf {
			h ^= uint64(b)
			h *= 1099511628211
		}
	}
	return h
}
