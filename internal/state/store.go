package state

import (
	"sync"
	"time"
)

// Store is the in-process backing store for the dialer core: named locks,
// hash maps, sorted sets, lists, and TTL'd scalar keys. Every collection is
// itself guarded by its own mutex; the named locks in lock.go are a
// separate, coarser-grained primitive callers use to make a sequence of
// Store operations atomic from the perspective of other callers (see
// WithLock).
//
// A production deployment would back this with a shared store reachable
// from multiple processes. This implementation keeps everything in one
// process's memory, which is sufficient for a single dialer core instance
// and mirrors how this codebase's lineage already manages call and agent
// state: mutex-guarded maps, not an external dependency.
type Store struct {
	locks *lockTable

	hashMu sync.RWMutex
	hashes map[string]map[string]string

	zsetMu sync.RWMutex
	zsets  map[string]map[string]float64

	listMu sync.Mutex
	lists  map[string][]string

	ttlMu   sync.Mutex
	ttlKeys map[string]time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		locks:   newLockTable(),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		ttlKeys: make(map[string]time.Time),
	}
}

// --- hash ---

// HSet sets a single field in the named hash.
func (s *Store) HSet(hash, field, value string) {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()
	h, ok := s.hashes[hash]
	if !ok {
		h = make(map[string]string)
		s.hashes[hash] = h
	}
	h[field] = value
}

// HGet returns the value of a hash field, or ErrNotFound.
func (s *Store) HGet(hash, field string) (string, error) {
	s.hashMu.RLock()
	defer s.hashMu.RUnlock()
	h, ok := s.hashes[hash]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// HDel removes a hash field. It is a no-op if the field is absent.
func (s *Store) HDel(hash, field string) {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()
	h, ok := s.hashes[hash]
	if !ok {
		return
	}
	delete(h, field)
}

// HGetAll returns a copy of every field in the named hash.
func (s *Store) HGetAll(hash string) map[string]string {
	s.hashMu.RLock()
	defer s.hashMu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.hashes[hash] {
		out[k] = v
	}
	return out
}

// PopHash atomically reads and removes a hash field, returning the prior
// value. It returns ErrNotFound if the field was absent, matching the
// semantics of an hget immediately followed by an hdel on the same
// connection, with nothing else able to observe the field in between.
func (s *Store) PopHash(hash, field string) (string, error) {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()
	h, ok := s.hashes[hash]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	delete(h, field)
	return v, nil
}

// --- sorted set ---

// ZAdd sets a member's score in the named sorted set, inserting it if new.
func (s *Store) ZAdd(set, member string, score float64) {
	s.zsetMu.Lock()
	defer s.zsetMu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		z = make(map[string]float64)
		s.zsets[set] = z
	}
	z[member] = score
}

// ZRem removes a member from the named sorted set.
func (s *Store) ZRem(set, member string) {
	s.zsetMu.Lock()
	defer s.zsetMu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		return
	}
	delete(z, member)
}

// ZCard returns the number of members in the named sorted set.
func (s *Store) ZCard(set string) int {
	s.zsetMu.RLock()
	defer s.zsetMu.RUnlock()
	return len(s.zsets[set])
}

// ZPopMin removes and returns the member with the lowest score, matching
// get_next_available_*_agent's use of zpopmin to pull the agent who has
// been idle longest (idle-since timestamp as score). It returns
// ErrNotFound on an empty set.
func (s *Store) ZPopMin(set string) (string, float64, error) {
	s.zsetMu.Lock()
	defer s.zsetMu.Unlock()
	z, ok := s.zsets[set]
	if !ok || len(z) == 0 {
		return "", 0, ErrNotFound
	}
	member, score := minMember(z)
	delete(z, member)
	return member, score, nil
}

// ZPeekMin returns the member with the lowest score without removing it,
// matching peek_next_available_sales_agent's non-destructive zrange(0, 0).
// It returns ErrNotFound on an empty set.
func (s *Store) ZPeekMin(set string) (string, float64, error) {
	s.zsetMu.RLock()
	defer s.zsetMu.RUnlock()
	z, ok := s.zsets[set]
	if !ok || len(z) == 0 {
		return "", 0, ErrNotFound
	}
	member, score := minMember(z)
	return member, score, nil
}

// ZMembers returns every member of the named sorted set, in ascending
// score order.
func (s *Store) ZMembers(set string) []string {
	s.zsetMu.RLock()
	defer s.zsetMu.RUnlock()
	z := s.zsets[set]
	return sortedByScore(z)
}

// ZScore returns a member's score, or ErrNotFound.
func (s *Store) ZScore(set, member string) (float64, error) {
	s.zsetMu.RLock()
	defer s.zsetMu.RUnlock()
	z, ok := s.zsets[set]
	if !ok {
		return 0, ErrNotFound
	}
	score, ok := z[member]
	if !ok {
		return 0, ErrNotFound
	}
	return score, nil
}

// ZIsMember reports whether member is present in the named sorted set.
func (s *Store) ZIsMember(set, member string) bool {
	s.zsetMu.RLock()
	defer s.zsetMu.RUnlock()
	z, ok := s.zsets[set]
	if !ok {
		return false
	}
	_, ok = z[member]
	return ok
}

func minMember(z map[string]float64) (string, float64) {
	first := true
	var bestMember string
	var bestScore float64
	for m, sc := range z {
		if first || sc < bestScore || (sc == bestScore && m < bestMember) {
			bestMember, bestScore, first = m, sc, false
		}
	}
	return bestMember, bestScore
}

func sortedByScore(z map[string]float64) []string {
	out := make([]string, 0, len(z))
	for m := range z {
		out = append(out, m)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && (z[out[j]] < z[out[j-1]] || (z[out[j]] == z[out[j-1]] && out[j] < out[j-1])); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// --- list ---

// RPush appends a value to the named list, matching
// add_call_to_completed_list's append-only use of the completed-calls list.
func (s *Store) RPush(list, value string) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	s.lists[list] = append(s.lists[list], value)
}

// LPeek returns the head of the named list without removing it, matching
// the waiting-room loop's non-destructive peek before it knows whether an
// agent is actually free to take the call.
func (s *Store) LPeek(list string) (string, bool) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	vals := s.lists[list]
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// LPop removes and returns the head of the named list.
func (s *Store) LPop(list string) (string, bool) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	vals := s.lists[list]
	if len(vals) == 0 {
		return "", false
	}
	head := vals[0]
	remaining := vals[1:]
	if len(remaining) == 0 {
		delete(s.lists, list)
	} else {
		s.lists[list] = remaining
	}
	return head, true
}

// DrainList atomically returns every element of the named list and clears
// it, matching get_and_clear_completed_calls's read-then-truncate pair.
func (s *Store) DrainList(list string) []string {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	vals := s.lists[list]
	delete(s.lists, list)
	return vals
}

// ListLen returns the current length of the named list.
func (s *Store) ListLen(list string) int {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	return len(s.lists[list])
}

// --- TTL keys ---

// SetNX sets a key to a sentinel value with the given TTL only if it is
// not already set (and not expired), matching SYNC_TO_DB_LOCK's set(ex=5,
// nx=True) single-flight guard. It reports whether the key was set.
func (s *Store) SetNX(key string, ttl time.Duration) bool {
	s.ttlMu.Lock()
	defer s.ttlMu.Unlock()
	if exp, ok := s.ttlKeys[key]; ok && time.Now().Before(exp) {
		return false
	}
	s.ttlKeys[key] = time.Now().Add(ttl)
	return true
}

// Exists reports whether a TTL key is currently set and unexpired.
func (s *Store) Exists(key string) bool {
	s.ttlMu.Lock()
	defer s.ttlMu.Unlock()
	exp, ok := s.ttlKeys[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(s.ttlKeys, key)
		return false
	}
	return true
}

// Delete clears a TTL key regardless of expiry.
func (s *Store) Delete(key string) {
	s.ttlMu.Lock()
	defer s.ttlMu.Unlock()
	delete(s.ttlKeys, key)
}
