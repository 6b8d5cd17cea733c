package result

import (
	"fmt"
	"os"
	"sync"

	"github.com/tmx-org/tmx/internal/cmn/fileutil"
)

// Store is the process-wide result store of one plan run. Updates from
// concurrent per-guest invokers are serialized behind a mutex; every
// mutation flushes results.yaml atomically before releasing, so an
// interruption at any point leaves a consistent snapshot.
type Store struct {
	mu      sync.Mutex
	path    string
	results []*Result
	index   map[Key]*Result
}

// NewStore creates an empty store flushing to path.
func NewStore(path string) *Store {
	return &Store{path: path, index: map[Key]*Result{}}
}

// LoadStore reads an existing results.yaml into a store. A missing file
// yields an empty store.
func LoadStore(path string) (*Store, error) {
	s := NewStore(path)
	var loaded []*Result
	if err := fileutil.ReadYAML(path, &loaded); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	for _, r := range loaded {
		s.results = append(s.results, r)
		s.index[r.Key()] = r
	}
	return s, nil
}

// Add inserts a result, replacing any previous result with the same
// (serial-number, guest) key while keeping its list position. The store
// is flushed before Add returns.
func (s *Store) Add(r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.index[r.Key()]; ok {
		for i, existing := range s.results {
			if existing == prev {
				s.results[i] = r
				break
			}
		}
	} else {
		s.results = append(s.results, r)
	}
	s.index[r.Key()] = r
	return s.flushLocked()
}

// Update mutates the result with the given key under the store lock and
// flushes. It is the only way execution code modifies a stored result.
func (s *Store) Update(serial int, guest string, mutate func(*Result)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.index[Key{SerialNumber: serial, Guest: guest}]
	if !ok {
		return fmt.Errorf("no result for serial %d on guest %s", serial, guest)
	}
	mutate(r)
	return s.flushLocked()
}

// Get returns a copy of the result with the given key.
func (s *Store) Get(serial int, guest string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.index[Key{SerialNumber: serial, Guest: guest}]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

// Results returns a snapshot copy of all results in insertion order.
func (s *Store) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, *r)
	}
	return out
}

// Flush rewrites results.yaml from the current state.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	return fileutil.WriteYAML(s.path, s.results)
}

// Summary counts outcomes by kind.
type Summary struct {
	Total   int
	ByKind  map[Outcome]int
	Aborted bool
}

// Summarize tallies the store contents.
func (s *Store) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{ByKind: map[Outcome]int{}}
	for _, r := range s.results {
		summary.Total++
		summary.ByKind[r.Result]++
	}
	return summary
}
