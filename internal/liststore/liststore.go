package liststore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rdpguard/internal/ipaddr"
)

// ErrPersistence wraps list file write failures. The in-memory sets are
// rolled back before it is returned, so a failed mutation leaves no trace.
var ErrPersistence = errors.New("list store persist failed")

type Set int

const (
	Allowed Set = iota
	Denied
)

func (s Set) String() string {
	if s == Allowed {
		return "allowed"
	}
	return "denied"
}

// other returns the opposite set, used to keep the two disjoint.
func (s Set) other() Set {
	if s == Allowed {
		return Denied
	}
	return Allowed
}

type AddResult int

const (
	Added AddResult = iota
	AlreadyPresent
)

type RemoveResult int

const (
	Removed RemoveResult = iota
	NotPresent
)

// Store holds the allow and deny sets, each backed by a line-oriented
// file (one address per line, # comments tolerated on load). Every
// mutation is flushed before it is reported successful.
type Store struct {
	mu    sync.Mutex
	paths [2]string
	sets  [2]map[string]struct{}
}

// Open loads both list files. A missing file is an empty set, not an
// error. Lines that do not validate as IPv4 addresses are dropped.
func Open(allowPath, denyPath string) (*Store, error) {
	st := &Store{paths: [2]string{allowPath, denyPath}}
	for _, set := range []Set{Allowed, Denied} {
		entries, err := loadFile(st.paths[set])
		if err != nil {
			return nil, fmt.Errorf("load %s list: %w", set, err)
		}
		st.sets[set] = entries
	}
	// disjointness on disk is not guaranteed (hand edits); deny wins
	for addr := range st.sets[Denied] {
		delete(st.sets[Allowed], addr)
	}
	return st, nil
}

func loadFile(path string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := ipaddr.Parse(strings.Fields(line)[0])
		if err != nil {
			continue
		}
		out[addr] = struct{}{}
	}
	return out, sc.Err()
}

func (st *Store) Contains(set Set, addr string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sets[set][addr]
	return ok
}

// Add inserts addr into set, removing it from the opposite set first so
// the two stay disjoint. Both files are flushed before the mutation is
// reported; on write failure the in-memory state is restored.
func (st *Store) Add(set Set, addr string) (AddResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sets[set][addr]; ok {
		return AlreadyPresent, nil
	}
	_, inOther := st.sets[set.other()][addr]

	delete(st.sets[set.other()], addr)
	st.sets[set][addr] = struct{}{}

	var err error
	if inOther {
		err = st.persist(set.other(), set)
	} else {
		err = st.persist(set)
	}
	if err != nil {
		delete(st.sets[set], addr)
		if inOther {
			st.sets[set.other()][addr] = struct{}{}
		}
		return 0, err
	}
	return Added, nil
}

// Remove deletes addr from set. Removing an absent address is not an
// error.
func (st *Store) Remove(set Set, addr string) (RemoveResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sets[set][addr]; !ok {
		return NotPresent, nil
	}
	delete(st.sets[set], addr)
	if err := st.persist(set); err != nil {
		st.sets[set][addr] = struct{}{}
		return 0, err
	}
	return Removed, nil
}

// All returns the members of set in stable sorted order.
func (st *Store) All(set Set) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.sets[set]))
	for addr := range st.sets[set] {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// persist flushes the given sets. Every temp file is written, synced
// and closed before the first rename happens, so a failed write never
// leaves only one side of a cross-set move committed on disk.
func (st *Store) persist(sets ...Set) error {
	staged := make([]string, 0, len(sets))
	discard := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}
	for _, set := range sets {
		tmp, err := st.stage(set)
		if err != nil {
			discard()
			return err
		}
		staged = append(staged, tmp)
	}
	for i, set := range sets {
		if err := os.Rename(staged[i], st.paths[set]); err != nil {
			discard()
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return nil
}

// stage writes one set to a temp file next to the live file, with an
// fsync before close, ready to be renamed into place.
func (st *Store) stage(set Set) (string, error) {
	path := st.paths[set]
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	addrs := make([]string, 0, len(st.sets[set]))
	for addr := range st.sets[set] {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if _, err := fmt.Fprintln(tmp, addr); err != nil {
			return fail(err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return tmp.Name(), nil
}
