package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/sirupsen/logrus"

	"termstore/datastore"
	"termstore/snomed"
)

var branchPrefix = ds.NewKey("/branches")

// Registry names the branch tree, persists branch rows in the datastore and
// serializes writers with per-branch commit locks. Readers never block.
type Registry struct {
	ds    datastore.Datastore
	clock *Clock
	log   *logrus.Entry

	mu       sync.RWMutex
	branches map[string]*Branch
}

// NewRegistry loads all persisted branch rows and seeds the clock past the
// highest head seen.
func NewRegistry(ctx context.Context, store datastore.Datastore) (*Registry, error) {
	r := &Registry{
		ds:       store,
		clock:    NewClock(),
		log:      logrus.WithField("component", "branch-registry"),
		branches: map[string]*Branch{},
	}

	kvs, errc, err := store.Iterator(ctx, branchPrefix, false)
	if err != nil {
		return nil, fmt.Errorf("load branches: %w", err)
	}
	for kv := range kvs {
		var b Branch
		if err := json.Unmarshal(kv.Value, &b); err != nil {
			return nil, fmt.Errorf("decode branch row %s: %w", kv.Key, err)
		}
		// Locks do not survive a restart.
		b.Locked = false
		r.branches[b.Path] = &b
		r.clock.Update(b.Head)
	}
	if err, ok := <-errc; ok && err != nil {
		return nil, fmt.Errorf("load branches: %w", err)
	}
	r.log.WithField("count", len(r.branches)).Info("branch registry loaded")
	return r, nil
}

func branchKey(path string) ds.Key {
	return branchPrefix.ChildString(strings.ReplaceAll(path, "/", "."))
}

func (r *Registry) persist(ctx context.Context, b *Branch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode branch %s: %w", b.Path, err)
	}
	if err := r.ds.Put(ctx, branchKey(b.Path), data); err != nil {
		return fmt.Errorf("persist branch %s: %w", b.Path, err)
	}
	return nil
}

// Create adds a branch. The parent must exist unless path is MAIN. The new
// branch's base is the parent's current head.
func (r *Registry) Create(ctx context.Context, path string) (*Branch, error) {
	if !IsValidPath(path) {
		return nil, fmt.Errorf("%w: branch path %q", snomed.ErrInvalidArgument, path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.branches[path]; ok {
		return nil, fmt.Errorf("branch %s: %w", path, snomed.ErrAlreadyExists)
	}

	now := r.clock.Tick()
	b := &Branch{Path: path, Creation: now, Head: now}
	if parent := ParentPath(path); parent != "" {
		p, ok := r.branches[parent]
		if !ok {
			return nil, fmt.Errorf("branch %s: %w", path, snomed.ErrParentMissing)
		}
		b.Base = p.Head
	}
	if err := r.persist(ctx, b); err != nil {
		return nil, err
	}
	r.branches[path] = b
	r.log.WithFields(logrus.Fields{"path": path, "base": b.Base}).Info("branch created")
	return b.clone(), nil
}

// Find returns a copy of the branch row.
func (r *Registry) Find(path string) (*Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.branches[path]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", path, snomed.ErrNotFound)
	}
	return b.clone(), nil
}

// Exists reports branch presence.
func (r *Registry) Exists(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.branches[path]
	return ok
}

// Children lists the direct children of path, sorted by path.
func (r *Registry) Children(path string) []*Branch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Branch
	for p, b := range r.branches {
		if ParentPath(p) == path {
			out = append(out, b.clone())
		}
	}
	sortBranches(out)
	return out
}

// Ancestry returns the branch and every ancestor up to MAIN, nearest first.
func (r *Registry) Ancestry(path string) ([]*Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Branch
	for p := path; p != ""; p = ParentPath(p) {
		b, ok := r.branches[p]
		if !ok {
			return nil, fmt.Errorf("branch %s: %w", p, snomed.ErrNotFound)
		}
		out = append(out, b.clone())
	}
	return out, nil
}

// OpenCommit acquires the branch's exclusive write lock and returns a
// commit whose timepoint is strictly greater than the branch head. At most
// one commit is open per branch; a second writer fails with ErrBranchLocked.
func (r *Registry) OpenCommit(ctx context.Context, path string) (*Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.branches[path]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", path, snomed.ErrNotFound)
	}
	if b.Locked {
		return nil, fmt.Errorf("branch %s: %w", path, snomed.ErrBranchLocked)
	}
	b.Locked = true

	tp := r.clock.Tick()
	if tp <= b.Head {
		// Cannot happen while the clock is registry-wide, but guard anyway.
		tp = b.Head + 1
		r.clock.Update(tp)
	}
	return &Commit{
		registry:  r,
		branch:    b.clone(),
		Timepoint: tp,
	}, nil
}

// closeCommit releases the lock, optionally installing the mutated branch
// row as the new authoritative state.
func (r *Registry) closeCommit(ctx context.Context, c *Commit, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.branches[c.branch.Path]
	if !ok {
		return fmt.Errorf("branch %s: %w", c.branch.Path, snomed.ErrNotFound)
	}
	if success {
		updated := c.branch.clone()
		updated.Locked = false
		if err := r.persist(ctx, updated); err != nil {
			// Leave the lock in place rather than risk doubly-applied state.
			return err
		}
		r.branches[updated.Path] = updated
	} else {
		current.Locked = false
	}
	return nil
}

// Delete removes an empty leaf branch.
func (r *Registry) Delete(ctx context.Context, path string) error {
	if path == Main {
		return fmt.Errorf("%w: cannot delete MAIN", snomed.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.branches[path]
	if !ok {
		return fmt.Errorf("branch %s: %w", path, snomed.ErrNotFound)
	}
	if b.Locked {
		return fmt.Errorf("branch %s: %w", path, snomed.ErrBranchLocked)
	}
	for p := range r.branches {
		if ParentPath(p) == path {
			return fmt.Errorf("%w: branch %s has children", snomed.ErrInvalidArgument, path)
		}
	}
	if err := r.ds.Delete(ctx, branchKey(path)); err != nil {
		return err
	}
	delete(r.branches, path)
	return nil
}

// update applies fn to the branch row under the registry lock and persists
// the result. Used by rebase/promote bookkeeping outside a commit.
func (r *Registry) update(ctx context.Context, path string, fn func(*Branch)) (*Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.branches[path]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", path, snomed.ErrNotFound)
	}
	updated := b.clone()
	fn(updated)
	if err := r.persist(ctx, updated); err != nil {
		return nil, err
	}
	r.branches[path] = updated
	return updated.clone(), nil
}

// Clock exposes the registry clock for components that version their own
// rows under commit timepoints.
func (r *Registry) Clock() *Clock { return r.clock }

func sortBranches(bs []*Branch) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Path < bs[j].Path })
}
