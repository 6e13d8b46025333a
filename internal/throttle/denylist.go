// Package throttle delays update cycles of administratively listed shoppers.
package throttle

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Persister keeps denylist members across restarts.
type Persister interface {
	Load() ([]string, error)
	Save(id string) error
	Delete(id string) error
}

// Denylist is a set of subject identifiers safe for concurrent use.
type Denylist struct {
	mu        sync.RWMutex
	members   map[string]struct{}
	persister Persister
}

// NewDenylist returns an empty in-memory denylist.
func NewDenylist() *Denylist {
	return &Denylist{members: make(map[string]struct{})}
}

// NewPersistentDenylist loads members from p and writes every change
// through to it.
func NewPersistentDenylist(p Persister) (*Denylist, error) {
	ids, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("loading denylist: %w", err)
	}
	d := &Denylist{members: make(map[string]struct{}, len(ids)), persister: p}
	for _, id := range ids {
		d.members[id] = struct{}{}
	}
	return d, nil
}

// Add inserts id. It reports false when id was already a member.
func (d *Denylist) Add(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.members[id]; ok {
		return false, nil
	}
	if d.persister != nil {
		if err := d.persister.Save(id); err != nil {
			return false, fmt.Errorf("saving %q: %w", id, err)
		}
	}
	d.members[id] = struct{}{}
	return true, nil
}

// Remove deletes id. It reports false when id was not a member.
func (d *Denylist) Remove(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.members[id]; !ok {
		return false, nil
	}
	if d.persister != nil {
		if err := d.persister.Delete(id); err != nil {
			return false, fmt.Errorf("deleting %q: %w", id, err)
		}
	}
	delete(d.members, id)
	return true, nil
}

func (d *Denylist) Contains(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[id]
	return ok
}

// List returns the members in sorted order.
func (d *Denylist) List() []string {
	d.mu.RLock()
	ids := maps.Keys(d.members)
	d.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
