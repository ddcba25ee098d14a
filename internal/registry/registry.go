// Package registry is the adapter-wide device list: every live device is
// reachable by connection id, by (bus, target, lun) address, and by
// instance name, and all three views must always agree.
package registry

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/wnbd-go/wnbd/internal/model"
)

// Entry is whatever a device engine implements to be registrable.
// Acquire/Release are the rundown-protection hooks: Lookup* calls Acquire
// on the caller's behalf before returning, and the caller must Release
// when done.
type Entry interface {
	Acquire() bool
	Release()
	ConnectionID() uint32
	Address() model.Address
	InstanceName() string
	Info() model.ConnectionInfo
}

// Registry is the adapter-wide device list: one buntdb store holding the
// three key spaces (by name, by connection id, by address) as a single
// transactional unit, so that "all three must agree" is enforced by one
// store's atomicity instead of three maps kept in sync by hand, plus the
// live *Entry values which buntdb (string-valued) cannot hold directly.
type Registry struct {
	mu      sync.Mutex
	db      *buntdb.DB
	devices map[string]Entry // keyed by instance_name
	order   []string         // instance names in insertion order, for Snapshot/List
	bitmap  [model.MaxBuses * model.MaxTargetsPerBus / 64]uint64
}

const (
	nameKeyPrefix   = "name:"
	connIDKeyPrefix = "connid:"
	addrKeyPrefix   = "addr:"
)

// New opens an in-memory registry store.
func New() (*Registry, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("registry: open store: %w", err)
	}
	return &Registry{
		db:      db,
		devices: make(map[string]Entry),
	}, nil
}

// Close releases the backing store. Callers must have already torn down
// every registered device.
func (r *Registry) Close() error {
	return r.db.Close()
}

func connIDKey(connID uint32) string {
	return fmt.Sprintf("%s%d", connIDKeyPrefix, connID)
}

func addrKey(addr model.Address) string {
	return addrKeyPrefix + addr.String()
}

func nameKey(name string) string {
	return nameKeyPrefix + name
}

// AssignAddress finds and sets the lowest clear bit in the address
// bitmap. It does not insert into the registry; Insert does that once the
// device is otherwise ready.
func (r *Registry) AssignAddress() (model.Address, *model.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for word := range r.bitmap {
		if r.bitmap[word] == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^r.bitmap[word])
		r.bitmap[word] |= uint64(1) << uint(b)
		return model.AddressFromBit(word*64 + b), nil
	}
	return model.Address{}, model.New("AssignAddress", model.KindOutOfResources, "no free bus/target slots")
}

// releaseAddressLocked clears the bitmap bit for addr; r.mu must be held.
func (r *Registry) releaseAddressLocked(addr model.Address) {
	bit := int(addr.Bus)*model.MaxTargetsPerBus + int(addr.Target)
	word, mask := bit/64, uint64(1)<<(uint(bit)%64)
	r.bitmap[word] &^= mask
}

// ReleaseAddress clears addr's bitmap bit without touching the three
// indexes. Used by Create to roll back the address assignment when a
// later step (NBD dial, Insert) fails; a failed Create must leave no side
// effects behind.
func (r *Registry) ReleaseAddress(addr model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseAddressLocked(addr)
}

// Insert registers entry under all three indexes atomically. Returns
// NameCollision if instance_name is already registered.
func (r *Registry) Insert(entry Entry) *model.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := entry.InstanceName()
	if _, exists := r.devices[name]; exists {
		return model.NewDevice("Insert", name, model.KindNameCollision, "instance_name already registered")
	}

	err := r.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(nameKey(name), name, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(connIDKey(entry.ConnectionID()), name, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(addrKey(entry.Address()), name, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return model.NewDevice("Insert", name, model.KindInternalError, err.Error())
	}

	r.devices[name] = entry
	r.order = append(r.order, name)
	return nil
}

// Remove deletes entry from all three indexes and clears its address bit.
// Returns NotFound if name isn't registered.
func (r *Registry) Remove(name string) *model.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.devices[name]
	if !exists {
		return model.NewDevice("Remove", name, model.KindNotFound, "instance not registered")
	}

	err := r.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(nameKey(name)); err != nil {
			return err
		}
		if _, err := tx.Delete(connIDKey(entry.ConnectionID())); err != nil {
			return err
		}
		if _, err := tx.Delete(addrKey(entry.Address())); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return model.NewDevice("Remove", name, model.KindInternalError, err.Error())
	}

	delete(r.devices, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.releaseAddressLocked(entry.Address())
	return nil
}

// lookup resolves key through the given buntdb key space, acquires a
// rundown reference on the resolved entry, and returns it. The registry
// lock is held across the buntdb read and the Acquire call; callers
// Release without it.
func (r *Registry) lookup(key string) (Entry, *model.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var name string
	err := r.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		name = v
		return nil
	})
	if err != nil {
		return nil, model.New("Lookup", model.KindNotFound, "no device for key")
	}

	entry, exists := r.devices[name]
	if !exists || !entry.Acquire() {
		return nil, model.New("Lookup", model.KindNotFound, "device past rundown")
	}
	return entry, nil
}

// LookupByName resolves by instance name.
func (r *Registry) LookupByName(name string) (Entry, *model.Error) {
	return r.lookup(nameKey(name))
}

// LookupByConnID resolves by connection id.
func (r *Registry) LookupByConnID(connID uint32) (Entry, *model.Error) {
	return r.lookup(connIDKey(connID))
}

// LookupByAddress resolves by (bus, target, lun).
func (r *Registry) LookupByAddress(addr model.Address) (Entry, *model.Error) {
	return r.lookup(addrKey(addr))
}

// Snapshot produces the device summaries for List, in insertion order.
func (r *Registry) Snapshot() []model.ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]model.ConnectionInfo, 0, len(r.order))
	for _, name := range r.order {
		if entry, exists := r.devices[name]; exists {
			infos = append(infos, entry.Info())
		}
	}
	return infos
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Entries returns every registered entry without acquiring a rundown
// reference on any of them. Used by the cleaner, which only reads
// per-device teardown state (reported_missing, loops exited, rundown
// count) and must not itself hold the device alive.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e)
	}
	return out
}
