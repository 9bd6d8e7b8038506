package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
)

var (
	ErrVersionConflict = errors.New("cache_version_conflict")
	ErrStaleWrite      = errors.New("cache_stale_write")
	ErrEntryNotFound   = errors.New("cache_entry_not_found")
)

type SyncStatus string

const (
	StatusClean   SyncStatus = "clean"
	StatusDirty   SyncStatus = "dirty"
	StatusSyncing SyncStatus = "syncing"
)

// Loader reads the live grants of one customer feature from the durable store.
type Loader interface {
	LoadGrants(ctx context.Context, customerID, featureID string) ([]grantdomain.Grant, error)
}

type LoaderFunc func(ctx context.Context, customerID, featureID string) ([]grantdomain.Grant, error)

func (f LoaderFunc) LoadGrants(ctx context.Context, customerID, featureID string) ([]grantdomain.Grant, error) {
	return f(ctx, customerID, featureID)
}

// Snapshot is a copy of one entry. Version is the value a Mutation must expect.
type Snapshot struct {
	Grant   grantdomain.Grant
	Version int64
	Status  SyncStatus
}

type Mutation struct {
	Grant    grantdomain.Grant
	Expected int64
}

// SyncItem asks for the durable store to catch up with GrantID at Version.
// Grant is the cached state at that version. Reclaimed is set when the entry
// already had a job that never finished it here, typically because another
// replica ran that job.
type SyncItem struct {
	GrantID   snowflake.ID
	Version   int64
	Grant     grantdomain.Grant
	Reclaimed bool
}

type entry struct {
	mu          sync.Mutex
	key         indexKey
	grant       grantdomain.Grant
	version     int64
	synced      int64
	status      SyncStatus
	scheduled   bool
	scheduledAt time.Time
}

func (e *entry) snapshot() Snapshot {
	g := e.grant.Clone()
	g.CacheVersion = e.version
	return Snapshot{Grant: g, Version: e.version, Status: e.status}
}

// schedule requires e.mu held.
func (e *entry) schedule(now time.Time, reclaimed bool) SyncItem {
	e.scheduled = true
	e.scheduledAt = now
	snap := e.snapshot()
	return SyncItem{GrantID: snap.Grant.ID, Version: snap.Version, Grant: snap.Grant, Reclaimed: reclaimed}
}

type Option func(*GrantCache)

// WithClock sets the time source used to age pending sync jobs.
func WithClock(c clock.Clock) Option {
	return func(gc *GrantCache) {
		if c != nil {
			gc.clock = c
		}
	}
}

type indexKey struct {
	customerID string
	featureID  string
}

func newIndexKey(customerID, featureID string) indexKey {
	return indexKey{
		customerID: strings.TrimSpace(customerID),
		featureID:  strings.ToLower(strings.TrimSpace(featureID)),
	}
}

// GrantCache mirrors live grants in memory. Every write is a compare-and-swap on
// the per-grant version; entry locks are held only while copying state.
type GrantCache struct {
	loader Loader
	clock  clock.Clock

	mu      sync.RWMutex
	entries map[snowflake.ID]*entry
	index   map[indexKey][]snowflake.ID
	gens    map[indexKey]uint64
}

func NewGrantCache(loader Loader, opts ...Option) *GrantCache {
	c := &GrantCache{
		loader:  loader,
		clock:   clock.System(),
		entries: make(map[snowflake.ID]*entry),
		index:   make(map[indexKey][]snowflake.ID),
		gens:    make(map[indexKey]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Grants returns snapshots of the customer's grants for featureID, reading
// through to the loader on a miss. Loaded grants never replace entries that
// are already cached.
func (c *GrantCache) Grants(ctx context.Context, customerID, featureID string) ([]Snapshot, error) {
	key := newIndexKey(customerID, featureID)

	for attempt := 0; attempt < 3; attempt++ {
		c.mu.RLock()
		ids, ok := c.index[key]
		gen := c.gens[key]
		if ok {
			out := c.collect(ids)
			c.mu.RUnlock()
			return out, nil
		}
		c.mu.RUnlock()

		grants, err := c.loader.LoadGrants(ctx, key.customerID, key.featureID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gens[key] != gen {
			c.mu.Unlock()
			continue
		}
		if _, raced := c.index[key]; !raced {
			ids := make([]snowflake.ID, 0, len(grants))
			for _, g := range grants {
				if _, exists := c.entries[g.ID]; !exists {
					c.entries[g.ID] = &entry{
						key:     key,
						grant:   g.Clone(),
						version: g.CacheVersion,
						synced:  g.CacheVersion,
						status:  StatusClean,
					}
				}
				ids = append(ids, g.ID)
			}
			c.index[key] = ids
		}
		out := c.collect(c.index[key])
		c.mu.Unlock()
		return out, nil
	}
	return nil, ErrVersionConflict
}

// collect requires c.mu held.
func (c *GrantCache) collect(ids []snowflake.ID) []Snapshot {
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	return out
}

func (c *GrantCache) Get(id snowflake.ID) (Snapshot, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Commit applies every mutation atomically if each entry is still at its
// expected version. It returns the entries that need a sync job enqueued.
func (c *GrantCache) Commit(mutations []Mutation) ([]SyncItem, error) {
	if len(mutations) == 0 {
		return nil, nil
	}
	sorted := make([]Mutation, len(mutations))
	copy(sorted, mutations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Grant.ID < sorted[j].Grant.ID })

	c.mu.RLock()
	locked := make([]*entry, 0, len(sorted))
	for i, m := range sorted {
		if i > 0 && sorted[i-1].Grant.ID == m.Grant.ID {
			c.mu.RUnlock()
			return nil, ErrVersionConflict
		}
		e, ok := c.entries[m.Grant.ID]
		if !ok {
			c.mu.RUnlock()
			return nil, ErrVersionConflict
		}
		locked = append(locked, e)
	}
	c.mu.RUnlock()

	for _, e := range locked {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range locked {
			e.mu.Unlock()
		}
	}()

	for i, e := range locked {
		if e.version != sorted[i].Expected {
			return nil, ErrVersionConflict
		}
	}

	now := c.clock.Now()
	items := make([]SyncItem, 0, len(locked))
	for i, e := range locked {
		e.version++
		e.grant = sorted[i].Grant.Clone()
		e.grant.CacheVersion = e.version

		wasSyncing := e.status == StatusSyncing
		e.status = StatusDirty
		if !wasSyncing && !e.scheduled {
			items = append(items, e.schedule(now, false))
		}
	}
	return items, nil
}

// BeginSync moves the entry to syncing and returns what should be written.
// The boolean is false when the durable store already has this version.
func (c *GrantCache) BeginSync(id snowflake.ID) (Snapshot, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, ErrEntryNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduled = false
	if e.synced >= e.version {
		e.status = StatusClean
		return e.snapshot(), false, nil
	}
	e.status = StatusSyncing
	return e.snapshot(), true, nil
}

// FinishSync records that version is durable. If the entry moved on meanwhile
// it stays dirty, is marked scheduled and ErrStaleWrite tells the caller to
// enqueue another sync.
func (c *GrantCache) FinishSync(id snowflake.ID, version int64) error {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if version > e.synced {
		e.synced = version
	}
	if e.version == version {
		e.status = StatusClean
		e.scheduled = false
		return nil
	}
	e.status = StatusDirty
	e.scheduled = true
	e.scheduledAt = c.clock.Now()
	return ErrStaleWrite
}

// FailSync returns a syncing entry to dirty so a later job or sweep retries it.
func (c *GrantCache) FailSync(id snowflake.ID) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.status == StatusSyncing {
		e.status = StatusDirty
	}
	e.mu.Unlock()
}

// ClaimUnscheduled marks dirty entries without a pending job as scheduled and
// returns them. With reclaimAfter > 0 it also takes back entries whose job was
// scheduled longer ago than that without finishing them here.
func (c *GrantCache) ClaimUnscheduled(limit int, reclaimAfter time.Duration) []SyncItem {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SyncItem, 0)
	for _, e := range c.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		e.mu.Lock()
		if e.status == StatusDirty {
			overdue := e.scheduled && reclaimAfter > 0 && now.Sub(e.scheduledAt) >= reclaimAfter
			if !e.scheduled || overdue {
				out = append(out, e.schedule(now, overdue))
			}
		}
		e.mu.Unlock()
	}
	return out
}

// Unschedule clears the scheduled mark, used when enqueueing a sync failed.
func (c *GrantCache) Unschedule(items []SyncItem) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, item := range items {
		e, ok := c.entries[item.GrantID]
		if !ok {
			continue
		}
		e.mu.Lock()
		e.scheduled = false
		e.mu.Unlock()
	}
}

// Invalidate forgets the grant list of a customer feature so the next read
// reloads it. Clean entries are dropped, dirty ones are kept.
func (c *GrantCache) Invalidate(customerID, featureID string) {
	key := newIndexKey(customerID, featureID)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.index[key] {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		drop := e.status == StatusClean && !e.scheduled
		e.mu.Unlock()
		if drop {
			delete(c.entries, id)
		}
	}
	delete(c.index, key)
	c.gens[key]++
}

// Remove drops grants entirely, pending state included.
func (c *GrantCache) Remove(ids ...snowflake.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		delete(c.entries, id)
		delete(c.index, e.key)
		c.gens[e.key]++
	}
}

// Stats counts entries per status.
func (c *GrantCache) Stats() map[SyncStatus]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := map[SyncStatus]int{StatusClean: 0, StatusDirty: 0, StatusSyncing: 0}
	for _, e := range c.entries {
		e.mu.Lock()
		out[e.status]++
		e.mu.Unlock()
	}
	return out
}
