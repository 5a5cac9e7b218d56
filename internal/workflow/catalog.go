package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists catalog entries. Implemented by the Postgres store; optional
// so the catalog also works purely in memory (tests, single-node setups).
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	IncrementUsage(ctx context.Context, id string) error
	ListEntries(ctx context.Context) ([]Entry, error)
	SetEntryActive(ctx context.Context, id string, active bool) error
}

// Catalog holds predefined workflow templates and dynamically learned
// workflows. Static entries are seeded at process start and never mutated
// except usage_count/is_active; dynamic entries are append-only.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	staticMap map[string]string // sub-intent -> entry id, deterministic fallback tier
	store     Store
	logger    *log.Logger
}

// NewCatalog creates a catalog seeded with the given entries and static
// sub-intent mapping. The store may be nil.
func NewCatalog(seed []Entry, staticMap map[string]string, store Store, logger *log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CATALOG] ", log.LstdFlags)
	}
	c := &Catalog{
		entries:   make(map[string]*Entry, len(seed)),
		staticMap: make(map[string]string, len(staticMap)),
		store:     store,
		logger:    logger,
	}
	for _, e := range seed {
		if err := ValidateSteps(e.Steps); err != nil {
			return nil, fmt.Errorf("template %s invalid: %w", e.Name, err)
		}
		if e.ID == "" {
			return nil, fmt.Errorf("template %s has no id", e.Name)
		}
		entry := e
		c.entries[entry.ID] = &entry
	}
	for sub, id := range staticMap {
		if _, ok := c.entries[id]; !ok {
			return nil, fmt.Errorf("static mapping for %s references unknown entry %s", sub, id)
		}
		c.staticMap[sub] = id
	}
	return c, nil
}

// Get returns a copy of the entry with the given id.
func (c *Catalog) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ActiveStatic returns active hand-authored templates for a sub-intent,
// ordered by id for deterministic matching.
func (c *Catalog) ActiveStatic(subIntent string) []Entry {
	return c.active(subIntent, false)
}

// ActiveDynamic returns active learned workflows for a sub-intent.
func (c *Catalog) ActiveDynamic(subIntent string) []Entry {
	return c.active(subIntent, true)
}

func (c *Catalog) active(subIntent string, dynamic bool) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, e := range c.entries {
		if !e.IsActive || e.IsDynamic != dynamic {
			continue
		}
		if subIntent != "" && e.SubIntent != subIntent {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StaticMapping returns the canonical template for a sub-intent, if any.
func (c *Catalog) StaticMapping(subIntent string) (Entry, bool) {
	c.mu.RLock()
	id, ok := c.staticMap[subIntent]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e, ok := c.Get(id)
	if !ok || !e.IsActive {
		return Entry{}, false
	}
	return e, true
}

// AppendDynamic adds a learned workflow. The entry is owned by the catalog
// afterwards; its steps are never rewritten. Persistence failures are
// returned but callers are expected to treat the save as fire-and-forget.
func (c *Catalog) AppendDynamic(ctx context.Context, e Entry) (Entry, error) {
	if err := ValidateSteps(e.Steps); err != nil {
		return Entry{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.IsDynamic = true
	e.IsActive = true
	e.UsageCount = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	c.mu.Lock()
	if _, exists := c.entries[e.ID]; exists {
		c.mu.Unlock()
		return Entry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	stored := e
	c.entries[e.ID] = &stored
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.InsertEntry(ctx, e); err != nil {
			return e, fmt.Errorf("persist dynamic workflow %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// IncrementUsage bumps the usage counter for a matched entry. Counters are
// approximate under concurrency; they only break ranking ties. Only dynamic
// entries have a persisted row; static templates count in memory only.
func (c *Catalog) IncrementUsage(ctx context.Context, id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	persisted := ok && e.IsDynamic
	if ok {
		e.UsageCount++
	}
	c.mu.Unlock()
	if c.store != nil && persisted {
		if err := c.store.IncrementUsage(ctx, id); err != nil {
			c.logger.Printf("usage increment for %s failed: %v", id, err)
		}
	}
}

// Deactivate disables an entry for matching while retaining it for audit.
// Static templates are code-defined, so only the in-memory flag changes;
// dynamic entries are also flipped in the store.
func (c *Catalog) Deactivate(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	persisted := ok && e.IsDynamic
	if ok {
		e.IsActive = false
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("entry not found: %s", id)
	}
	if c.store != nil && persisted {
		return c.store.SetEntryActive(ctx, id, false)
	}
	return nil
}

// Entries returns a copy of every entry, active or not.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RefreshFromStore merges persisted dynamic entries into the in-memory view.
// Static entries are code-defined and never replaced by the store. Entries
// written by other replicas appear after a refresh.
func (c *Catalog) RefreshFromStore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	persisted, err := c.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("list catalog entries: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range persisted {
		if !p.IsDynamic {
			continue
		}
		if existing, ok := c.entries[p.ID]; ok {
			existing.UsageCount = p.UsageCount
			existing.IsActive = p.IsActive
			continue
		}
		entry := p
		c.entries[entry.ID] = &entry
	}
	return nil
}
