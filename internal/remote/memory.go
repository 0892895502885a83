package remote

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/models"
)

// MemoryStore is a Store held in process memory. It keeps a log of every
// check record it accepted so callers can assert on duplicates.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int
	items   map[string]*models.Item
	byCode  map[string]string
	checks  []CheckRecord
	mutated int
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]*models.Item),
		byCode: make(map[string]string),
		now:    time.Now,
	}
}

// GetByCode returns a copy of the item with code.
func (s *MemoryStore) GetByCode(_ context.Context, code string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	item := *s.items[id]
	return &item, nil
}

// Get returns a copy of the item with id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

// Create stores a new item and returns its id.
func (s *MemoryStore) Create(_ context.Context, req CreateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byCode[req.Code]; taken && req.Code != "" {
		return "", ErrAlreadyExists
	}

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.items[id] = &models.Item{
		ID:        id,
		Code:      req.Code,
		Name:      req.Name,
		Location:  req.Location,
		Quantity:  req.Quantity,
		Notes:     req.Notes,
		UpdatedAt: s.now().UnixMilli(),
	}
	if req.Code != "" {
		s.byCode[req.Code] = id
	}
	s.mutated++
	return id, nil
}

// Update applies the set fields to an existing item.
func (s *MemoryStore) Update(_ context.Context, id string, fields models.ItemFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Apply(fields)
	item.UpdatedAt = s.now().UnixMilli()
	s.mutated++
	return nil
}

// Delete removes an item and its check state.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byCode, item.Code)
	delete(s.items, id)
	s.mutated++
	return nil
}

// CreateCheckRecord marks the item checked and appends to the check log.
func (s *MemoryStore) CreateCheckRecord(_ context.Context, rec CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[rec.EntityID]
	if !ok {
		return ErrNotFound
	}
	item.Checked = true
	item.CheckedBy = rec.CheckedBy
	item.CheckedAt = rec.CheckedAt
	item.UpdatedAt = s.now().UnixMilli()
	s.checks = append(s.checks, rec)
	s.mutated++
	return nil
}

// DeleteCheckRecord clears the checked flag of an item.
func (s *MemoryStore) DeleteCheckRecord(_ context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[entityID]
	if !ok {
		return ErrNotFound
	}
	item.Checked = false
	item.CheckedBy = ""
	item.CheckedAt = 0
	item.UpdatedAt = s.now().UnixMilli()
	s.mutated++
	return nil
}

// List returns every item ordered by code.
func (s *MemoryStore) List(_ context.Context) ([]models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]models.Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	return items, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// CheckRecords returns the check records accepted for entityID, or all of
// them when entityID is empty.
func (s *MemoryStore) CheckRecords(entityID string) []CheckRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CheckRecord
	for _, rec := range s.checks {
		if entityID == "" || rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out
}

// Mutations returns the number of successful mutating calls.
func (s *MemoryStore) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutated
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Lister = (*MemoryStore)(nil)
	_ Pinger = (*MemoryStore)(nil)
)
