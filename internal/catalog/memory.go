package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drluca/shopflow/internal/events"
)

// MemoryStore is an in-memory Store used by tests and the dev setup.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]Product)}
}

func (m *MemoryStore) Create(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	m.products[p.ID] = *p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &p, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	m.products[p.ID] = *p
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.products, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, category string) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Product, 0, len(m.products))
	for _, p := range m.products {
		if category != "" && p.Category != category {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AdjustStock(_ context.Context, id string, delta int) (StockChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return StockChange{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Stock+delta < 0 {
		return StockChange{ProductID: id, OldStock: p.Stock, NewStock: p.Stock},
			fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, id, p.Stock, -delta)
	}
	change := StockChange{ProductID: id, OldStock: p.Stock, NewStock: p.Stock + delta}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	m.products[id] = p
	return change, nil
}

func (m *MemoryStore) DecrementForOrder(_ context.Context, items []events.LineItem) ([]StockAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	adjustments := make([]StockAdjustment, 0, len(items))
	for _, item := range items {
		p, ok := m.products[item.ProductID]
		if !ok || p.Stock < item.Quantity {
			adjustments = append(adjustments, StockAdjustment{
				ProductID:    item.ProductID,
				Requested:    item.Quantity,
				OldStock:     p.Stock,
				NewStock:     p.Stock,
				Insufficient: true,
			})
			continue
		}
		adjustments = append(adjustments, StockAdjustment{
			ProductID: item.ProductID,
			Requested: item.Quantity,
			OldStock:  p.Stock,
			NewStock:  p.Stock - item.Quantity,
		})
		p.Stock -= item.Quantity
		p.UpdatedAt = now
		m.products[item.ProductID] = p
	}
	return adjustments, nil
}
