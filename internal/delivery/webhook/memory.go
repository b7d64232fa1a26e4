package webhook

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"giftledger/internal/common/database"
)

// Memory is an in-process Store used by tests and the memory store driver.
type Memory struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	deliveries map[string]*Delivery
}

// NewMemory creates an empty in-memory webhook store
func NewMemory() *Memory {
	return &Memory{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*Delivery),
	}
}

// InsertEndpoint implements Store.
func (m *Memory) InsertEndpoint(_ context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[e.ID]; ok {
		return database.ErrAlreadyExists
	}
	m.endpoints[e.ID] = cloneEndpoint(e)
	return nil
}

// GetEndpoint implements Store.
func (m *Memory) GetEndpoint(_ context.Context, merchantID, id string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneEndpoint(e), nil
}

// ListEndpoints implements Store.
func (m *Memory) ListEndpoints(_ context.Context, merchantID string) ([]*Endpoint, error) {
	return m.filterEndpoints(func(e *Endpoint) bool { return e.MerchantID == merchantID }), nil
}

// Subscribers implements Store.
func (m *Memory) Subscribers(_ context.Context, merchantID, eventType string) ([]*Endpoint, error) {
	return m.filterEndpoints(func(e *Endpoint) bool {
		return e.MerchantID == merchantID && e.Status == EndpointActive && e.Subscribes(eventType)
	}), nil
}

func (m *Memory) filterEndpoints(keep func(*Endpoint) bool) []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Endpoint
	for _, e := range m.endpoints {
		if keep(e) {
			out = append(out, cloneEndpoint(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EnableEndpoint implements Store.
func (m *Memory) EnableEndpoint(_ context.Context, merchantID, id string, at time.Time) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	e.Status = EndpointActive
	e.FailureCount = 0
	e.UpdatedAt = at
	return cloneEndpoint(e), nil
}

// InsertDeliveries implements Store.
func (m *Memory) InsertDeliveries(_ context.Context, ds []*Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		if _, ok := m.deliveries[d.ID]; ok {
			return database.ErrAlreadyExists
		}
	}
	for _, d := range ds {
		m.deliveries[d.ID] = cloneDelivery(d)
	}
	return nil
}

// ListDeliveries implements Store.
func (m *Memory) ListDeliveries(_ context.Context, merchantID, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Delivery
	for _, d := range m.deliveries {
		if d.EndpointID == endpointID && d.MerchantID == merchantID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Delivery, 0, end-offset)
	for _, d := range all[offset:end] {
		out = append(out, cloneDelivery(d))
	}
	return out, total, nil
}

// ClaimDue implements Store.
func (m *Memory) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Delivery
	for _, d := range m.deliveries {
		e, ok := m.endpoints[d.EndpointID]
		if d.Status == DeliveryPending && !d.NextRetryAt.After(now) && ok && e.Status == EndpointActive {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Claim, 0, len(due))
	for _, d := range due {
		d.Attempts++
		d.NextRetryAt = now.Add(lease)
		d.UpdatedAt = now
		e := m.endpoints[d.EndpointID]
		out = append(out, &Claim{Delivery: *cloneDelivery(d), URL: e.URL, Secret: e.Secret})
	}
	return out, nil
}

// MarkDelivered implements Store.
func (m *Memory) MarkDelivered(_ context.Context, deliveryID, endpointID string, responseStatus int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return database.ErrNotFound
	}
	d.Status = DeliveryDelivered
	d.ResponseStatus = &responseStatus
	d.DeliveredAt = &at
	d.LastError = ""
	d.UpdatedAt = at
	if e, ok := m.endpoints[endpointID]; ok {
		e.FailureCount = 0
		e.LastDeliveredAt = &at
		e.UpdatedAt = at
	}
	return nil
}

// RecordFailure implements Store.
func (m *Memory) RecordFailure(_ context.Context, f Failure) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[f.DeliveryID]
	if !ok {
		return false, database.ErrNotFound
	}
	d.Status = DeliveryPending
	if f.Exhausted {
		d.Status = DeliveryFailed
	}
	d.NextRetryAt = f.NextRetryAt
	d.LastError = f.Error
	d.ResponseStatus = f.ResponseStatus
	d.UpdatedAt = f.At

	e, ok := m.endpoints[f.EndpointID]
	if !ok {
		return false, nil
	}
	at := f.At
	e.FailureCount++
	e.LastFailureAt = &at
	e.UpdatedAt = at
	if e.Status == EndpointActive && e.FailureCount >= f.DisableThreshold {
		e.Status = EndpointDisabled
		return true, nil
	}
	return false, nil
}

// Delivery returns a copy of one delivery, for tests.
func (m *Memory) Delivery(id string) (*Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, false
	}
	return cloneDelivery(d), true
}

func cloneEndpoint(e *Endpoint) *Endpoint {
	c := *e
	c.Events = slices.Clone(e.Events)
	return &c
}

func cloneDelivery(d *Delivery) *Delivery {
	c := *d
	c.Payload = slices.Clone(d.Payload)
	return &c
}
