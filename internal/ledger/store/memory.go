package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"giftledger/internal/common/database"
	"giftledger/internal/ledger/domain"
)

// Memory is an in-process Store. A single mutex serializes atomic units,
// and writes made inside WithinTx are staged and applied only on success.
type Memory struct {
	mu           sync.Mutex
	merchants    map[string]*domain.Merchant
	cards        map[string]*domain.Card
	transactions map[string]*domain.Transaction
	txOrder      []string
	customers    map[string]*domain.Customer
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		merchants:    map[string]*domain.Merchant{},
		cards:        map[string]*domain.Card{},
		transactions: map[string]*domain.Transaction{},
		customers:    map[string]*domain.Customer{},
	}
}

var _ Store = (*Memory)(nil)

// WithinTx implements Store.
func (s *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:     s,
		cards: map[string]*domain.Card{},
		txns:  map[string]*domain.Transaction{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, c := range tx.cards {
		s.cards[id] = c
	}
	for _, id := range tx.order {
		if _, exists := s.transactions[id]; !exists {
			s.txOrder = append(s.txOrder, id)
		}
		s.transactions[id] = tx.txns[id]
	}
	return nil
}

// InsertMerchant implements Store.
func (s *Memory) InsertMerchant(_ context.Context, m *domain.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.merchants[m.ID]; ok {
		return fmt.Errorf("merchant %s: %w", m.ID, database.ErrAlreadyExists)
	}
	cp := *m
	s.merchants[m.ID] = &cp
	return nil
}

// GetMerchant implements Store.
func (s *Memory) GetMerchant(_ context.Context, id string) (*domain.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merchantLocked(id)
}

func (s *Memory) merchantLocked(id string) (*domain.Merchant, error) {
	m, ok := s.merchants[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// MerchantPartner implements Store.
func (s *Memory) MerchantPartner(ctx context.Context, merchantID string) (string, error) {
	m, err := s.GetMerchant(ctx, merchantID)
	if err != nil {
		return "", err
	}
	if m.PartnerID == nil {
		return "", nil
	}
	return *m.PartnerID, nil
}

// InsertCard implements Store.
func (s *Memory) InsertCard(_ context.Context, c *domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.merchants[c.MerchantID]; !ok {
		return fmt.Errorf("card references unknown merchant: %w", database.ErrNotFound)
	}
	if c.CustomerID != nil {
		if cust, ok := s.customers[*c.CustomerID]; !ok || cust.MerchantID != c.MerchantID {
			return fmt.Errorf("card %s: %w", c.ID, ErrUnknownCustomer)
		}
	}
	for _, existing := range s.cards {
		if existing.ID == c.ID || existing.CardNumber == c.CardNumber || existing.CodeHash == c.CodeHash ||
			(c.TrackHash != nil && existing.TrackHash != nil && *existing.TrackHash == *c.TrackHash) {
			return fmt.Errorf("card number or code collision: %w", database.ErrAlreadyExists)
		}
	}
	s.cards[c.ID] = cloneCard(c)
	return nil
}

// GetCard implements Store.
func (s *Memory) GetCard(_ context.Context, merchantID, id string) (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok || c.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneCard(c), nil
}

// GetCardByNumber implements Store.
func (s *Memory) GetCardByNumber(_ context.Context, cardNumber string) (*domain.Card, error) {
	return s.findCard(func(c *domain.Card) bool { return c.CardNumber == cardNumber })
}

// GetCardByCodeHash implements Store.
func (s *Memory) GetCardByCodeHash(_ context.Context, codeHash string) (*domain.Card, error) {
	return s.findCard(func(c *domain.Card) bool { return c.CodeHash == codeHash })
}

func (s *Memory) findCard(match func(*domain.Card) bool) (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if match(c) {
			return cloneCard(c), nil
		}
	}
	return nil, database.ErrNotFound
}

// ListCards implements Store.
func (s *Memory) ListCards(_ context.Context, f domain.CardFilter) ([]*domain.Card, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Card
	for _, c := range s.cards {
		if c.MerchantID != f.MerchantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.CustomerID != "" && (c.CustomerID == nil || *c.CustomerID != f.CustomerID) {
			continue
		}
		matched = append(matched, cloneCard(c))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, f.Offset, f.Limit), int64(len(matched)), nil
}

// ExpireDueCards implements Store.
func (s *Memory) ExpireDueCards(_ context.Context, now time.Time, limit int) ([]*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Card
	for _, c := range s.cards {
		if c.Status == domain.CardStatusActive && c.IsPastExpiry(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.Card, 0, len(due))
	for _, c := range due {
		c.Status = domain.CardStatusExpired
		c.UpdatedAt = now
		out = append(out, cloneCard(c))
	}
	return out, nil
}

// GetTransaction implements Store.
func (s *Memory) GetTransaction(_ context.Context, merchantID, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok || t.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneTransaction(t), nil
}

// ListTransactions implements Store.
func (s *Memory) ListTransactions(_ context.Context, f domain.TransactionFilter) ([]*domain.Transaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Transaction
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		t := s.transactions[s.txOrder[i]]
		if f.Matches(t) {
			matched = append(matched, cloneTransaction(t))
		}
	}
	return page(matched, f.Offset, f.Limit), int64(len(matched)), nil
}

// Summary implements Store.
func (s *Memory) Summary(_ context.Context, merchantID string, from, to time.Time) ([]domain.SummaryLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := domain.TransactionFilter{MerchantID: merchantID, From: from, To: to}
	byType := map[domain.TransactionType]*domain.SummaryLine{}
	for _, id := range s.txOrder {
		t := s.transactions[id]
		if !f.Matches(t) {
			continue
		}
		l, ok := byType[t.Type]
		if !ok {
			l = &domain.SummaryLine{Type: t.Type}
			byType[t.Type] = l
		}
		l.Count++
		l.Total += t.Amount
		l.Net += t.SignedAmount()
	}

	lines := make([]domain.SummaryLine, 0, len(byType))
	for _, l := range byType {
		lines = append(lines, *l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Type < lines[j].Type })
	return lines, nil
}

// InsertCustomer implements Store.
func (s *Memory) InsertCustomer(_ context.Context, c *domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkExternalIDLocked(c); err != nil {
		return err
	}
	s.customers[c.ID] = cloneCustomer(c)
	return nil
}

func (s *Memory) checkExternalIDLocked(c *domain.Customer) error {
	if c.ExternalID == "" {
		return nil
	}
	for _, existing := range s.customers {
		if existing.ID != c.ID && existing.MerchantID == c.MerchantID && existing.ExternalID == c.ExternalID {
			return fmt.Errorf("customer with external id %s: %w", c.ExternalID, database.ErrAlreadyExists)
		}
	}
	return nil
}

// GetCustomer implements Store.
func (s *Memory) GetCustomer(_ context.Context, merchantID, id string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneCustomer(c), nil
}

// ListCustomers implements Store.
func (s *Memory) ListCustomers(_ context.Context, f domain.CustomerFilter) ([]*domain.Customer, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Customer
	for _, c := range s.customers {
		if c.MerchantID != f.MerchantID {
			continue
		}
		if f.Email != "" && !strings.EqualFold(c.Email, f.Email) {
			continue
		}
		if f.ExternalID != "" && c.ExternalID != f.ExternalID {
			continue
		}
		matched = append(matched, cloneCustomer(c))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, f.Offset, f.Limit), int64(len(matched)), nil
}

// UpdateCustomer implements Store.
func (s *Memory) UpdateCustomer(_ context.Context, c *domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.customers[c.ID]
	if !ok || existing.MerchantID != c.MerchantID {
		return database.ErrNotFound
	}
	if err := s.checkExternalIDLocked(c); err != nil {
		return err
	}
	s.customers[c.ID] = cloneCustomer(c)
	return nil
}

// memTx stages card and transaction writes over the committed maps. The
// store mutex is held for its whole lifetime.
type memTx struct {
	s     *Memory
	cards map[string]*domain.Card
	txns  map[string]*domain.Transaction
	order []string
}

func (t *memTx) card(id string) (*domain.Card, bool) {
	if c, ok := t.cards[id]; ok {
		return c, true
	}
	c, ok := t.s.cards[id]
	return c, ok
}

func (t *memTx) transaction(id string) (*domain.Transaction, bool) {
	if txn, ok := t.txns[id]; ok {
		return txn, true
	}
	txn, ok := t.s.transactions[id]
	return txn, ok
}

func (t *memTx) GetMerchant(_ context.Context, id string) (*domain.Merchant, error) {
	return t.s.merchantLocked(id)
}

func (t *memTx) GetCardForUpdate(_ context.Context, merchantID, id string) (*domain.Card, error) {
	c, ok := t.card(id)
	if !ok || c.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneCard(c), nil
}

func (t *memTx) GetCardByCodeHashForUpdate(_ context.Context, merchantID, codeHash string) (*domain.Card, error) {
	return t.findCard(merchantID, func(c *domain.Card) bool { return c.CodeHash == codeHash })
}

func (t *memTx) GetCardByTrackHashForUpdate(_ context.Context, merchantID, trackHash string) (*domain.Card, error) {
	return t.findCard(merchantID, func(c *domain.Card) bool { return c.TrackHash != nil && *c.TrackHash == trackHash })
}

func (t *memTx) findCard(merchantID string, match func(*domain.Card) bool) (*domain.Card, error) {
	for id := range t.s.cards {
		c, _ := t.card(id)
		if c.MerchantID == merchantID && match(c) {
			return cloneCard(c), nil
		}
	}
	return nil, database.ErrNotFound
}

func (t *memTx) UpdateCard(_ context.Context, c *domain.Card) error {
	if _, ok := t.card(c.ID); !ok {
		return database.ErrNotFound
	}
	if c.CustomerID != nil {
		if cust, ok := t.s.customers[*c.CustomerID]; !ok || cust.MerchantID != c.MerchantID {
			return fmt.Errorf("card %s: %w", c.ID, ErrUnknownCustomer)
		}
	}
	if c.CurrentBalance < 0 {
		return fmt.Errorf("card %s balance would be negative", c.ID)
	}
	t.cards[c.ID] = cloneCard(c)
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	if _, exists := t.transaction(txn.ID); exists {
		return fmt.Errorf("transaction %s: %w", txn.ID, database.ErrConflict)
	}
	if txn.Type == domain.TransactionTypeRefund && txn.LinkedTransactionID != nil {
		if existing, _ := t.FindRefundFor(context.Background(), txn.CardID, *txn.LinkedTransactionID); existing != nil {
			return fmt.Errorf("refund for %s: %w", *txn.LinkedTransactionID, database.ErrConflict)
		}
	}
	t.txns[txn.ID] = cloneTransaction(txn)
	t.order = append(t.order, txn.ID)
	return nil
}

func (t *memTx) LinkTransaction(_ context.Context, id, linkedID string) error {
	txn, ok := t.transaction(id)
	if !ok {
		return database.ErrNotFound
	}
	if txn.LinkedTransactionID != nil {
		return fmt.Errorf("transaction %s already linked: %w", id, database.ErrConflict)
	}
	cp := cloneTransaction(txn)
	cp.LinkedTransactionID = &linkedID
	if _, staged := t.txns[id]; !staged {
		t.order = append(t.order, id)
	}
	t.txns[id] = cp
	return nil
}

func (t *memTx) GetTransaction(_ context.Context, merchantID, id string) (*domain.Transaction, error) {
	txn, ok := t.transaction(id)
	if !ok || txn.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneTransaction(txn), nil
}

func (t *memTx) FindRefundFor(_ context.Context, cardID, redeemID string) (*domain.Transaction, error) {
	check := func(txn *domain.Transaction) bool {
		return txn.CardID == cardID && txn.Type == domain.TransactionTypeRefund &&
			txn.LinkedTransactionID != nil && *txn.LinkedTransactionID == redeemID
	}
	for _, txn := range t.txns {
		if check(txn) {
			return cloneTransaction(txn), nil
		}
	}
	for _, txn := range t.s.transactions {
		if check(txn) {
			return cloneTransaction(txn), nil
		}
	}
	return nil, database.ErrNotFound
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneCard(c *domain.Card) *domain.Card {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	cp := *t
	return &cp
}

func cloneCustomer(c *domain.Customer) *domain.Customer {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
