package ledger

import (
	"context"
	"strings"

	"giftledger/internal/common/events"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
)

// CreateCustomerRequest is the request to register a card holder
type CreateCustomerRequest struct {
	Email      string            `json:"email" validate:"omitempty,email,max=255"`
	Name       string            `json:"name" validate:"max=255"`
	Phone      string            `json:"phone" validate:"max=32"`
	ExternalID string            `json:"external_id" validate:"max=128"`
	Metadata   map[string]string `json:"metadata"`
}

// UpdateCustomerRequest patches a customer. Nil fields are left unchanged.
type UpdateCustomerRequest struct {
	Email      *string           `json:"email" validate:"omitempty,email,max=255"`
	Name       *string           `json:"name" validate:"omitempty,max=255"`
	Phone      *string           `json:"phone" validate:"omitempty,max=32"`
	ExternalID *string           `json:"external_id" validate:"omitempty,max=128"`
	Metadata   map[string]string `json:"metadata"`
}

// CreateCustomer registers a customer for the scope's merchant
func (s *Service) CreateCustomer(ctx context.Context, scope identity.Scope, req CreateCustomerRequest) (*domain.Customer, error) {
	if err := scope.Require(identity.PermCustomersWrite); err != nil {
		return nil, err
	}
	if _, err := s.activeMerchant(ctx, scope.MerchantID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &domain.Customer{
		ID:         newID(),
		MerchantID: scope.MerchantID,
		Email:      strings.TrimSpace(req.Email),
		Name:       strings.TrimSpace(req.Name),
		Phone:      strings.TrimSpace(req.Phone),
		ExternalID: strings.TrimSpace(req.ExternalID),
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertCustomer(ctx, c); err != nil {
		return nil, storeErr(err, "customer")
	}

	s.logger.Info("customer created", "customer_id", c.ID, "merchant_id", c.MerchantID)
	s.publish(ctx, events.EventCustomerCreated, c.MerchantID, "customer", c.ID, customerData(c))
	return c, nil
}

// GetCustomer retrieves a customer by ID
func (s *Service) GetCustomer(ctx context.Context, scope identity.Scope, id string) (*domain.Customer, error) {
	if err := scope.Require(identity.PermCustomersRead); err != nil {
		return nil, err
	}
	c, err := s.store.GetCustomer(ctx, scope.MerchantID, id)
	return c, storeErr(err, "customer")
}

// ListCustomers lists the scope's customers
func (s *Service) ListCustomers(ctx context.Context, scope identity.Scope, f domain.CustomerFilter) ([]*domain.Customer, int64, error) {
	if err := scope.Require(identity.PermCustomersRead); err != nil {
		return nil, 0, err
	}
	f.MerchantID = scope.MerchantID
	f.Limit = clampLimit(f.Limit)
	return s.store.ListCustomers(ctx, f)
}

// UpdateCustomer patches a customer
func (s *Service) UpdateCustomer(ctx context.Context, scope identity.Scope, id string, req UpdateCustomerRequest) (*domain.Customer, error) {
	if err := scope.Require(identity.PermCustomersWrite); err != nil {
		return nil, err
	}
	c, err := s.store.GetCustomer(ctx, scope.MerchantID, id)
	if err != nil {
		return nil, storeErr(err, "customer")
	}

	if req.Email != nil {
		c.Email = strings.TrimSpace(*req.Email)
	}
	if req.Name != nil {
		c.Name = strings.TrimSpace(*req.Name)
	}
	if req.Phone != nil {
		c.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.ExternalID != nil {
		c.ExternalID = strings.TrimSpace(*req.ExternalID)
	}
	if req.Metadata != nil {
		c.Metadata = req.Metadata
	}
	c.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateCustomer(ctx, c); err != nil {
		return nil, storeErr(err, "customer")
	}
	s.publish(ctx, events.EventCustomerUpdated, c.MerchantID, "customer", c.ID, customerData(c))
	return c, nil
}

// CustomerContact returns the email address and name of a card holder.
// Receipts are only sent when the address is non-empty.
func (s *Service) CustomerContact(ctx context.Context, merchantID, customerID string) (email, name string, err error) {
	c, err := s.store.GetCustomer(ctx, merchantID, customerID)
	if err != nil {
		return "", "", storeErr(err, "customer")
	}
	return c.Email, c.Name, nil
}

func customerData(c *domain.Customer) events.CustomerData {
	return events.CustomerData{
		CustomerID: c.ID,
		ExternalID: c.ExternalID,
		Email:      c.Email,
		Name:       c.Name,
	}
}
