package mandate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CustomerRequest registers the account holder with the provider.
type CustomerRequest struct {
	IdempotencyKey string `json:"-"`
	FullName       string `json:"full_name"`
	Phone          string `json:"phone"`
	BVN            string `json:"bvn"`
}

// Customer is the provider's record of the account holder.
type Customer struct {
	ID string `json:"id"`
}

// MandateRequest asks the provider for a direct-debit mandate.
type MandateRequest struct {
	IdempotencyKey string          `json:"-"`
	CustomerID     string          `json:"customer_id"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	Reference      string          `json:"reference"`
}

// Mandate is the provider's pending mandate.
type Mandate struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Provider is the bank-mandate provider. Both calls are idempotent per key;
// errors marked saga.Permanent are not retried.
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, req CustomerRequest) (Customer, error)
	CreateMandate(ctx context.Context, req MandateRequest) (Mandate, error)
}

// SandboxProvider is an in-memory Provider for local runs and tests. It
// returns stable ids per idempotency key.
type SandboxProvider struct {
	mu        sync.Mutex
	customers map[string]Customer
	mandates  map[string]Mandate
}

// NewSandboxProvider returns an empty sandbox.
func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{customers: map[string]Customer{}, mandates: map[string]Mandate{}}
}

// Name returns "sandbox".
func (p *SandboxProvider) Name() string { return "sandbox" }

// CreateCustomer returns the customer for the key, creating it once.
func (p *SandboxProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (Customer, error) {
	if strings.TrimSpace(req.BVN) == "" {
		return Customer{}, fmt.Errorf("bvn is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.customers[req.IdempotencyKey]; ok {
		return c, nil
	}
	c := Customer{ID: "cus_" + uuid.NewString()}
	p.customers[req.IdempotencyKey] = c
	return c, nil
}

// CreateMandate returns the mandate for the key, creating it once.
func (p *SandboxProvider) CreateMandate(ctx context.Context, req MandateRequest) (Mandate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.mandates[req.IdempotencyKey]; ok {
		return m, nil
	}
	m := Mandate{ID: "mdt_" + uuid.NewString(), Status: "pending"}
	p.mandates[req.IdempotencyKey] = m
	return m, nil
}
