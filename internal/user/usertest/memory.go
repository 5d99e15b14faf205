// AngelaMos | 2026
// memory.go

// Package usertest provides an in-process user directory for tests.
package usertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/user"
)

// Repository is an in-process user.Repository. Failure can be injected to
// exercise directory error paths.
type Repository struct {
	mu      sync.Mutex
	records map[string]*user.Record
	order   []string
	fail    error
	calls   int
}

var _ user.Repository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{records: make(map[string]*user.Record)}
}

// Fail makes every subsequent call return err wrapped as a
// user.DirectoryError.
// Pass nil to recover.
func (m *Repository) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Calls reports how many repository operations have been attempted.
func (m *Repository) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Repository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Put stores rec as is, bypassing Create's duplicate check.
func (m *Repository) Put(rec *user.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := rec.Clone()
	c.Email = strings.ToLower(c.Email)
	c.WalletAddress = strings.ToLower(c.WalletAddress)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	if _, ok := m.records[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.records[c.ID] = c
}

func (m *Repository) begin(op string) error {
	m.calls++
	if m.fail != nil {
		return &user.DirectoryError{Op: op, Err: m.fail}
	}
	return nil
}

func (m *Repository) GetByID(_ context.Context, id string) (*user.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("get user"); err != nil {
		return nil, err
	}

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *Repository) GetByEmail(_ context.Context, email string) (*user.Record, error) {
	return m.firstMatch("get user by email", func(r *user.Record) bool {
		return r.Email == strings.ToLower(email)
	})
}

func (m *Repository) GetByWalletAddress(
	_ context.Context,
	address string,
) (*user.Record, error) {
	return m.firstMatch("get user by wallet", func(r *user.Record) bool {
		return r.WalletAddress == strings.ToLower(address)
	})
}

func (m *Repository) firstMatch(
	op string,
	match func(*user.Record) bool,
) (*user.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(op); err != nil {
		return nil, err
	}

	for _, id := range m.order {
		if rec := m.records[id]; match(rec) {
			return rec.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", op, core.ErrNotFound)
}

func (m *Repository) Create(_ context.Context, rec *user.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("create user"); err != nil {
		return err
	}

	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("create user: %w", core.ErrDuplicateKey)
	}

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	c := rec.Clone()
	c.Email = strings.ToLower(c.Email)
	c.WalletAddress = strings.ToLower(c.WalletAddress)
	m.records[c.ID] = c
	m.order = append(m.order, c.ID)

	return nil
}

func (m *Repository) Update(
	_ context.Context,
	id string,
	patch user.Patch,
) (*user.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("update user"); err != nil {
		return nil, err
	}

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("update user: %w", core.ErrNotFound)
	}

	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Email != nil {
		rec.Email = strings.ToLower(*patch.Email)
	}
	if patch.WalletAddress != nil {
		rec.WalletAddress = strings.ToLower(*patch.WalletAddress)
	}
	if patch.Role != nil {
		rec.Role = *patch.Role
	}
	if patch.KYCStatus != nil {
		rec.KYCStatus = *patch.KYCStatus
	}
	if patch.ProfileCompleted != nil {
		rec.ProfileCompleted = *patch.ProfileCompleted
	}
	if patch.SubscriptionTier != nil {
		rec.SubscriptionTier = *patch.SubscriptionTier
	}
	if patch.InvestorProfile != nil {
		ip := *patch.InvestorProfile
		rec.InvestorProfile = &ip
	}
	if patch.OriginatorProfile != nil {
		op := *patch.OriginatorProfile
		rec.OriginatorProfile = &op
	}
	rec.UpdatedAt = time.Now()

	return rec.Clone(), nil
}

func (m *Repository) RecordLastLogin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("record last login"); err != nil {
		return err
	}

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record last login: %w", core.ErrNotFound)
	}

	now := time.Now()
	rec.LastLoginAt = &now
	rec.UpdatedAt = now
	return nil
}
