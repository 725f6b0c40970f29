package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/papertrade/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each account has its own mutex held for the whole of ApplyTrade, so trades
// on one account are linearizable while different accounts only contend on
// the short map updates guarded by mu.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	locks     map[string]*sync.Mutex
	positions map[string]map[string]model.Position // account → asset → position
	ledger    map[string][]model.Transaction       // account → log, oldest first
	lastTS    time.Time
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		locks:     make(map[string]*sync.Mutex),
		positions: make(map[string]map[string]model.Position),
		ledger:    make(map[string][]model.Transaction),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *acct
	s.accounts[acct.ID] = &copy
	s.locks[acct.ID] = &sync.Mutex{}
	s.positions[acct.ID] = make(map[string]model.Position)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ApplyTrade(ctx context.Context, accountID, assetID string, fn TradeFunc) (*Mutation, error) {
	lock, err := s.accountLock(accountID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	acct := *s.accounts[accountID]
	var pos *model.Position
	if p, ok := s.positions[accountID][assetID]; ok {
		pos = &p
	}
	s.mu.RUnlock()

	m, err := fn(acct, pos)
	if err != nil {
		return nil, err
	}

	// Last chance for the caller to walk away; past here the commit is
	// applied in full.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tick()
	m.Transaction.Timestamp = ts
	s.accounts[accountID].Balance = m.Balance
	if m.Position != nil {
		m.Position.UpdatedAt = ts
		s.positions[accountID][assetID] = *m.Position
	} else {
		delete(s.positions[accountID], assetID)
	}
	s.ledger[accountID] = append(s.ledger[accountID], m.Transaction)

	committed := *m
	if m.Position != nil {
		p := *m.Position
		committed.Position = &p
	}
	return &committed, nil
}

func (s *MemoryStore) ReplacePositions(ctx context.Context, accountID string, positions []model.Position) error {
	lock, err := s.accountLock(accountID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	fresh := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		fresh[p.AssetID] = p
	}

	s.mu.Lock()
	s.positions[accountID] = fresh
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, assetID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	p, ok := s.positions[accountID][assetID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	positions := make([]model.Position, 0, len(s.positions[accountID]))
	for _, p := range s.positions[accountID] {
		positions = append(positions, p)
	}
	slices.SortFunc(positions, func(a, b model.Position) int {
		return strings.Compare(a.AssetID, b.AssetID)
	})
	return positions, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return slices.Clone(s.ledger[accountID]), nil
}

// accountLock returns the per-account mutex without holding mu afterwards.
func (s *MemoryStore) accountLock(accountID string) (*sync.Mutex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, ok := s.locks[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return lock, nil
}

// tick returns a commit timestamp strictly after the previous one.
// Caller holds mu.
func (s *MemoryStore) tick() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}
