// Package memstore is an in-memory stand-in for the pgx repositories,
// used by service tests. It models the parts of Postgres the services
// rely on: FOR UPDATE row locks held until commit or rollback, rollback
// of every write made inside a transaction, and the unique indexes that
// back idempotency.
//
// It is test infrastructure shared across packages; production code must
// not import it.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

type Store struct {
	mu sync.Mutex

	accounts map[uuid.UUID]*models.Account
	sessions map[uuid.UUID]*models.Session
	ledger   []*models.WalletTransaction
	charges  map[uuid.UUID]*models.Charge
	plans    map[uuid.UUID]*models.Plan
	apiKeys  map[uuid.UUID]*models.APIKey

	rowLocks map[string]*sync.Mutex
	failures map[string]error

	Now func() time.Time
}

func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*models.Account),
		sessions: make(map[uuid.UUID]*models.Session),
		charges:  make(map[uuid.UUID]*models.Charge),
		plans:    make(map[uuid.UUID]*models.Plan),
		apiKeys:  make(map[uuid.UUID]*models.APIKey),
		rowLocks: make(map[string]*sync.Mutex),
		failures: make(map[string]error),
		Now:      time.Now,
	}
}

// FailNext makes the next call of the named operation return err.
// Operation names match the repository method names.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// injected must be called with s.mu held.
func (s *Store) injected(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

func (s *Store) rowLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[key] = m
	}
	return m
}

// Begin starts a transaction. It satisfies repository.TxBeginner.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{store: s, held: map[string]*sync.Mutex{}}, nil
}

var _ repository.TxBeginner = (*Store)(nil)

// Tx implements pgx.Tx for the methods the services call. Anything else
// panics through the nil embedded interface.
type Tx struct {
	pgx.Tx

	store *Store
	held  map[string]*sync.Mutex
	order []string
	undo  []func()
	done  bool
}

func (t *Tx) lock(key string) {
	if t == nil {
		return
	}
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.store.rowLock(key)
	m.Lock()
	t.held[key] = m
	t.order = append(t.order, key)
}

// record must be called with store.mu held.
func (t *Tx) record(fn func()) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

func (t *Tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.held[t.order[i]].Unlock()
	}
	t.held = nil
	t.order = nil
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	t.release()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.release()
	return nil
}

func asTx(tx pgx.Tx) *Tx {
	mt, _ := tx.(*Tx)
	return mt
}

var errClosed = errors.New("memstore: transaction already closed")

func checkOpen(tx *Tx) error {
	if tx != nil && tx.done {
		return errClosed
	}
	return nil
}

// --- seeding and inspection helpers ---

func (s *Store) AddAccount(a *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AccountActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now()
		a.UpdatedAt = a.CreatedAt
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return a
}

func (s *Store) AddPlan(p *models.Plan) *models.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PlanActive
	}
	cp := *p
	s.plans[p.ID] = &cp
	return p
}

func (s *Store) AddSession(sess *models.Session) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.Now()
	}
	if sess.LastActive.IsZero() {
		sess.LastActive = sess.CreatedAt
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return sess
}

func (s *Store) AddAPIKey(k *models.APIKey) *models.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	cp := *k
	s.apiKeys[k.ID] = &cp
	return k
}

// Account returns a snapshot of the stored account.
func (s *Store) Account(id uuid.UUID) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// Charge returns a snapshot of the stored charge.
func (s *Store) Charge(id uuid.UUID) *models.Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Ledger returns the account's wallet transactions in write order.
func (s *Store) Ledger(accountID uuid.UUID) []*models.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WalletTransaction
	for _, t := range s.ledger {
		if t.AccountID == accountID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// SessionCount returns the number of live sessions for the account.
func (s *Store) SessionCount(accountID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.AccountID == accountID {
			n++
		}
	}
	return n
}

// Repository views. Each satisfies the narrow interfaces declared by the
// consuming service packages.

func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s} }
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s} }
func (s *Store) Wallet() *WalletRepo    { return &WalletRepo{s} }
func (s *Store) Charges() *ChargeRepo   { return &ChargeRepo{s} }
func (s *Store) Plans() *PlanRepo       { return &PlanRepo{s} }
func (s *Store) APIKeys() *APIKeyRepo   { return &APIKeyRepo{s} }
