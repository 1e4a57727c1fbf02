package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type AccountRepo struct{ s *Store }

func (r *AccountRepo) Create(_ context.Context, a *models.Account) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Create"); err != nil {
		return err
	}
	for _, other := range s.accounts {
		if strings.EqualFold(other.Email, a.Email) || strings.EqualFold(other.Username, a.Username) || other.PublicID == a.PublicID {
			return repository.ErrDuplicate
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.WalletBalance = decimal.Zero
	a.CreatedAt = s.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (r *AccountRepo) find(match func(*models.Account) bool) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if match(a) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *AccountRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	return r.find(func(a *models.Account) bool { return a.ID == id })
}

func (r *AccountRepo) GetByPublicID(_ context.Context, publicID string) (*models.Account, error) {
	return r.find(func(a *models.Account) bool { return a.PublicID == publicID })
}

func (r *AccountRepo) GetByCredentialKey(_ context.Context, identifier string) (*models.Account, error) {
	return r.find(func(a *models.Account) bool {
		return strings.EqualFold(a.Email, identifier) || strings.EqualFold(a.Username, identifier)
	})
}

func (r *AccountRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	mt := asTx(tx)
	if err := checkOpen(mt); err != nil {
		return nil, err
	}
	mt.lock("account:" + id.String())
	return r.find(func(a *models.Account) bool { return a.ID == id })
}

func (r *AccountRepo) UpdateWalletBalance(_ context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateWalletBalance"); err != nil {
		return err
	}
	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if balance.IsNegative() {
		return repository.ErrStale
	}
	prev := a.WalletBalance
	a.WalletBalance = balance
	asTx(tx).record(func() { a.WalletBalance = prev })
	return nil
}

func (r *AccountRepo) UpdateSubscription(_ context.Context, tx pgx.Tx, id, planID uuid.UUID, expiresAt time.Time, status models.AccountStatus) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateSubscription"); err != nil {
		return err
	}
	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	prevPlan, prevExp, prevStatus := a.SubscriptionPlanID, a.SubscriptionExpiresAt, a.Status
	a.SubscriptionPlanID = &planID
	a.SubscriptionExpiresAt = &expiresAt
	a.Status = status
	asTx(tx).record(func() {
		a.SubscriptionPlanID, a.SubscriptionExpiresAt, a.Status = prevPlan, prevExp, prevStatus
	})
	return nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type SessionRepo struct{ s *Store }

func (r *SessionRepo) CountByAccountTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	if err := checkOpen(asTx(tx)); err != nil {
		return 0, err
	}
	return r.s.SessionCount(accountID), nil
}

func (r *SessionRepo) CreateTx(_ context.Context, tx pgx.Tx, sess *models.Session) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateSession"); err != nil {
		return err
	}
	for _, other := range s.sessions {
		if other.TokenID == sess.TokenID {
			return repository.ErrDuplicate
		}
	}
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	sess.CreatedAt = s.Now()
	sess.LastActive = sess.CreatedAt
	cp := *sess
	s.sessions[sess.ID] = &cp
	id := sess.ID
	asTx(tx).record(func() { delete(s.sessions, id) })
	return nil
}

func (r *SessionRepo) ListByAccountID(_ context.Context, accountID uuid.UUID) ([]*models.Session, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []*models.Session{}
	for _, sess := range s.sessions {
		if sess.AccountID == accountID {
			cp := *sess
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastActive.Equal(list[j].LastActive) {
			return list[i].LastActive.After(list[j].LastActive)
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (r *SessionRepo) get(match func(*models.Session) bool) (*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.sessions {
		if match(sess) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *SessionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	return r.get(func(sess *models.Session) bool { return sess.ID == id })
}

func (r *SessionRepo) GetByTokenID(_ context.Context, tokenID string) (*models.Session, error) {
	return r.get(func(sess *models.Session) bool { return sess.TokenID == tokenID })
}

func (r *SessionRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	sess.LastActive = at
	return nil
}

func (r *SessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (r *SessionRepo) DeleteOldestTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.Session, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.Session
	for _, sess := range s.sessions {
		if sess.AccountID != accountID {
			continue
		}
		if oldest == nil || sess.LastActive.Before(oldest.LastActive) ||
			(sess.LastActive.Equal(oldest.LastActive) && sess.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = sess
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	delete(s.sessions, oldest.ID)
	removed := oldest
	asTx(tx).record(func() { s.sessions[removed.ID] = removed })
	cp := *oldest
	return &cp, nil
}

func (r *SessionRepo) DeleteIdleSince(_ context.Context, cutoff time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Wallet ledger
// ---------------------------------------------------------------------------

type WalletRepo struct{ s *Store }

func (r *WalletRepo) CreateTx(_ context.Context, tx pgx.Tx, t *models.WalletTransaction) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateWalletTx"); err != nil {
		return err
	}
	if t.Type == models.WalletCredit && t.ExternalRef != nil {
		for _, other := range s.ledger {
			if other.AccountID == t.AccountID && other.Type == models.WalletCredit &&
				other.ExternalRef != nil && *other.ExternalRef == *t.ExternalRef {
				return repository.ErrDuplicate
			}
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = s.Now()
	cp := *t
	s.ledger = append(s.ledger, &cp)
	asTx(tx).record(func() {
		for i, e := range s.ledger {
			if e.ID == cp.ID {
				s.ledger = append(s.ledger[:i], s.ledger[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *WalletRepo) GetCreditByExternalRefTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID, ref string) (*models.WalletTransaction, error) {
	if err := checkOpen(asTx(tx)); err != nil {
		return nil, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.ledger {
		if t.AccountID == accountID && t.Type == models.WalletCredit && t.ExternalRef != nil && *t.ExternalRef == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *WalletRepo) ListByAccountID(_ context.Context, accountID uuid.UUID) ([]*models.WalletTransaction, error) {
	list := r.s.Ledger(accountID)
	if list == nil {
		list = []*models.WalletTransaction{}
	}
	return list, nil
}

// ---------------------------------------------------------------------------
// Charges
// ---------------------------------------------------------------------------

type ChargeRepo struct{ s *Store }

func (r *ChargeRepo) CreateTx(_ context.Context, tx pgx.Tx, c *models.Charge) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateCharge"); err != nil {
		return err
	}
	for _, other := range s.charges {
		if other.Reference == c.Reference {
			return repository.ErrDuplicate
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = models.ChargePending
	c.CreatedAt = s.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.charges[c.ID] = &cp
	id := c.ID
	asTx(tx).record(func() { delete(s.charges, id) })
	return nil
}

func (r *ChargeRepo) AttachOrder(_ context.Context, id uuid.UUID, orderID string, raw json.RawMessage) error {
	s := r.s
	// A plain UPDATE waits for the row lock of a settling transaction.
	m := s.rowLock("charge:" + id.String())
	m.Lock()
	defer m.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[id]
	if !ok || c.Status != models.ChargePending {
		return repository.ErrStale
	}
	for _, other := range s.charges {
		if other.ID != id && other.Gateway == c.Gateway && other.GatewayOrderID != nil && *other.GatewayOrderID == orderID {
			return repository.ErrDuplicate
		}
	}
	c.GatewayOrderID = &orderID
	if len(raw) > 0 {
		c.RawPayload = raw
	}
	c.UpdatedAt = s.Now()
	return nil
}

func (r *ChargeRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	s := r.s
	m := s.rowLock("charge:" + id.String())
	m.Lock()
	defer m.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[id]
	if !ok || c.Status != models.ChargePending {
		return repository.ErrStale
	}
	now := s.Now()
	c.Status = models.ChargeFailed
	c.ErrorMessage = &reason
	c.SettledAt = &now
	c.UpdatedAt = now
	return nil
}

func (r *ChargeRepo) find(match func(*models.Charge) bool) (*models.Charge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.charges {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *ChargeRepo) GetByReference(_ context.Context, ref string) (*models.Charge, error) {
	return r.find(func(c *models.Charge) bool { return c.Reference == ref })
}

func (r *ChargeRepo) GetByGatewayOrderID(_ context.Context, gateway, orderID string) (*models.Charge, error) {
	return r.find(func(c *models.Charge) bool {
		return c.Gateway == gateway && c.GatewayOrderID != nil && *c.GatewayOrderID == orderID
	})
}

func (r *ChargeRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Charge, error) {
	mt := asTx(tx)
	if err := checkOpen(mt); err != nil {
		return nil, err
	}
	mt.lock("charge:" + id.String())
	return r.find(func(c *models.Charge) bool { return c.ID == id })
}

func (r *ChargeRepo) CompleteTx(_ context.Context, tx pgx.Tx, id uuid.UUID, status models.ChargeStatus, paymentID *string, raw json.RawMessage, errMsg *string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CompleteTx"); err != nil {
		return err
	}
	c, ok := s.charges[id]
	if !ok || c.Status != models.ChargePending {
		return repository.ErrStale
	}
	if paymentID != nil {
		for _, other := range s.charges {
			if other.ID != id && other.Gateway == c.Gateway && other.GatewayPaymentID != nil && *other.GatewayPaymentID == *paymentID {
				return repository.ErrDuplicate
			}
		}
	}
	prev := *c
	now := s.Now()
	c.Status = status
	if paymentID != nil {
		c.GatewayPaymentID = paymentID
	}
	if len(raw) > 0 {
		c.RawPayload = raw
	}
	c.ErrorMessage = errMsg
	c.SettledAt = &now
	c.UpdatedAt = now
	asTx(tx).record(func() { *c = prev })
	return nil
}

func (r *ChargeRepo) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]*models.Charge, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Charge
	for _, c := range s.charges {
		if c.Status == models.ChargePending && c.CreatedAt.Before(cutoff) {
			cp := *c
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *ChargeRepo) CountPendingByPlanTx(_ context.Context, tx pgx.Tx, planID uuid.UUID) (int, error) {
	if err := checkOpen(asTx(tx)); err != nil {
		return 0, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.charges {
		if c.Status == models.ChargePending && c.PlanID != nil && *c.PlanID == planID {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

type PlanRepo struct{ s *Store }

func (r *PlanRepo) find(id uuid.UUID) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PlanRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	return r.find(id)
}

// GetByIDForShare takes the same exclusive row lock as GetByIDForUpdate;
// the store does not distinguish lock modes.
func (r *PlanRepo) GetByIDForShare(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Plan, error) {
	return r.GetByIDForUpdate(ctx, tx, id)
}

func (r *PlanRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Plan, error) {
	mt := asTx(tx)
	if err := checkOpen(mt); err != nil {
		return nil, err
	}
	mt.lock("plan:" + id.String())
	return r.find(id)
}

func (r *PlanRepo) CreateTx(_ context.Context, tx pgx.Tx, p *models.Plan) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PlanActive
	}
	p.CreatedAt = s.Now()
	cp := *p
	s.plans[p.ID] = &cp
	id := p.ID
	asTx(tx).record(func() { delete(s.plans, id) })
	return nil
}

func (r *PlanRepo) ArchiveTx(_ context.Context, tx pgx.Tx, id, supersededBy uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok || p.Status != models.PlanActive {
		return repository.ErrStale
	}
	prev := *p
	p.Status = models.PlanArchived
	p.SupersededBy = &supersededBy
	asTx(tx).record(func() { *p = prev })
	return nil
}

func (r *PlanRepo) ListActive(_ context.Context) ([]*models.Plan, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []*models.Plan{}
	for _, p := range s.plans {
		if p.Status == models.PlanActive {
			cp := *p
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Price.LessThan(list[j].Price) })
	return list, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

type APIKeyRepo struct{ s *Store }

func (r *APIKeyRepo) FindByKeyHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.KeyHash == keyHash && k.IsActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *APIKeyRepo) Create(_ context.Context, k *models.APIKey) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateAPIKey"); err != nil {
		return err
	}
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	for _, existing := range s.apiKeys {
		if existing.KeyHash == k.KeyHash {
			return repository.ErrDuplicate
		}
	}
	k.CreatedAt = s.Now()
	cp := *k
	s.apiKeys[k.ID] = &cp
	return nil
}

// List returns every key, newest first.
func (r *APIKeyRepo) List(_ context.Context) ([]*models.APIKey, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*models.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		cp := *k
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (r *APIKeyRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return repository.ErrNotFound
	}
	k.IsActive = false
	return nil
}
