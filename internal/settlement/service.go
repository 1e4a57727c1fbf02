// Package settlement turns verified payments and wallet debits into
// entitlements. Every money movement and the subscription change it buys
// commit in one transaction, and each charge is settled at most once no
// matter how many confirmations or webhooks arrive for it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/gateway"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

var (
	ErrChargeNotFound     = errors.New("charge not found")
	ErrChargeNotOpen      = errors.New("charge has no gateway order yet")
	ErrPlanUnavailable    = errors.New("plan is not available for purchase")
	ErrPlatformNotAllowed = errors.New("plan does not cover this platform")
	ErrTopUpNotAllowed    = errors.New("account has no wallet")
	ErrInvalidAmount      = errors.New("amount must be positive with at most two decimal places")
	ErrAmountTooSmall     = errors.New("amount is below the minimum top-up")
	ErrAccountInactive    = errors.New("account cannot make purchases")
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrCustomerBlocked    = errors.New("customer is blocked")
	ErrInvalidAssignment  = errors.New("plans can only be assigned to another customer account")
)

const staleBatchSize = 100

// Service coordinates charges, wallet movements and subscription changes.
type Service struct {
	DB       repository.TxBeginner
	Accounts AccountStore
	Plans    PlanStore
	Charges  ChargeStore
	Wallet   Wallet
	Gateways Gateways
	Receipts Receipts

	Currency string
	MinTopUp decimal.Decimal
	Now      func() time.Time

	log *zap.SugaredLogger
}

func NewService(db repository.TxBeginner, accounts AccountStore, plans PlanStore, charges ChargeStore, wallet Wallet, gateways Gateways, receipts Receipts, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		DB:       db,
		Accounts: accounts,
		Plans:    plans,
		Charges:  charges,
		Wallet:   wallet,
		Gateways: gateways,
		Receipts: receipts,
		Currency: "INR",
		Now:      time.Now,
		log:      log,
	}
}

// StartRequest opens a checkout. PlanID set means a plan purchase at the
// catalog price; PlanID nil means a wallet top-up of Amount.
type StartRequest struct {
	AccountID uuid.UUID
	PlanID    *uuid.UUID
	Amount    decimal.Decimal
	Gateway   string
	Platform  string
}

// Checkout is what the client needs to pay: our charge and the vendor order.
type Checkout struct {
	Charge *models.Charge `json:"charge"`
	Order  *gateway.Order `json:"order"`
}

// Result is the outcome of a settlement attempt. Duplicate is set when
// the charge was already terminal and nothing was changed.
// CapturedOnFailed marks a captured payment that arrived after the charge
// was closed; the money has to be refunded by an operator.
type Result struct {
	Charge           *models.Charge            `json:"charge"`
	Duplicate        bool                      `json:"duplicate"`
	CapturedOnFailed bool                      `json:"captured_on_failed,omitempty"`
	WalletTx         *models.WalletTransaction `json:"wallet_transaction,omitempty"`
	ExpiresAt        *time.Time                `json:"subscription_expires_at,omitempty"`
}

// settled reports a charge that is already terminal. A failed charge
// keeps answering ErrVerificationFailed, so a repeated confirmation gets
// the same outcome as the first.
func settled(charge *models.Charge) (*Result, error) {
	res := &Result{Charge: charge, Duplicate: true}
	if charge.Status == models.ChargeFailed {
		return res, gateway.ErrVerificationFailed
	}
	return res, nil
}

// StartCharge records a pending charge and opens the matching order with
// the gateway. If the gateway call fails the charge is marked failed
// before returning, so no pending charge is left without an order.
func (s *Service) StartCharge(ctx context.Context, req StartRequest) (*Checkout, error) {
	adapter, err := s.Gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}
	acc, err := s.Accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acc.Status == models.AccountBlocked || acc.Status == models.AccountDeleted {
		return nil, ErrAccountInactive
	}

	charge := &models.Charge{
		Reference: s.Receipts.Next(),
		AccountID: acc.ID,
		PlanID:    req.PlanID,
		Gateway:   adapter.Name(),
		Currency:  s.Currency,
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if req.PlanID != nil {
		plan, err := s.Plans.GetByIDForShare(ctx, tx, *req.PlanID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPlanUnavailable
		}
		if err != nil {
			return nil, fmt.Errorf("load plan: %w", err)
		}
		if plan.Status != models.PlanActive {
			return nil, ErrPlanUnavailable
		}
		if req.Platform != "" && !plan.AllowsPlatform(req.Platform) {
			return nil, ErrPlatformNotAllowed
		}
		charge.Amount = plan.Price
	} else {
		if err := s.checkTopUp(acc, req.Amount); err != nil {
			return nil, err
		}
		charge.Amount = req.Amount
	}

	if err := s.Charges.CreateTx(ctx, tx, charge); err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	order, err := adapter.CreateOrder(ctx, gateway.OrderRequest{
		Amount:        charge.Amount,
		Currency:      charge.Currency,
		Receipt:       charge.Reference,
		CustomerID:    acc.PublicID,
		CustomerEmail: acc.Email,
	})
	if err != nil {
		s.abandon(ctx, charge, err.Error())
		return nil, err
	}
	if err := s.Charges.AttachOrder(context.WithoutCancel(ctx), charge.ID, order.ID, order.Raw); err != nil {
		s.abandon(ctx, charge, "recording gateway order failed")
		return nil, fmt.Errorf("attach order: %w", err)
	}
	charge.GatewayOrderID = &order.ID

	s.log.Infow("charge opened",
		"reference", charge.Reference,
		"gateway", charge.Gateway,
		"order_id", order.ID,
		"amount", charge.Amount.StringFixed(2),
		"top_up", charge.IsTopUp(),
	)
	return &Checkout{Charge: charge, Order: order}, nil
}

func (s *Service) checkTopUp(acc *models.Account, amount decimal.Decimal) error {
	if !acc.Role.CanManageWallet() {
		return ErrTopUpNotAllowed
	}
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	if amount.LessThan(s.MinTopUp) {
		return ErrAmountTooSmall
	}
	return nil
}

// abandon marks a charge failed outside any request deadline.
func (s *Service) abandon(ctx context.Context, charge *models.Charge, reason string) {
	err := s.Charges.MarkFailed(context.WithoutCancel(ctx), charge.ID, reason)
	if err != nil && !errors.Is(err, repository.ErrStale) {
		s.log.Errorw("failed to mark charge failed", "reference", charge.Reference, "error", err)
	}
}

func (s *Service) GetCharge(ctx context.Context, reference string) (*models.Charge, error) {
	c, err := s.Charges.GetByReference(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrChargeNotFound
	}
	return c, err
}

// Settle handles a client confirmation. Gateway outages and payments the
// vendor has not captured yet leave the charge pending. A confirmation
// the vendor rejects fails the charge and returns ErrVerificationFailed
// alongside the result.
func (s *Service) Settle(ctx context.Context, reference string, conf gateway.Confirmation) (*Result, error) {
	charge, err := s.GetCharge(ctx, reference)
	if err != nil {
		return nil, err
	}
	if charge.Status.Terminal() {
		return settled(charge)
	}
	if charge.GatewayOrderID == nil {
		return nil, ErrChargeNotOpen
	}
	if conf.OrderID == "" {
		conf.OrderID = *charge.GatewayOrderID
	}
	if conf.OrderID != *charge.GatewayOrderID {
		return s.reject(ctx, charge, "confirmation is for a different order")
	}

	adapter, err := s.Gateways.Get(charge.Gateway)
	if err != nil {
		return nil, err
	}
	ok, err := adapter.Verify(ctx, conf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reject(ctx, charge, "payment verification failed")
	}

	pay, err := adapter.LookupPayment(ctx, conf.OrderID, conf.PaymentID)
	if err != nil {
		if errors.Is(err, gateway.ErrVerificationFailed) {
			return s.reject(ctx, charge, err.Error())
		}
		return nil, err
	}
	return s.finalize(ctx, charge, pay)
}

// SettleWebhook applies a signature-checked gateway notification. A
// charge the notification fails is reported through the result, not as
// an error. Failed-attempt events never close a charge: the vendor order
// stays payable, and ExpireStalePending closes checkouts nobody paid.
func (s *Service) SettleWebhook(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) (*Result, error) {
	if ev.Kind == gateway.EventIgnored {
		return nil, nil
	}
	charge, err := s.Charges.GetByGatewayOrderID(ctx, gatewayName, ev.OrderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, err
	}
	if charge.Status.Terminal() {
		res := &Result{Charge: charge, Duplicate: true}
		if ev.Kind == gateway.EventPaid && charge.Status == models.ChargeFailed {
			res.CapturedOnFailed = true
			s.log.Errorw("payment captured for a failed charge, refund required",
				"reference", charge.Reference,
				"gateway", gatewayName,
				"order_id", ev.OrderID,
				"payment_id", ev.PaymentID,
				"amount", ev.Amount.StringFixed(2),
			)
		}
		return res, nil
	}
	adapter, err := s.Gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	switch ev.Kind {
	case gateway.EventFailed:
		// Another attempt on the same order may already be captured.
		pay, err := adapter.LookupPayment(ctx, ev.OrderID, "")
		switch {
		case err == nil && pay.Status == gateway.PaymentCaptured:
			return s.webhookOutcome(s.finalize(ctx, charge, pay))
		case err != nil && !errors.Is(err, gateway.ErrVerificationFailed):
			return nil, err
		}
		s.log.Infow("payment attempt failed, charge left open",
			"reference", charge.Reference,
			"gateway", gatewayName,
			"payment_id", ev.PaymentID,
			"reason", ev.Reason,
		)
		return &Result{Charge: charge}, nil
	case gateway.EventPaid:
		pay, err := adapter.LookupPayment(ctx, ev.OrderID, ev.PaymentID)
		if err != nil {
			if errors.Is(err, gateway.ErrVerificationFailed) {
				return s.webhookOutcome(s.reject(ctx, charge, err.Error()))
			}
			return nil, err
		}
		return s.webhookOutcome(s.finalize(ctx, charge, pay))
	default:
		return nil, fmt.Errorf("unhandled webhook kind %q", ev.Kind)
	}
}

func (s *Service) webhookOutcome(res *Result, err error) (*Result, error) {
	if res != nil && errors.Is(err, gateway.ErrVerificationFailed) {
		return res, nil
	}
	return res, err
}

// finalize checks the vendor's payment against the charge and, under the
// charge row lock, applies the one entitlement mutation the charge buys.
func (s *Service) finalize(ctx context.Context, charge *models.Charge, pay *gateway.Payment) (*Result, error) {
	switch pay.Status {
	case gateway.PaymentPending:
		return nil, gateway.ErrPaymentPending
	case gateway.PaymentFailed:
		return s.reject(ctx, charge, "payment failed at gateway")
	}
	if !pay.Amount.Equal(charge.Amount) || !strings.EqualFold(pay.Currency, charge.Currency) {
		return s.reject(ctx, charge, fmt.Sprintf("gateway reports %s %s, charge is for %s %s",
			pay.Amount.StringFixed(2), pay.Currency, charge.Amount.StringFixed(2), charge.Currency))
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := s.Charges.GetByIDForUpdate(ctx, tx, charge.ID)
	if err != nil {
		return nil, fmt.Errorf("lock charge: %w", err)
	}
	if locked.Status.Terminal() {
		return settled(locked)
	}

	paymentID := pay.ID
	if err := s.Charges.CompleteTx(ctx, tx, locked.ID, models.ChargeSuccess, &paymentID, pay.Raw, nil); err != nil {
		if repository.IsDuplicate(err) {
			_ = tx.Rollback(ctx)
			return s.reject(ctx, charge, "gateway payment already applied to another charge")
		}
		return nil, fmt.Errorf("complete charge: %w", err)
	}

	res := &Result{}
	if locked.IsTopUp() {
		entry, dup, err := s.Wallet.Credit(ctx, tx, locked.AccountID, pay.Amount, "Wallet top-up "+locked.Reference, pay.ID)
		if err != nil {
			return nil, fmt.Errorf("credit wallet: %w", err)
		}
		if dup {
			_ = tx.Rollback(ctx)
			return s.reject(ctx, charge, "gateway payment already credited")
		}
		res.WalletTx = entry
	} else {
		plan, err := s.Plans.GetByID(ctx, *locked.PlanID)
		if err != nil {
			return nil, fmt.Errorf("load plan: %w", err)
		}
		exp, err := s.ExtendSubscription(ctx, tx, locked.AccountID, plan)
		if err != nil {
			return nil, err
		}
		res.ExpiresAt = &exp
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	res.Charge, err = s.GetCharge(ctx, locked.Reference)
	if err != nil {
		return nil, err
	}
	s.log.Infow("charge settled",
		"reference", locked.Reference,
		"gateway", locked.Gateway,
		"payment_id", pay.ID,
		"amount", pay.Amount.StringFixed(2),
		"top_up", locked.IsTopUp(),
	)
	return res, nil
}

// reject fails the charge and reports ErrVerificationFailed. If the
// charge was settled concurrently the stored outcome is returned instead.
func (s *Service) reject(ctx context.Context, charge *models.Charge, reason string) (*Result, error) {
	res, err := s.fail(ctx, charge, reason)
	if err != nil {
		return nil, err
	}
	if res.Charge.Status == models.ChargeSuccess {
		return res, nil
	}
	return res, gateway.ErrVerificationFailed
}

func (s *Service) fail(ctx context.Context, charge *models.Charge, reason string) (*Result, error) {
	duplicate := false
	if err := s.Charges.MarkFailed(context.WithoutCancel(ctx), charge.ID, reason); err != nil {
		if !errors.Is(err, repository.ErrStale) {
			return nil, fmt.Errorf("mark charge failed: %w", err)
		}
		duplicate = true
	}
	current, err := s.GetCharge(ctx, charge.Reference)
	if err != nil {
		return nil, err
	}
	if !duplicate {
		s.log.Infow("charge failed", "reference", charge.Reference, "gateway", charge.Gateway, "reason", reason)
	}
	return &Result{Charge: current, Duplicate: duplicate}, nil
}

// NextExpiry extends from the later of now and the current expiry, so a
// renewal before expiry keeps the remaining days.
func NextExpiry(now time.Time, current *time.Time, d time.Duration) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(d)
}

// ExtendSubscription locks the account and adds the plan's duration. An
// inactive account becomes active; blocked and deleted accounts keep
// their status.
func (s *Service) ExtendSubscription(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, plan *models.Plan) (time.Time, error) {
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return time.Time{}, fmt.Errorf("lock account: %w", err)
	}
	expires := NextExpiry(s.Now().UTC(), acc.SubscriptionExpiresAt, plan.Duration())
	status := acc.Status
	if status == models.AccountInactive {
		status = models.AccountActive
	}
	if err := s.Accounts.UpdateSubscription(ctx, tx, acc.ID, plan.ID, expires, status); err != nil {
		return time.Time{}, fmt.Errorf("update subscription: %w", err)
	}
	return expires, nil
}

// Assignment is the outcome of a reseller assigning a plan.
type Assignment struct {
	CustomerPublicID string                    `json:"customer_public_id"`
	PlanID           uuid.UUID                 `json:"plan_id"`
	ExpiresAt        time.Time                 `json:"subscription_expires_at"`
	Debit            *models.WalletTransaction `json:"debit"`
}

// AssignPlan debits the reseller's wallet at the plan's reseller price and
// extends the customer's subscription in one transaction. Either both
// happen or neither does.
func (s *Service) AssignPlan(ctx context.Context, resellerID uuid.UUID, customerPublicID string, planID uuid.UUID) (*Assignment, error) {
	customer, err := s.Accounts.GetByPublicID(ctx, customerPublicID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	if customer.ID == resellerID {
		return nil, ErrInvalidAssignment
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock both accounts in id order so concurrent assignments between
	// the same pair cannot deadlock.
	ids := []uuid.UUID{resellerID, customer.ID}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	locked := make(map[uuid.UUID]*models.Account, 2)
	for _, id := range ids {
		acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lock account: %w", err)
		}
		locked[id] = acc
	}
	reseller, customer := locked[resellerID], locked[customer.ID]
	if !reseller.Role.CanAssignPlan() || reseller.Status != models.AccountActive {
		return nil, ErrAccountInactive
	}
	switch {
	case customer.Status == models.AccountDeleted:
		return nil, ErrCustomerNotFound
	case customer.Status == models.AccountBlocked:
		return nil, ErrCustomerBlocked
	case customer.Role != models.RoleCustomer:
		return nil, ErrInvalidAssignment
	}

	plan, err := s.Plans.GetByIDForShare(ctx, tx, planID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPlanUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if plan.Status != models.PlanActive {
		return nil, ErrPlanUnavailable
	}

	debit, err := s.Wallet.Debit(ctx, tx, resellerID, plan.ResellerPrice,
		fmt.Sprintf("Plan %s for %s", plan.Name, customer.PublicID), "SUB-"+customer.PublicID)
	if err != nil {
		return nil, err
	}
	expires, err := s.ExtendSubscription(ctx, tx, customer.ID, plan)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.log.Infow("plan assigned",
		"reseller_id", reseller.PublicID,
		"customer_id", customer.PublicID,
		"plan_id", plan.ID,
		"price", plan.ResellerPrice.StringFixed(2),
		"expires_at", expires,
	)
	return &Assignment{
		CustomerPublicID: customer.PublicID,
		PlanID:           plan.ID,
		ExpiresAt:        expires,
		Debit:            debit,
	}, nil
}

// ExpireStalePending closes charges left pending longer than olderThan.
// Before failing one it asks the gateway whether the order was paid, so
// a lost webhook does not cost the customer their payment. Charges whose
// gateway is unreachable are left for the next sweep.
func (s *Service) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.Charges.ListStalePending(ctx, s.Now().Add(-olderThan), staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale charges: %w", err)
	}
	expired := 0
	for _, c := range stale {
		if c.GatewayOrderID != nil {
			adapter, err := s.Gateways.Get(c.Gateway)
			if err == nil {
				pay, err := adapter.LookupPayment(ctx, *c.GatewayOrderID, "")
				switch {
				case err == nil && pay.Status == gateway.PaymentCaptured:
					if _, err := s.finalize(ctx, c, pay); err != nil && !errors.Is(err, gateway.ErrVerificationFailed) {
						s.log.Errorw("late settlement failed", "reference", c.Reference, "error", err)
					}
					continue
				case errors.Is(err, gateway.ErrGatewayUnavailable):
					s.log.Infow("gateway unavailable, charge left pending", "reference", c.Reference)
					continue
				}
			}
		}
		res, err := s.fail(ctx, c, "checkout expired")
		if err != nil {
			s.log.Errorw("failed to expire charge", "reference", c.Reference, "error", err)
			continue
		}
		if !res.Duplicate {
			expired++
		}
	}
	return expired, nil
}
