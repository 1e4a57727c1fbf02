// Package auth issues and validates bearer tokens. A login succeeds only
// if the session registry admits the device; every full token is bound to
// a session row so revoking the session revokes the token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/ids"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/registry"
	"github.com/streamvault/entitlements/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is not active")
	ErrDeviceLimitReached = errors.New("device limit reached")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrDuplicateAccount   = errors.New("email or username already registered")
	ErrInvalidRole        = errors.New("invalid role")
)

// DeviceLimitError is returned by Authenticate when the account has no
// free device slot. LimitedToken only authorizes listing and revoking the
// account's sessions, so the user can free a slot and log in again.
type DeviceLimitError struct {
	Limit        int
	Sessions     []*models.Session
	LimitedToken string
	ExpiresAt    time.Time
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("device limit of %d reached", e.Limit)
}

func (e *DeviceLimitError) Unwrap() error { return ErrDeviceLimitReached }

// Tokens is the result of a successful login or refresh.
type Tokens struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Session     *models.Session `json:"session"`
	Account     *models.Account `json:"account"`
}

type Options struct {
	Secret       []byte
	AccessTTL    time.Duration
	RefreshGrace time.Duration
	LimitedTTL   time.Duration
}

type Service struct {
	Accounts AccountStore
	Sessions SessionRegistry
	Hasher   PasswordHasher
	Now      func() time.Time

	opts Options
	log  *zap.SugaredLogger
}

func NewService(accounts AccountStore, sessions SessionRegistry, hasher PasswordHasher, opts Options, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Service{
		Accounts: accounts,
		Sessions: sessions,
		Hasher:   hasher,
		Now:      time.Now,
		opts:     opts,
		log:      log,
	}
}

type claims struct {
	jwt.RegisteredClaims
	Role models.Role `json:"role"`
	// SessionToken is the opaque token id of the bound session. Empty for
	// limited tokens.
	SessionToken string            `json:"sid,omitempty"`
	Scope        models.TokenScope `json:"scope"`
}

// Authenticate checks credentials, admits the device and issues a full
// token bound to the new session.
func (s *Service) Authenticate(ctx context.Context, identifier, secret, platform, deviceLabel string) (*Tokens, error) {
	acc, err := s.Accounts.GetByCredentialKey(ctx, strings.TrimSpace(identifier))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !s.Hasher.Verify(acc.PasswordHash, secret) {
		return nil, ErrInvalidCredentials
	}
	if err := checkStatus(acc); err != nil {
		return nil, err
	}

	sess, err := s.Sessions.Admit(ctx, acc.ID, platform, deviceLabel)
	if errors.Is(err, registry.ErrRefused) {
		return nil, s.deviceLimit(ctx, acc)
	}
	if err != nil {
		return nil, fmt.Errorf("admit session: %w", err)
	}

	token, exp, err := s.sign(acc, sess.TokenID, models.ScopeFull, s.opts.AccessTTL)
	if err != nil {
		return nil, err
	}
	s.log.Infow("login", "account_id", acc.PublicID, "session_id", sess.ID, "platform", platform)
	return &Tokens{AccessToken: token, TokenType: "Bearer", ExpiresAt: exp, Session: sess, Account: acc}, nil
}

func (s *Service) deviceLimit(ctx context.Context, acc *models.Account) error {
	limit, err := s.Sessions.EffectiveLimit(ctx, acc)
	if err != nil {
		return fmt.Errorf("resolve device limit: %w", err)
	}
	sessions, err := s.Sessions.List(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	token, exp, err := s.sign(acc, "", models.ScopeDevices, s.opts.LimitedTTL)
	if err != nil {
		return err
	}
	s.log.Infow("login refused: device limit", "account_id", acc.PublicID, "limit", limit)
	return &DeviceLimitError{Limit: limit, Sessions: sessions, LimitedToken: token, ExpiresAt: exp}
}

// Refresh reissues a full token that expired no more than RefreshGrace
// ago, provided its session still exists and the account may sign in.
// The device limit is not re-checked; the session already holds a slot.
func (s *Service) Refresh(ctx context.Context, token string) (*Tokens, error) {
	c, err := s.parse(token, s.opts.RefreshGrace)
	if err != nil || c.Scope != models.ScopeFull || c.SessionToken == "" {
		return nil, ErrInvalidToken
	}
	acc, err := s.Accounts.GetByPublicID(ctx, c.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := checkStatus(acc); err != nil {
		return nil, err
	}
	sess, err := s.Sessions.Lookup(ctx, c.SessionToken)
	if errors.Is(err, registry.ErrSessionNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess.AccountID != acc.ID {
		return nil, ErrInvalidToken
	}
	if err := s.Sessions.Touch(ctx, sess.ID); err != nil {
		if errors.Is(err, registry.ErrSessionNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	signed, exp, err := s.sign(acc, sess.TokenID, models.ScopeFull, s.opts.AccessTTL)
	if err != nil {
		return nil, err
	}
	return &Tokens{AccessToken: signed, TokenType: "Bearer", ExpiresAt: exp, Session: sess, Account: acc}, nil
}

// ValidateToken resolves a bearer token to a principal. Full tokens are
// rejected once their session is revoked; role and status come from the
// account row, not the token.
func (s *Service) ValidateToken(ctx context.Context, token string) (*models.Principal, error) {
	c, err := s.parse(token, 0)
	if err != nil {
		return nil, ErrInvalidToken
	}
	acc, err := s.Accounts.GetByPublicID(ctx, c.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if err := checkStatus(acc); err != nil {
		return nil, err
	}
	p := &models.Principal{
		AccountID: acc.ID,
		PublicID:  acc.PublicID,
		Role:      acc.Role,
		TokenID:   c.ID,
		Scope:     c.Scope,
	}
	switch c.Scope {
	case models.ScopeFull:
		sess, err := s.Sessions.Lookup(ctx, c.SessionToken)
		if err != nil || sess.AccountID != acc.ID {
			return nil, ErrInvalidToken
		}
		p.SessionID = &sess.ID
	case models.ScopeDevices:
	default:
		return nil, ErrInvalidToken
	}
	return p, nil
}

// ListSessions returns the caller's sessions.
func (s *Service) ListSessions(ctx context.Context, p *models.Principal) ([]*models.Session, error) {
	return s.Sessions.List(ctx, p.AccountID)
}

// RevokeSession deletes one of the caller's sessions. It returns
// registry.ErrNotOwner for a session of another account.
func (s *Service) RevokeSession(ctx context.Context, p *models.Principal, sessionID uuid.UUID) error {
	return s.Sessions.Revoke(ctx, p.AccountID, sessionID)
}

// Logout revokes the session the caller's token is bound to.
func (s *Service) Logout(ctx context.Context, p *models.Principal) error {
	if p.SessionID == nil {
		return ErrInvalidToken
	}
	return s.Sessions.Revoke(ctx, p.AccountID, *p.SessionID)
}

// NewAccount is the operator input for CreateAccount.
type NewAccount struct {
	Email       string
	Username    string
	Password    string
	Role        models.Role
	DeviceLimit *int
}

// CreateAccount registers an account. Customers start inactive until a
// plan is bought or assigned; resellers and admins start active.
func (s *Service) CreateAccount(ctx context.Context, in NewAccount) (*models.Account, error) {
	if !in.Role.Valid() {
		return nil, ErrInvalidRole
	}
	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	status := models.AccountActive
	if in.Role == models.RoleCustomer {
		status = models.AccountInactive
	}
	acc := &models.Account{
		PublicID:     ids.NewPublicID(),
		Role:         in.Role,
		Status:       status,
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Username:     strings.TrimSpace(in.Username),
		PasswordHash: hash,
		DeviceLimit:  in.DeviceLimit,
	}
	if err := s.Accounts.Create(ctx, acc); err != nil {
		if repository.IsDuplicate(err) {
			return nil, ErrDuplicateAccount
		}
		return nil, err
	}
	s.log.Infow("account created", "account_id", acc.PublicID, "role", acc.Role)
	return acc, nil
}

// checkStatus gates login and refresh. Inactive means no subscription
// yet, not disabled: those accounts sign in so they can buy a plan.
// Blocked accounts are refused and deleted ones look unknown.
func checkStatus(acc *models.Account) error {
	switch acc.Status {
	case models.AccountActive, models.AccountInactive:
		return nil
	case models.AccountDeleted:
		return ErrInvalidCredentials
	default:
		return ErrAccountInactive
	}
}

func (s *Service) sign(acc *models.Account, sessionToken string, scope models.TokenScope, ttl time.Duration) (string, time.Time, error) {
	now := s.Now()
	exp := now.Add(ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.PublicID,
			ID:        ids.NewTokenID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role:         acc.Role,
		SessionToken: sessionToken,
		Scope:        scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.opts.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (s *Service) parse(token string, leeway time.Duration) (*claims, error) {
	c := &claims{}
	tok, err := jwt.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return s.opts.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}
