package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken    = errors.New("invalid authentication credentials")
	ErrTooManyAttempts = errors.New("too many failed attempts, wait a minute")
)

// TokenStore persists issued tokens. Only the bcrypt hash of the secret is
// stored.
type TokenStore interface {
	CreateToken(ctx context.Context, userID, role, secretHash string) (int64, error)
	GetToken(ctx context.Context, id int64) (*models.APIToken, error)
}

// Limiter throttles failed checks per client IP.
type Limiter interface {
	CanAuth(ip string) bool
	RecordAuthFailure(ip string)
}

type Authenticator struct {
	store   TokenStore
	limiter Limiter
	cost    int
}

type Option func(*Authenticator)

// WithCost sets the bcrypt cost for newly issued tokens.
func WithCost(cost int) Option {
	return func(a *Authenticator) { a.cost = cost }
}

func New(store TokenStore, limiter Limiter, opts ...Option) *Authenticator {
	a := &Authenticator{store: store, limiter: limiter, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue creates a token for userID and returns it in "<id>.<secret>" form.
// The secret is shown once; only its hash is kept.
func (a *Authenticator) Issue(ctx context.Context, userID, role string) (string, error) {
	switch role {
	case models.RoleCustomer, models.RoleStaff, models.RoleTechnician, models.RoleAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}

	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.cost)
	if err != nil {
		return "", err
	}
	id, err := a.store.CreateToken(ctx, userID, role, string(hash))
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return strconv.FormatInt(id, 10) + "." + secret, nil
}

// Authenticate resolves a presented token to its principal.
func (a *Authenticator) Authenticate(ctx context.Context, token, ip string) (models.Principal, error) {
	if !a.limiter.CanAuth(ip) {
		return models.Principal{}, ErrTooManyAttempts
	}

	p, err := a.verify(ctx, token)
	if errors.Is(err, ErrInvalidToken) {
		a.limiter.RecordAuthFailure(ip)
	}
	return p, err
}

func (a *Authenticator) verify(ctx context.Context, token string) (models.Principal, error) {
	idPart, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return models.Principal{}, ErrInvalidToken
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return models.Principal{}, ErrInvalidToken
	}

	t, err := a.store.GetToken(ctx, id)
	if err != nil {
		return models.Principal{}, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.SecretHash), []byte(secret)); err != nil {
		return models.Principal{}, ErrInvalidToken
	}
	return models.Principal{UserID: t.UserID, Role: t.Role}, nil
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(models.Principal)
	return p, ok
}
