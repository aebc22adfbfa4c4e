// Package auth validates agent credentials and issues operator tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/probehub/probehub/internal/id"
	"github.com/probehub/probehub/internal/server/store"
)

// ErrInvalidCredentials is returned for any credential mismatch. The
// message is deliberately uniform so callers cannot distinguish a
// missing account from a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenTTL is how long an issued operator token stays valid.
const TokenTTL = 12 * time.Hour

// Authenticator checks credentials against the store and mints JWTs.
type Authenticator struct {
	store  *store.Store
	secret []byte
	logger *slog.Logger
}

func New(st *store.Store, jwtSecret []byte, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: st, secret: jwtSecret, logger: logger}
}

// VerifyAgent checks an agent's (id, secret) pair against the stored
// record.
func (a *Authenticator) VerifyAgent(ctx context.Context, agentID, secret string) (store.Agent, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Agent{}, err
	}
	if subtle.ConstantTimeCompare([]byte(agent.Secret), []byte(secret)) != 1 {
		return store.Agent{}, ErrInvalidCredentials
	}
	return agent, nil
}

// Login verifies an operator's password and issues a signed token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (token string, op store.Operator, err error) {
	op, err = a.store.GetOperatorByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn comparable time so lookups don't leak which usernames exist.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return "", store.Operator{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", store.Operator{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		return "", store.Operator{}, ErrInvalidCredentials
	}

	token, err = a.IssueToken(op.ID, op.Username)
	if err != nil {
		return "", store.Operator{}, err
	}
	return token, op, nil
}

// Claims is the operator token payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token for an operator.
func (a *Authenticator) IssueToken(operatorID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates an operator token, returning its
// claims.
func (a *Authenticator) VerifyToken(tokenString string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	return claims, nil
}

// HashPassword wraps bcrypt with the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// BootstrapAdmin creates the default admin operator if no account with
// that username exists yet. Returns the operator record either way.
func (a *Authenticator) BootstrapAdmin(ctx context.Context, username, password string) (store.Operator, error) {
	op, err := a.store.GetOperatorByUsername(ctx, username)
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Operator{}, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return store.Operator{}, err
	}
	op = store.Operator{
		ID:           id.Generate(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := a.store.CreateOperator(ctx, op); err != nil {
		return store.Operator{}, err
	}
	a.logger.Info("bootstrapped default operator account", "username", username)
	return op, nil
}
