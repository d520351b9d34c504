// Package service contains the application services of the relay: owner
// sessions, the device registry, request authentication, signal intake and
// the poll/ack protocol.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/errs"
	"github.com/and161185/ea-relay/internal/limiter"
	"github.com/and161185/ea-relay/internal/model"
	"github.com/and161185/ea-relay/internal/repository"
)

// AuthService defines owner account and session operations.
type AuthService interface {
	// Register creates a new owner with secure password hashing.
	Register(ctx context.Context, username, password string) (ownerID string, err error)
	// LoginWithIP applies rate-limiting and authenticates the owner.
	LoginWithIP(ctx context.Context, username, password string, ip string) (tokens model.Tokens, owner model.Owner, err error)
	// ParseToken validates an access token and returns its owner id.
	ParseToken(token string) (uuid.UUID, error)
	// Delete removes the owner account; devices, signals and executions cascade.
	Delete(ctx context.Context, ownerID uuid.UUID) error
}

type AuthServiceImpl struct {
	owners    repository.OwnerRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	now       func() time.Time
}

const (
	maxUsernameLen = 64
	minPasswordLen = 8
)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(owners repository.OwnerRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{owners: owners, signKey: signKey, accessTTL: accessTTL, lim: lim, now: time.Now}
}

// Register creates a new owner record with a per-owner salt.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return "", fmt.Errorf("username: %w", errs.ErrValidation)
	}
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("password shorter than %d: %w", minPasswordLen, errs.ErrValidation)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	salt, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return "", err
	}
	o := &model.Owner{
		ID:       id,
		Username: username,
		PwdHash:  pkgcrypto.HashPassword([]byte(password), salt),
		SaltAuth: salt,
	}
	if err := s.owners.Create(ctx, o); err != nil {
		return "", err
	}
	return id.String(), nil
}

// LoginWithIP authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password, ip string) (model.Tokens, model.Owner, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Tokens{}, model.Owner{}, err
	}
	if !allowed {
		return model.Tokens{}, model.Owner{}, errs.ErrRateLimited
	}

	o, err := s.owners.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.Owner{}, err
	}
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), o.SaltAuth, o.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.Owner{}, errs.ErrRateLimited
		}
		// unknown user and wrong password look the same
		return model.Tokens{}, model.Owner{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, username, ipHash)

	access, exp, err := s.issueAccessToken(o.ID)
	if err != nil {
		return model.Tokens{}, model.Owner{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *o, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(ownerID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   ownerID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// ParseToken verifies signature, algorithm and expiry of an access token.
func (s *AuthServiceImpl) ParseToken(token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.signKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("bad subject: %w", errs.ErrUnauthorized)
	}
	return id, nil
}

// Delete removes the owner and everything hanging off it.
func (s *AuthServiceImpl) Delete(ctx context.Context, ownerID uuid.UUID) error {
	if ownerID == uuid.Nil {
		return fmt.Errorf("owner id: %w", errs.ErrValidation)
	}
	return s.owners.Delete(ctx, ownerID)
}
