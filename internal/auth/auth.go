package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sohbet/internal/content"
	"sohbet/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultAccessExpiry  = 15 * time.Minute
	DefaultRefreshExpiry = 7 * 24 * time.Hour

	// Verified access tokens are cached briefly to keep the per-connection
	// handshake cheap.
	verifyCacheTTL = time.Minute
)

var ErrUserExists = errors.New("user already exists")

// Identity is the validated (user id, username) pair a connection runs as.
// It is immutable once issued.
type Identity struct {
	UserID   string
	Username string
}

// TokenPair is one access + refresh credential issue.
type TokenPair struct {
	Access        string `json:"access"`
	AccessExpiry  int64  `json:"accessExpiry"`
	Refresh       string `json:"refresh"`
	RefreshExpiry int64  `json:"refreshExpiry"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	Username string `json:"username"`
}

type refreshClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// Store is the persistence the auth service needs: user records plus the
// rotating refresh-token ledger.
type Store interface {
	CreateUser(user models.User, passwordHash string) error
	UserByUsername(username string) (models.User, string, error)
	UserByID(id string) (models.User, error)
	StoreRefreshToken(token, userID string, expiresAt int64) error
	RefreshTokenLookup(token string) (userID string, expiresAt, revokedAt int64, err error)
	RevokeRefreshToken(token string) error
	RevokeAllRefreshTokens(userID string) error
	DeleteExpiredRefreshTokens() error
}

type Config struct {
	Secret        string `json:"secret"`
	secretBytes   []byte
	AccessExpiry  time.Duration `json:"accessExpiry"`
	RefreshExpiry time.Duration `json:"refreshExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.AccessExpiry == 0 {
		c.AccessExpiry = DefaultAccessExpiry
	}
	if c.RefreshExpiry == 0 {
		c.RefreshExpiry = DefaultRefreshExpiry
	}

	return nil
}

type cachedIdentity struct {
	identity  Identity
	expiresAt int64
}

type AuthService struct {
	Config
	store    Store
	verified geche.Geche[string, cachedIdentity]
	now      func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		store:    store,
		verified: geche.NewMapTTLCache[string, cachedIdentity](ctx, verifyCacheTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// Register creates a new user. The password is stored as a bcrypt hash.
func (as *AuthService) Register(username, email, password string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", err, models.ErrValidation)
	}
	if len(password) < 6 {
		return models.User{}, fmt.Errorf("password must be at least 6 characters: %w", models.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		CreatedAt: as.now().UnixMilli(),
	}

	if err := as.store.CreateUser(user, string(hash)); err != nil {
		if errors.Is(err, models.ErrValidation) {
			return models.User{}, ErrUserExists
		}
		return models.User{}, err
	}

	return user, nil
}

// Login verifies the password and issues a fresh token pair.
func (as *AuthService) Login(username, password string) (TokenPair, models.User, error) {
	user, hash, err := as.store.UserByUsername(username)
	if err != nil {
		return TokenPair{}, models.User{}, models.ErrAuth
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return TokenPair{}, models.User{}, models.ErrAuth
	}

	pair, err := as.issuePair(user)
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return TokenPair{}, models.User{}, err
	}

	return pair, user, nil
}

func (as *AuthService) issuePair(user models.User) (TokenPair, error) {
	now := as.now()
	accessExp := now.Add(as.AccessExpiry)
	refreshExp := now.Add(as.RefreshExpiry)

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		UserID:   user.ID,
		Username: user.Username,
	}).SignedString(as.secretBytes)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
		UserID: user.ID,
	}).SignedString(as.secretBytes)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	if err := as.store.StoreRefreshToken(refresh, user.ID, refreshExp.UnixMilli()); err != nil {
		return TokenPair{}, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return TokenPair{
		Access:        access,
		AccessExpiry:  accessExp.Unix(),
		Refresh:       refresh,
		RefreshExpiry: refreshExp.Unix(),
	}, nil
}

// VerifyAccess validates an access credential and returns the identity it
// carries. Every failure maps to models.ErrAuth.
func (as *AuthService) VerifyAccess(token string) (Identity, error) {
	if cached, err := as.verified.Get(token); err == nil {
		if as.now().Unix() < cached.expiresAt {
			return cached.identity, nil
		}
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return as.secretBytes, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.ExpiresAt == nil {
		return Identity{}, models.ErrAuth
	}

	identity := Identity{UserID: claims.UserID, Username: claims.Username}
	as.verified.Set(token, cachedIdentity{
		identity:  identity,
		expiresAt: claims.ExpiresAt.Unix(),
	})

	return identity, nil
}

// Refresh rotates a refresh credential: the presented token is revoked and a
// new access+refresh pair is issued. Expired or revoked tokens fail with
// models.ErrAuth.
func (as *AuthService) Refresh(refreshToken string) (TokenPair, models.User, error) {
	userID, expiresAt, revokedAt, err := as.store.RefreshTokenLookup(refreshToken)
	if err != nil || revokedAt != 0 {
		return TokenPair{}, models.User{}, models.ErrAuth
	}
	if as.now().UnixMilli() > expiresAt {
		_ = as.store.RevokeRefreshToken(refreshToken)
		return TokenPair{}, models.User{}, models.ErrAuth
	}

	claims := &refreshClaims{}
	parsed, err := jwt.ParseWithClaims(refreshToken, claims, func(t *jwt.Token) (any, error) {
		return as.secretBytes, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.UserID != userID {
		_ = as.store.RevokeRefreshToken(refreshToken)
		return TokenPair{}, models.User{}, models.ErrAuth
	}

	user, err := as.store.UserByID(userID)
	if err != nil {
		_ = as.store.RevokeRefreshToken(refreshToken)
		return TokenPair{}, models.User{}, models.ErrAuth
	}

	if err := as.store.RevokeRefreshToken(refreshToken); err != nil {
		return TokenPair{}, models.User{}, err
	}

	pair, err := as.issuePair(user)
	if err != nil {
		return TokenPair{}, models.User{}, err
	}

	if err := as.store.DeleteExpiredRefreshTokens(); err != nil {
		slog.Warn("refresh token cleanup failed", "error", err)
	}

	return pair, user, nil
}

// Logout revokes a single refresh credential.
func (as *AuthService) Logout(refreshToken string) error {
	return as.store.RevokeRefreshToken(refreshToken)
}

// LogoutAll revokes every refresh credential of a user.
func (as *AuthService) LogoutAll(userID string) error {
	return as.store.RevokeAllRefreshTokens(userID)
}
