package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/jimkkun/backend-helper/internal/common"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// RoleHelper performs deliveries and receives payouts.
	RoleHelper = "helper"
	// RoleRequester places delivery orders.
	RoleRequester = "requester"
	// RoleAdmin manages rates, deductions and statements.
	RoleAdmin = "admin"

	roleClaim = "role"
)

// Service coordinates credentials, JWT issuance and refresh sessions.
type Service struct {
	store      Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	signer     jwa.SignatureAlgorithm
	validator  TokenValidator
	issuer     string
	audience   string
	clockSkew  time.Duration
}

// Config configures the auth service.
type Config struct {
	Store           Store
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
	Audience        string
	ClockSkew       time.Duration
}

// User is the safe subset of an account returned to clients.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claims is the validated identity extracted from an access token.
type Claims struct {
	UserID string
	Role   string
}

// LoginResult bundles token material issued on login.
type LoginResult struct {
	User          User      `json:"user"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// RefreshResult is the outcome of a refresh token rotation.
type RefreshResult struct {
	AccessToken   string    `json:"access_token"`
	AccessExpiry  time.Time `json:"access_expires_at"`
	RefreshToken  string    `json:"refresh_token"`
	RefreshExpiry time.Time `json:"refresh_expires_at"`
}

// NewService constructs a Service with sane defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "backend-helper"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "helper-clients"
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Service{
		store:      cfg.Store,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		signer:     jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}, nil
}

// WithNow lets tests override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Register creates a new account with the supplied credentials.
func (s *Service) Register(ctx context.Context, name, email, password, role string) (User, error) {
	if strings.TrimSpace(name) == "" {
		return User{}, common.NewAppError("VALIDATION_ERROR", "name is required", http.StatusBadRequest, nil)
	}
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" {
		return User{}, common.NewAppError("VALIDATION_ERROR", "email is required", http.StatusBadRequest, nil)
	}
	if len(password) < 8 {
		return User{}, common.NewAppError("VALIDATION_ERROR", "password must be at least 8 characters", http.StatusBadRequest, nil)
	}
	role = strings.TrimSpace(role)
	switch role {
	case "":
		role = RoleHelper
	case RoleHelper, RoleRequester:
	default:
		// admin accounts are provisioned out of band
		return User{}, common.NewAppError("VALIDATION_ERROR", "invalid role", http.StatusBadRequest, nil)
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	acc, err := s.store.CreateAccount(ctx, normalizedEmail, hash, strings.TrimSpace(name), role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, common.NewAppError("EMAIL_ALREADY_USED", "email is already registered", http.StatusConflict, err)
		}
		return User{}, fmt.Errorf("create account: %w", err)
	}
	return toUser(acc), nil
}

// Login verifies credentials and issues an access/refresh token pair.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" || password == "" {
		return LoginResult{}, invalidCredentials(nil)
	}

	acc, err := s.store.GetAccountByEmail(ctx, normalizedEmail)
	if err != nil {
		return LoginResult{}, invalidCredentials(err)
	}
	ok, err := argon2id.ComparePasswordAndHash(password, acc.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, invalidCredentials(err)
	}

	accessToken, accessExpiry, err := s.signAccessToken(acc.ID.String(), acc.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, refreshExpiry, err := s.createRefreshSession(ctx, acc.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create refresh session: %w", err)
	}
	return LoginResult{
		User:          toUser(acc),
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpiry:  accessExpiry,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// Logout revokes the refresh session for the supplied token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return nil
	}
	return s.store.DeleteSessionByTokenHash(ctx, hashRefreshToken(token))
}

// Refresh validates and rotates a refresh token, issuing a fresh pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return RefreshResult{}, unauthorized(nil)
	}
	hashed := hashRefreshToken(token)
	sess, err := s.store.GetSessionByTokenHash(ctx, hashed)
	if err != nil {
		return RefreshResult{}, unauthorized(err)
	}
	if s.now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSessionByTokenHash(ctx, hashed)
		return RefreshResult{}, unauthorized(nil)
	}
	acc, err := s.store.GetAccountByID(ctx, sess.UserID)
	if err != nil {
		_ = s.store.DeleteSessionByTokenHash(ctx, hashed)
		return RefreshResult{}, unauthorized(err)
	}

	accessToken, accessExpiry, err := s.signAccessToken(acc.ID.String(), acc.Role)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("sign access token: %w", err)
	}
	newToken, newHash, refreshExpiry, err := s.newRefreshToken()
	if err != nil {
		return RefreshResult{}, err
	}
	if err := s.store.RotateSession(ctx, sess.ID, newHash, refreshExpiry); err != nil {
		_ = s.store.DeleteSessionByTokenHash(ctx, hashed)
		return RefreshResult{}, fmt.Errorf("rotate session: %w", err)
	}
	return RefreshResult{
		AccessToken:   accessToken,
		AccessExpiry:  accessExpiry,
		RefreshToken:  newToken,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// Me fetches the authenticated account.
func (s *Service) Me(ctx context.Context, userID string) (User, error) {
	id, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return User{}, unauthorized(err)
	}
	acc, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		return User{}, unauthorized(err)
	}
	return toUser(acc), nil
}

// ParseAccessToken validates an access token and returns the claims.
func (s *Service) ParseAccessToken(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret))
	if err != nil {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	claims := Claims{UserID: parsed.Subject()}
	if raw, ok := parsed.Get(roleClaim); ok {
		if role, ok := raw.(string); ok {
			claims.Role = role
		}
	}
	return claims, nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func (s *Service) signAccessToken(userID, role string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	builder := jwt.NewBuilder().
		Subject(userID).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Claim(roleClaim, role)
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func (s *Service) createRefreshSession(ctx context.Context, userID uuid.UUID) (string, time.Time, error) {
	token, hashed, expiresAt, err := s.newRefreshToken()
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := s.store.CreateSession(ctx, userID, hashed, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *Service) newRefreshToken() (string, string, time.Time, error) {
	token, err := generateToken(48)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, hashRefreshToken(token), s.now().Add(s.refreshTTL), nil
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func toUser(acc Account) User {
	return User{
		ID:        acc.ID.String(),
		Name:      acc.Name,
		Email:     acc.Email,
		Role:      acc.Role,
		CreatedAt: acc.CreatedAt,
		UpdatedAt: acc.UpdatedAt,
	}
}

func invalidCredentials(err error) error {
	return common.NewAppError("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized, err)
}

func unauthorized(err error) error {
	return common.NewAppError("UNAUTHORIZED", "invalid refresh token", http.StatusUnauthorized, err)
}
