package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
)

const (
	maxFailedLogins = 5
	lockoutDuration = time.Minute
)

type operator struct {
	role         string
	passwordHash string
}

type loginFailures struct {
	count       int
	lockedUntil time.Time
}

// AuthService authenticates the operators listed in the configuration.
type AuthService struct {
	logger         *zap.Logger
	enabled        bool
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	operators      map[string]operator

	mu       sync.Mutex
	failures map[string]*loginFailures
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	operators := make(map[string]operator, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			return nil, fmt.Errorf("operator entry needs username and password_hash")
		}
		switch Permission(op.Role) {
		case PermOperator, PermTechnician, PermAdmin:
		default:
			return nil, fmt.Errorf("operator %s: unknown role %q", op.Username, op.Role)
		}
		operators[op.Username] = operator{role: op.Role, passwordHash: op.PasswordHash}
	}

	if cfg.Enabled && len(operators) == 0 {
		logger.Warn("Authentication enabled without configured operators, nobody can log in")
	}

	return &AuthService{
		logger:         logger,
		enabled:        cfg.Enabled,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		operators:      operators,
		failures:       make(map[string]*loginFailures),
	}, nil
}

func (a *AuthService) Enabled() bool {
	return a != nil && a.enabled
}

// LoginUser authenticates an operator and returns an access token.
func (a *AuthService) LoginUser(username, password, ipAddress string) (string, time.Time, string, error) {
	if until, locked := a.locked(username); locked {
		a.logger.Warn("Login for locked account", zap.String("username", username), zap.String("ip", ipAddress))
		return "", time.Time{}, "", fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}

	op, ok := a.operators[username]
	if !ok {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "unknown user"))
		return "", time.Time{}, "", ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, op.passwordHash)
	if err != nil || !valid {
		a.recordFailure(username)
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "invalid password"))
		return "", time.Time{}, "", ErrInvalidCredentials
	}

	a.resetFailures(username)

	token, expires, err := a.jwtHandler.GenerateAccessToken(username, op.role)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Operator logged in", zap.String("username", username), zap.String("role", op.role))
	return token, expires, op.role, nil
}

// ValidateToken returns the permissions granted by a token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, roleToPermissions(claims.Role), nil
}

// HashPassword produces a hash for the operators section of the config.
func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func (a *AuthService) locked(username string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[username]
	if !ok {
		return time.Time{}, false
	}
	return f.lockedUntil, time.Now().Before(f.lockedUntil)
}

func (a *AuthService) recordFailure(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[username]
	if !ok {
		f = &loginFailures{}
		a.failures[username] = f
	}
	f.count++
	if f.count >= maxFailedLogins {
		f.lockedUntil = time.Now().Add(lockoutDuration)
		f.count = 0
	}
}

func (a *AuthService) resetFailures(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, username)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}
