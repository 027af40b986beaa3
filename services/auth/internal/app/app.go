package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"streamchat/internal/util"
	"streamchat/pkg/auth"
	"streamchat/pkg/domain"
	"streamchat/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL         string
	Redis               redis.UniversalClient
	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	ResetCodeTTL        time.Duration
	JWTPrivateKeyPath   string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration

	// Overrides, mainly for tests.
	Users         store.UserStore
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	ResetCodes    store.ResetCodeStore
	Codes         CodeSender
	Now           func() time.Time
}

// App is the core application service wiring together storage and auth logic.
type App struct {
	users         store.UserStore
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	resetCodes    store.ResetCodeStore
	codes         CodeSender
	refreshTTL    time.Duration
	now           func() time.Time
}

// New constructs the application with database storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	users := cfg.Users
	if users == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		users = gs
	}

	sessions := cfg.Sessions
	if sessions == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis is required for jwt+redis session strategy")
		}
		revoker := store.NewRedisTokenRevoker(cfg.Redis, cfg.RefreshTTL)
		js, err := store.NewJWTSessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			store.JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: cfg.JWTLeeway},
		)
		if err != nil {
			return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
		}
		sessions = js
	}

	refresh := cfg.RefreshTokens
	if refresh == nil {
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis is required for jwt+redis refresh token strategy")
		}
		refresh = store.NewRedisRefreshTokenStore(cfg.Redis)
	}

	resetCodes := cfg.ResetCodes
	if resetCodes == nil {
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis is required for password reset codes")
		}
		resetCodes = store.NewRedisResetCodeStore(cfg.Redis, store.ResetCodeOptions{TTL: cfg.ResetCodeTTL})
	}

	codes := cfg.Codes
	if codes == nil {
		codes = LogCodeSender{}
	}

	return &App{
		users:         users,
		sessions:      sessions,
		refreshTokens: refresh,
		resetCodes:    resetCodes,
		codes:         codes,
		refreshTTL:    cfg.RefreshTTL,
		now:           cfg.Now,
	}, nil
}

// TokenPair is what sign-up, login and refresh hand back to clients.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// SignUp registers a new user. The very first account becomes admin.
func (a *App) SignUp(ctx context.Context, email, password string) (domain.User, TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, TokenPair{}, err
	}
	if password == "" {
		return domain.User{}, TokenPair{}, ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, TokenPair{}, err
	}
	_, exists, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, TokenPair{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, TokenPair{}, ErrEmailAlreadyExists
	}
	count, err := a.users.UserCount(ctx)
	if err != nil {
		return domain.User{}, TokenPair{}, fmt.Errorf("count users: %w", err)
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, TokenPair{}, err
	}
	role := domain.RoleUser
	if count == 0 {
		role = domain.RoleAdmin
	}
	user, err := a.createUser(ctx, email, passwordHash, role)
	if err != nil {
		return domain.User{}, TokenPair{}, err
	}
	return a.issueUserTokens(ctx, user)
}

// Login validates credentials and issues a token pair.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, TokenPair, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, TokenPair{}, ErrEmailAndPasswordRequired
	}
	user, ok, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, TokenPair{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, TokenPair{}, ErrUserDisabled
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, TokenPair{}, ErrInvalidCredentials
	}
	return a.issueUserTokens(ctx, user)
}

func (a *App) issueUserTokens(ctx context.Context, user domain.User) (domain.User, TokenPair, error) {
	access, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.refreshTokens.NewToken(ctx, user.ID, a.refreshTTL)
	if err != nil {
		return domain.User{}, TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return user, TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// UserFromToken resolves an active user from an access token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	uid, err := a.sessions.UserIDFromToken(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidToken) && !errors.Is(err, store.ErrTokenRevoked) {
			util.LoggerFromContext(ctx).Warn("token lookup failed", "err", err)
		}
		return domain.User{}, false
	}
	user, found, err := a.users.GetUserByID(ctx, uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, false
	}
	return user, true
}

// Logout invalidates the access token and the optional refresh token.
func (a *App) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(ctx, accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	if err := a.refreshTokens.DeleteToken(ctx, refreshToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Refresh rotates the refresh token and issues a new token pair.
func (a *App) Refresh(ctx context.Context, refreshToken string) (domain.User, TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return domain.User{}, TokenPair{}, ErrRefreshTokenRequired
	}
	userID, next, err := a.refreshTokens.RotateToken(ctx, refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrRefreshTokenReplay) {
			util.LoggerFromContext(ctx).Warn("security_event", "event", "auth.refresh", "outcome", "replay")
		}
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return domain.User{}, TokenPair{}, ErrInvalidRefreshToken
		}
		return domain.User{}, TokenPair{}, fmt.Errorf("resolve refresh token: %w", err)
	}
	user, found, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		_ = a.refreshTokens.DeleteToken(ctx, next)
		return domain.User{}, TokenPair{}, ErrInvalidRefreshToken
	}
	access, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(ctx, next)
		return domain.User{}, TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	return user, TokenPair{AccessToken: access, RefreshToken: next}, nil
}

// ChangePassword updates the password after checking the current one, then
// revokes every token of the user.
func (a *App) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return ErrNewPasswordRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	user, ok, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return ErrUserNotFound
	}
	if strings.TrimSpace(currentPassword) == "" {
		return ErrCurrentPasswordRequired
	}
	if !auth.CheckPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if currentPassword == newPassword {
		return ErrPasswordUnchanged
	}
	return a.setPassword(ctx, user, newPassword)
}

// RequestPasswordReset sends a one-time code to email. Unknown addresses
// succeed silently so callers cannot probe for accounts.
func (a *App) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	user, ok, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return nil
	}
	code, err := a.resetCodes.Issue(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrResetCodeRateLimited) {
			return ErrResetRateLimited
		}
		return fmt.Errorf("issue reset code: %w", err)
	}
	if err := a.codes.SendResetCode(ctx, email, code); err != nil {
		return fmt.Errorf("send reset code: %w", err)
	}
	return nil
}

// ResetPassword checks code and replaces the password of email.
func (a *App) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return ErrResetCodeRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	if err := a.resetCodes.Consume(ctx, email, code); err != nil {
		switch {
		case errors.Is(err, store.ErrResetCodeExpired):
			return ErrResetCodeExpired
		case errors.Is(err, store.ErrResetCodeInvalid):
			return ErrResetCodeInvalid
		default:
			return fmt.Errorf("check reset code: %w", err)
		}
	}
	user, ok, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return ErrResetCodeInvalid
	}
	return a.setPassword(ctx, user, newPassword)
}

func (a *App) setPassword(ctx context.Context, user domain.User, newPassword string) error {
	passwordHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	revokeSince := a.now().UTC()
	user.PasswordHash = passwordHash
	user.UpdatedAt = revokeSince
	if err := a.users.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := a.revokeAllUserTokens(ctx, user.ID, revokeSince); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// JWKS returns public signing keys when the session store publishes them.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) revokeAllUserTokens(ctx context.Context, userID string, since time.Time) error {
	if err := a.sessions.RevokeUserSessions(ctx, userID, since); err != nil {
		return err
	}
	return a.refreshTokens.RevokeUserTokens(ctx, userID)
}

func (a *App) createUser(ctx context.Context, email, passwordHash string, role domain.UserRole) (domain.User, error) {
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.users.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	slog.Info("user created", "user_id", user.ID, "role", user.Role)
	return user, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", ErrEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
