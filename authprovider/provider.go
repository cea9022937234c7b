// Package authprovider wraps the federated identity service behind the
// narrow AuthProvider contract: current user, ID-token issuance, sign-out,
// and identity-change subscription.
package authprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// Config holds the token issuance parameters for a SimpleProvider.
type Config struct {
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	SigningSecret []byte
	Log           *slog.Logger
}

// SimpleProvider is a self-contained AuthProvider signing its own HS256 ID
// tokens. Suitable for development, tests, and deployments where the
// federation endpoint lives behind the same trust boundary.
type SimpleProvider struct {
	mu          sync.Mutex
	cfg         Config
	user        interfaces.AuthUser
	signedIn    bool
	token       string
	tokenExpiry time.Time
	subscribers map[int]func(interfaces.AuthUser, bool)
	nextSubID   int

	// SignOutErr, when set, makes SignOut fail. Used to exercise the
	// logout-is-unconditional guarantee.
	SignOutErr error
}

// NewSimpleProvider creates a provider with no signed-in identity.
func NewSimpleProvider(cfg Config) (*SimpleProvider, error) {
	if len(cfg.SigningSecret) < 32 {
		return nil, errors.New("signing secret must be at least 32 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	return &SimpleProvider{
		cfg:         cfg,
		subscribers: make(map[int]func(interfaces.AuthUser, bool)),
	}, nil
}

// SignInWithEmail establishes a session from an email-link sign-in.
func (p *SimpleProvider) SignInWithEmail(ctx context.Context, uid, email string) error {
	return p.establish(interfaces.AuthUser{UID: uid, Email: email})
}

// SignInWithPhone establishes a session from a phone OTP sign-in.
func (p *SimpleProvider) SignInWithPhone(ctx context.Context, uid, phone string) error {
	return p.establish(interfaces.AuthUser{UID: uid, Phone: phone})
}

// SignInWithToken establishes a session from a social-login or SSO token
// already verified upstream.
func (p *SimpleProvider) SignInWithToken(ctx context.Context, idToken string) error {
	claims, err := VerifyIDToken(idToken, p.cfg.SigningSecret, p.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("invalid SSO token: %w", err)
	}
	return p.establish(interfaces.AuthUser{UID: claims.Subject, Email: claims.Email, Phone: claims.Phone})
}

func (p *SimpleProvider) establish(user interfaces.AuthUser) error {
	if user.UID == "" {
		return errors.New("identity is missing a uid")
	}

	p.mu.Lock()
	p.user = user
	p.signedIn = true
	p.token = ""
	subs := p.snapshotSubscribers()
	p.mu.Unlock()

	if p.cfg.Log != nil {
		p.cfg.Log.Info("Identity signed in", "uid", user.UID)
	}
	for _, notify := range subs {
		notify(user, true)
	}
	return nil
}

// CurrentUser implements interfaces.AuthProvider.
func (p *SimpleProvider) CurrentUser() (interfaces.AuthUser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user, p.signedIn
}

// IDToken returns a signed token for the current identity, minting a new one
// when the cached token expired or forceRefresh is set.
func (p *SimpleProvider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.signedIn {
		return "", interfaces.ErrNotAuthenticated
	}

	now := time.Now()
	if !forceRefresh && p.token != "" && now.Before(p.tokenExpiry.Add(-time.Minute)) {
		return p.token, nil
	}

	expiry := now.Add(p.cfg.TokenTTL)
	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.cfg.Issuer,
			Subject:   p.user.UID,
			Audience:  jwt.ClaimStrings{p.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Email: p.user.Email,
		Phone: p.user.Phone,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.SigningSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}

	p.token = token
	p.tokenExpiry = expiry
	return token, nil
}

// SignOut clears the provider session and notifies subscribers. The identity
// is cleared even when the configured sign-out error fires, mirroring the
// web-layer behavior where the local session dies regardless.
func (p *SimpleProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	err := p.SignOutErr
	p.user = interfaces.AuthUser{}
	p.signedIn = false
	p.token = ""
	subs := p.snapshotSubscribers()
	p.mu.Unlock()

	for _, notify := range subs {
		notify(interfaces.AuthUser{}, false)
	}

	if err != nil {
		return fmt.Errorf("provider sign-out failed: %w", err)
	}
	return nil
}

// Subscribe registers an identity-change listener.
func (p *SimpleProvider) Subscribe(fn func(interfaces.AuthUser, bool)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// snapshotSubscribers must be called with the mutex held.
func (p *SimpleProvider) snapshotSubscribers() []func(interfaces.AuthUser, bool) {
	subs := make([]func(interfaces.AuthUser, bool), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

// IDTokenClaims are the claims carried by an ID token.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// VerifyIDToken parses and validates an HS256 ID token. Backend services use
// it to authenticate share-service and custodial requests.
func VerifyIDToken(tokenString string, secret []byte, issuer string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
