package payu

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

// Credentials identify the merchant user and the account whose reports are pulled.
type Credentials struct {
	Username   string
	Password   string
	MerchantID string
	AccountID  string
}

// AuthConfig configures the Authenticator.
type AuthConfig struct {
	LoginURL       string
	APIBaseURL     string
	UserAgent      string
	Origin         string
	RequestTimeout time.Duration
	SessionTTL     time.Duration
}

// Authenticator logs in to the merchant panel API, selects the merchant and
// caches the resulting session until SessionTTL passes or Invalidate is called.
type Authenticator struct {
	cfg    AuthConfig
	creds  Credentials
	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	session   *HTTPSession
	expiresAt time.Time
}

// NewAuthenticator creates an Authenticator. client may be nil.
func NewAuthenticator(cfg AuthConfig, creds Credentials, client *http.Client) *Authenticator {
	if client == nil {
		client = &http.Client{}
	}
	return &Authenticator{cfg: cfg, creds: creds, client: client, now: time.Now}
}

// ValidSession implements SessionProvider.
func (a *Authenticator) ValidSession(ctx context.Context) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil && a.now().Before(a.expiresAt) {
		return a.session, nil
	}

	sess, err := a.login(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.switchMerchant(ctx, sess); err != nil {
		return nil, err
	}

	a.session = sess
	a.expiresAt = a.now().Add(a.cfg.SessionTTL)
	return sess, nil
}

// Invalidate drops the cached session so the next call logs in again.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
}

func (a *Authenticator) baseSession() *HTTPSession {
	headers := http.Header{}
	if a.cfg.UserAgent != "" {
		headers.Set("User-Agent", a.cfg.UserAgent)
	}
	if a.cfg.Origin != "" {
		headers.Set("Origin", a.cfg.Origin)
		headers.Set("Referer", strings.TrimSuffix(a.cfg.Origin, "/")+"/")
	}
	return NewHTTPSession(a.client, headers, a.cfg.RequestTimeout)
}

func (a *Authenticator) login(ctx context.Context) (*HTTPSession, error) {
	log := logger.FromContext(ctx)
	log.Info().Str("user", a.creds.Username).Msg("Logging in to PayU")

	base := a.baseSession()
	resp, err := base.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    a.cfg.LoginURL,
		Body: map[string]string{
			"login":           a.creds.Username,
			"password":        a.creds.Password,
			"captchaResponse": "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Authenticator.login: %w", err)
	}
	if err := classify("login", resp); err != nil {
		return nil, fmt.Errorf("Authenticator.login: %w", err)
	}

	token := resp.Header.Get("jwt_auth")
	if token == "" {
		return nil, &domain.AuthError{Op: "login", StatusCode: resp.StatusCode, Msg: "no jwt_auth header in response"}
	}

	return base.
		WithHeader("Authorization", "Bearer "+token).
		WithHeader("accountId", a.creds.AccountID), nil
}

func (a *Authenticator) switchMerchant(ctx context.Context, sess *HTTPSession) error {
	merchantID, err := strconv.Atoi(a.creds.MerchantID)
	if err != nil {
		return &domain.ValidationError{Field: "merchant_id", Msg: err.Error()}
	}

	resp, err := sess.Do(ctx, Request{
		Method: http.MethodPut,
		URL:    fmt.Sprintf("%s/authorization/users/switch-merchant/%s", a.cfg.APIBaseURL, a.creds.MerchantID),
		Body:   map[string]int{"merchantId": merchantID},
	})
	if err != nil {
		return fmt.Errorf("Authenticator.switchMerchant: %w", err)
	}
	if err := classify("switch-merchant", resp); err != nil {
		return fmt.Errorf("Authenticator.switchMerchant: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("merchant_id", a.creds.MerchantID).Msg("Merchant selected")
	return nil
}

var _ SessionProvider = (*Authenticator)(nil)
