package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pquerna/otp/totp"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"github.com/markus-barta/wipboard/internal/store"
)

const (
	sessionCookie = "wipboard_session"
	tokenBytes    = 32
)

// Login failures, mapped to login page messages by loginMessage.
var (
	errRateLimited = errors.New("too many login attempts")
	errBadPassword = errors.New("invalid password")
	errBadTOTP     = errors.New("invalid TOTP code")
)

// loginLimiter allows at most limit login attempts per client IP within a
// sliding window.
type loginLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string][]time.Time // attempt times per IP, oldest first
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	return &loginLimiter{limit: limit, window: window, seen: make(map[string][]time.Time)}
}

// take records an attempt at now unless ip already used up its window.
func (l *loginLimiter) take(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	recent := lo.DropWhile(l.seen[ip], func(t time.Time) bool { return !t.After(cutoff) })
	if len(recent) >= l.limit {
		l.seen[ip] = recent
		return false
	}
	l.seen[ip] = append(recent, now)
	return true
}

func (l *loginLimiter) forget(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, ip)
}

// AuthService checks browser logins and API tokens. Sessions are kept in
// the state store so they survive restarts.
type AuthService struct {
	cfg     *Config
	store   *store.StateStore
	limiter *loginLimiter
	now     func() time.Time
}

// NewAuthService creates an AuthService over st.
func NewAuthService(cfg *Config, st *store.StateStore) *AuthService {
	return &AuthService{
		cfg:     cfg,
		store:   st,
		limiter: newLoginLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		now:     time.Now,
	}
}

// Login checks an attempt from ip against the rate limit, the password
// hash and, when configured, the TOTP code. A successful login clears the
// IP's attempts and opens a session.
func (a *AuthService) Login(ctx context.Context, ip, password, code string) (*store.Session, error) {
	if !a.limiter.take(ip, a.now()) {
		return nil, errRateLimited
	}
	if bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password)) != nil {
		return nil, errBadPassword
	}
	if a.cfg.HasTOTP() && !totp.Validate(code, a.cfg.TOTPSecret) {
		return nil, errBadTOTP
	}

	sess, err := a.openSession(ctx)
	if err != nil {
		return nil, err
	}
	a.limiter.forget(ip)
	return sess, nil
}

// loginMessage is the text the login page shows for a Login error.
func loginMessage(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return "Too many attempts. Please wait."
	case errors.Is(err, errBadPassword):
		return "Invalid password"
	case errors.Is(err, errBadTOTP):
		return "Invalid TOTP code"
	default:
		return "Server error"
	}
}

func (a *AuthService) openSession(ctx context.Context) (*store.Session, error) {
	id, err := randomToken()
	if err != nil {
		return nil, err
	}
	csrf, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := a.now()
	sess := store.Session{
		ID:        id,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(a.cfg.SessionDuration),
	}
	if err := a.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Session returns the live session named by the request's cookie.
func (a *AuthService) Session(r *http.Request) (*store.Session, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return nil, store.ErrSessionNotFound
	}
	return a.store.Session(r.Context(), c.Value, a.now())
}

// Logout deletes sess, if any, and expires the cookie.
func (a *AuthService) Logout(ctx context.Context, w http.ResponseWriter, sess *store.Session) error {
	a.setCookie(w, nil)
	if sess == nil {
		return nil
	}
	return a.store.DeleteSession(ctx, sess.ID)
}

// PruneSessions deletes expired sessions.
func (a *AuthService) PruneSessions(ctx context.Context) (int64, error) {
	return a.store.DeleteExpiredSessions(ctx, a.now())
}

// ValidCSRF reports whether token is the session's CSRF token.
func (a *AuthService) ValidCSRF(sess *store.Session, token string) bool {
	return sess != nil && tokensEqual(sess.CSRFToken, token)
}

// ValidAPIToken reports whether token is the API token shared with widget
// runtimes and producers.
func (a *AuthService) ValidAPIToken(token string) bool {
	return a.cfg.APIToken != "" && tokensEqual(a.cfg.APIToken, token)
}

// setCookie writes the session cookie, or clears it when sess is nil.
func (a *AuthService) setCookie(w http.ResponseWriter, sess *store.Session) {
	c := &http.Cookie{
		Name:     sessionCookie,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if sess == nil {
		c.MaxAge = -1
	} else {
		c.Value = sess.ID
		c.Expires = sess.ExpiresAt
	}
	http.SetCookie(w, c)
}

func tokensEqual(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
