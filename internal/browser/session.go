// Package browser owns the single live browser session against the
// external site. The site tolerates exactly one active session, so the
// manager serializes access: sessions are tagged with an owner token,
// a recently active session held by a different owner is refused (not
// seized), and only a session idle past the staleness threshold is
// force-reset. Sessions are also retired proactively on age and
// use-count ceilings to bound cache and memory growth in a
// long-running process.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// staleOwnerThreshold is how long a session owned by another flow may
// sit idle before it is considered abandoned and eligible for reset.
// Below this, an in-flight login or upload could still be using it.
const staleOwnerThreshold = 30 * time.Second

// Sentinel errors distinguishing the recovery paths: a busy session is
// retried later, a lost session needs a full rebuild, a failed login is
// fatal for the pass.
var (
	// ErrSessionBusy means another flow holds a recently active
	// session. Retryable: back off and call Acquire again.
	ErrSessionBusy = errors.New("browser session is owned by another flow")
	// ErrSessionLost means the session's browser process or target is
	// gone and the session must be fully rebuilt, not retried in place.
	ErrSessionLost = errors.New("browser session lost")
	// ErrLoginFailed means credential login did not reach an
	// authenticated page.
	ErrLoginFailed = errors.New("login to external site failed")
)

// Config holds what the manager needs to build and authenticate sessions.
type Config struct {
	Email       string
	Password    string
	BaseURL     string
	ProxyURL    string // empty means direct connection
	CookiesFile string
	DownloadDir string
	MaxAge      time.Duration // retire sessions older than this
	MaxUses     int           // retire sessions that served this many submissions
}

// Page is an acquired, authenticated browser page. The context drives
// all chromedp actions against the current session.
type Page struct {
	ctx context.Context
}

// Context returns the chromedp context for running actions.
func (p *Page) Context() context.Context { return p.ctx }

// session is one live browser + context + page.
type session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	createdAt   time.Time
	uses        int
}

// Manager serializes access to the process-wide browser session.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	sess         *session
	owner        string
	lastActivity time.Time

	now     func() time.Time
	build   func(ctx context.Context) (*session, error)
	probe   func(ctx context.Context) error
	destroy func(s *session)
}

// NewManager creates a session manager. No browser is launched until
// the first Acquire.
func NewManager(cfg Config) *Manager {
	m := &Manager{cfg: cfg, now: time.Now}
	m.build = m.buildSession
	m.probe = m.probeSession
	m.destroy = func(s *session) {
		s.cancel()
		s.allocCancel()
	}
	return m
}

// Acquire returns an authenticated page for the given owner token. One
// processor pass uses one token for its whole lifetime.
//
// Ownership rules, in order:
//  1. Held by a different owner and active within the staleness
//     threshold: refuse with ErrSessionBusy rather than seizing it.
//  2. Held by a different owner but idle past the threshold: abandon
//     the old session without closing its resources (closing another
//     flow's browser handles mid-operation is unsafe) and build fresh.
//  3. Held by this owner, or unowned: reuse after a validity probe,
//     unless the session hit its age or use-count ceiling.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil && m.owner != "" && m.owner != owner {
		idle := m.now().Sub(m.lastActivity)
		if idle < staleOwnerThreshold {
			log.Printf("[SESSION] Refusing acquire for %s: held by %s, active %s ago", owner, m.owner, idle.Round(time.Second))
			return nil, ErrSessionBusy
		}
		log.Printf("[SESSION] Owner %s stale (idle %s), abandoning its session", m.owner, idle.Round(time.Second))
		// Deliberately no destroy: closing resources that belong to
		// another flow can crash an operation that is merely slow.
		// The runtime reclaims the abandoned browser when its context
		// eventually dies with the process.
		m.sess = nil
		m.owner = ""
	}

	if m.sess != nil {
		if m.retired() {
			log.Printf("[SESSION] Retiring session (age %s, uses %d)", m.now().Sub(m.sess.createdAt).Round(time.Second), m.sess.uses)
			m.destroy(m.sess)
			m.sess = nil
		} else if err := m.probe(m.sess.ctx); err != nil {
			log.Printf("[SESSION] Validity probe failed, rebuilding: %v", err)
			m.destroy(m.sess)
			m.sess = nil
		}
	}

	if m.sess == nil {
		log.Printf("[SESSION] Creating new browser session...")
		s, err := m.build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create browser session: %w", err)
		}
		m.sess = s
	}

	m.owner = owner
	m.lastActivity = m.now()
	m.sess.uses++
	return &Page{ctx: m.sess.ctx}, nil
}

// Touch records activity on the session, keeping ownership fresh while
// a long operation (upload, score poll) is in flight.
func (m *Manager) Touch(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.lastActivity = m.now()
	}
}

// Release gives up ownership but keeps the session alive for the next
// pass. Only the current owner may release.
func (m *Manager) Release(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.owner = ""
		m.lastActivity = m.now()
	}
}

// Invalidate tears down the current session. Only the owning flow (or
// an unowned manager) may invalidate; other callers get ErrSessionBusy.
func (m *Manager) Invalidate(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != "" && m.owner != owner {
		return ErrSessionBusy
	}
	if m.sess != nil {
		m.destroy(m.sess)
		m.sess = nil
	}
	m.owner = ""
	return nil
}

// ForceReset drops the session unconditionally without attempting to
// close cross-flow resources. Used after session-layer errors where
// the browser state is unknown.
func (m *Manager) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Printf("[SESSION] Force reset requested; abandoning current session")
	m.sess = nil
	m.owner = ""
}

// Active reports whether a live session currently exists.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

func (m *Manager) retired() bool {
	if m.cfg.MaxAge > 0 && m.now().Sub(m.sess.createdAt) > m.cfg.MaxAge {
		return true
	}
	if m.cfg.MaxUses > 0 && m.sess.uses >= m.cfg.MaxUses {
		return true
	}
	return false
}

// IsSessionError reports whether err is a session-layer failure that
// requires a full session rebuild rather than an in-place retry.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionLost) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "browser process") ||
		strings.Contains(msg, "websocket")
}

// buildSession launches a headless browser, attempts cookie-based
// reuse, and falls back to credential login.
func (m *Manager) buildSession(parent context.Context) (*session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if m.cfg.ProxyURL != "" {
		log.Printf("[SESSION] Routing browser traffic through proxy")
		opts = append(opts, chromedp.ProxyServer(m.cfg.ProxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)

	ctx, cancel := chromedp.NewContext(allocCtx)

	s := &session{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		createdAt:   m.now(),
	}

	// Route downloads to our directory so report PDFs land somewhere
	// predictable.
	if m.cfg.DownloadDir != "" {
		if err := chromedp.Run(ctx,
			browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
				WithDownloadPath(m.cfg.DownloadDir).
				WithEventsEnabled(true),
		); err != nil {
			m.destroy(s)
			return nil, fmt.Errorf("failed to configure downloads: %w", err)
		}
	}

	if m.restoreCookies(ctx) && m.cookieSessionValid(ctx) {
		log.Printf("[SESSION] Authenticated via saved cookies")
		return s, nil
	}

	log.Printf("[SESSION] Cookie reuse failed, performing credential login")
	if err := m.login(ctx); err != nil {
		m.destroy(s)
		return nil, err
	}
	m.persistCookies(ctx)
	return s, nil
}

// probeSession is the lightweight validity check before reusing a
// session: navigate to the instructor home and confirm we are not
// looking at the login form. Navigation timeouts get one re-navigation
// before the probe is declared failed.
func (m *Manager) probeSession(ctx context.Context) error {
	probe := func() error {
		tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		var loggedOut bool
		return chromedp.Run(tctx,
			chromedp.Navigate(m.cfg.BaseURL+"/t_home.asp"),
			chromedp.WaitReady("body"),
			chromedp.Evaluate(`document.querySelector('input[type="email"], input[name="email"]') !== null`, &loggedOut),
			chromedp.ActionFunc(func(context.Context) error {
				if loggedOut {
					return fmt.Errorf("login form visible: %w", ErrSessionLost)
				}
				return nil
			}),
		)
	}
	if err := probe(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[SESSION] Probe navigation timed out, re-navigating once")
			return probe()
		}
		return err
	}
	return nil
}

// cookieSessionValid checks whether restored cookies still carry an
// authenticated session.
func (m *Manager) cookieSessionValid(ctx context.Context) bool {
	tctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	var onLogin bool
	err := chromedp.Run(tctx,
		chromedp.Navigate(m.cfg.BaseURL+"/t_home.asp"),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(`window.location.href.toLowerCase().includes("login")`, &onLogin),
	)
	if err != nil {
		log.Printf("[SESSION] Cookie session test failed: %v", err)
		return false
	}
	return !onLogin
}

// login performs credential login and verifies an authenticated page
// was reached.
func (m *Manager) login(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	err := chromedp.Run(tctx,
		network.ClearBrowserCookies(),
		chromedp.Navigate(m.cfg.BaseURL+"/login_page.asp?lang=en_us"),
		chromedp.WaitVisible(`input[type="email"], input[name="email"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[type="email"], input[name="email"]`, m.cfg.Email, chromedp.ByQuery),
		chromedp.SendKeys(`input[type="password"], input[name="password"]`, m.cfg.Password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"], input[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(10*time.Second),
	)
	if err != nil {
		return fmt.Errorf("login flow failed: %w", err)
	}

	var stillOnLogin bool
	err = chromedp.Run(tctx,
		chromedp.Evaluate(`window.location.href.toLowerCase().includes("login")`, &stillOnLogin),
	)
	if err != nil {
		return fmt.Errorf("login verification failed: %w", err)
	}
	if stillOnLogin {
		return ErrLoginFailed
	}
	log.Printf("[SESSION] Credential login successful")
	return nil
}

// cookieFile is the persisted cookie shape.
type cookieFile struct {
	Cookies []*network.Cookie `json:"cookies"`
}

// restoreCookies loads saved cookies into the session, if any exist.
func (m *Manager) restoreCookies(ctx context.Context) bool {
	data, err := os.ReadFile(m.cfg.CookiesFile)
	if err != nil {
		return false
	}
	var cf cookieFile
	if err := json.Unmarshal(data, &cf); err != nil || len(cf.Cookies) == 0 {
		log.Printf("[SESSION] Ignoring unreadable cookies file: %v", err)
		return false
	}

	params := make([]*network.CookieParam, 0, len(cf.Cookies))
	for _, c := range cf.Cookies {
		expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  &expires,
		})
	}

	err = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		log.Printf("[SESSION] Failed to restore cookies: %v", err)
		return false
	}
	log.Printf("[SESSION] Restored %d cookies", len(params))
	return true
}

// persistCookies writes the current session cookies for reuse on the
// next session build.
func (m *Manager) persistCookies(ctx context.Context) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		log.Printf("[SESSION] Failed to read cookies for persistence: %v", err)
		return
	}
	data, err := json.MarshalIndent(cookieFile{Cookies: cookies}, "", "  ")
	if err != nil {
		log.Printf("[SESSION] Failed to marshal cookies: %v", err)
		return
	}
	if err := os.WriteFile(m.cfg.CookiesFile, data, 0600); err != nil {
		log.Printf("[SESSION] Failed to write cookies file: %v", err)
		return
	}
	log.Printf("[SESSION] Saved %d cookies", len(cookies))
}
