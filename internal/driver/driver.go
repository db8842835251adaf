// Package driver is the Driver Session (spec.md §4.6): the opaque upstream
// scraping client wrapper, with cookies-first/credentials-second login and
// a fixed verb set the Operation Catalog dispatches against.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/accountorch/orchestrator/internal/proxypool"
	"github.com/accountorch/orchestrator/internal/registry"
)

// Client is the fixed verb set spec.md §4.6 exposes to the Operation
// Catalog. The upstream is treated as opaque; Session is the only
// implementation, but the interface lets the Dispatcher and catalog stay
// decoupled from the concrete HTTP shape for testing.
type Client interface {
	SearchTweets(ctx context.Context, q, mode, cursor string) ([]byte, error)
	GetProfile(ctx context.Context, username string) ([]byte, error)
	GetProfileByUserID(ctx context.Context, id string) ([]byte, error)
	GetTweets(ctx context.Context, username string, n int) ([]byte, error)
	GetTweetsAndReplies(ctx context.Context, username string, n int) ([]byte, error)
	GetUserTweets(ctx context.Context, idOrName string, n int, cursor string) ([]byte, error)
	GetTweet(ctx context.Context, id string) ([]byte, error)
	FetchProfileFollowers(ctx context.Context, id string, n int, cursor string) ([]byte, error)
	FetchProfileFollowing(ctx context.Context, id string, n int, cursor string) ([]byte, error)
	SearchProfiles(ctx context.Context, q string, n int, cursor string) ([]byte, error)
	SetCookies(cookies []registry.Cookie)
	GetCookies() []registry.Cookie
	Login(ctx context.Context, user, pass, email, totp string) error
}

// Session wraps one account + its bound proxy + an *http.Client obtained
// from the TransportProvider. It is constructed fresh per dispatch attempt
// (the "per-call dispatcher object" strategy, SPEC_FULL.md §5) so no
// process-global round-tripper state is mutated between accounts.
type Session struct {
	account  *registry.Account
	proxy    *proxypool.Proxy
	client   *http.Client
	baseURL  string
	cookies  []registry.Cookie
}

// NewSession builds a Session bound to acct's proxy for the duration of one
// dispatch attempt.
func NewSession(acct *registry.Account, px *proxypool.Proxy, provider *TransportProvider, baseURL string) *Session {
	return &Session{
		account: acct,
		proxy:   px,
		client:  provider.Client(px),
		baseURL: baseURL,
		cookies: append([]registry.Cookie(nil), acct.Cookie...),
	}
}

func (s *Session) SetCookies(cookies []registry.Cookie) { s.cookies = cookies }
func (s *Session) GetCookies() []registry.Cookie        { return s.cookies }

// EnsureLogin implements spec.md §4.6's login policy.
//  1. isLocked -> refuse.
//  2. stored cookies present -> install without validation (lazy: only a
//     real call surfaces session rot, which then maps to AUTH/SUSPENDED).
//  3. else wait 1s (anti-burst), call login under the timeout, capture
//     {auth_token, ct0, guest_id}, persist to the registry.
//  4. a login error whose body parses as JSON code 326 marks the account
//     LOCKED and persists.
func (s *Session) EnsureLogin(ctx context.Context, reg *registry.Registry, antiBurstWait, timeout time.Duration) error {
	if s.account.IsLocked {
		return fmt.Errorf("account %s is locked", s.account.Username)
	}

	if len(s.cookies) > 0 {
		return nil
	}

	select {
	case <-time.After(antiBurstWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cookies, err := s.loginRequest(loginCtx, s.account.Username, s.account.Password, s.account.Email, s.account.TwoFA)
	if err != nil {
		if code, ok := loginErrorCode(err); ok && code == 326 {
			if markErr := reg.MarkLocked(s.account.Username); markErr != nil {
				return fmt.Errorf("login: %w (and failed to persist lock: %v)", err, markErr)
			}
		}
		return fmt.Errorf("login: %w", err)
	}

	s.cookies = cookies
	if err := reg.SetCookies(s.account.Username, cookies); err != nil {
		return fmt.Errorf("persist cookies: %w", err)
	}
	return nil
}

// loginRequest is the one network call Session makes directly rather than
// through the Client verb set, since login is a prerequisite for every
// other verb rather than an Operation Catalog entry itself.
func (s *Session) loginRequest(ctx context.Context, user, pass, email, totp string) ([]registry.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/login", strings.NewReader(
		fmt.Sprintf(`{"username":%q,"password":%q,"email":%q,"totp":%q}`, user, pass, email, totp),
	))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamError{status: resp.StatusCode, body: body}
	}

	return extractSessionCookies(resp), nil
}

func extractSessionCookies(resp *http.Response) []registry.Cookie {
	var out []registry.Cookie
	wanted := map[string]bool{"auth_token": true, "ct0": true, "guest_id": true}
	for _, c := range resp.Cookies() {
		if !wanted[c.Name] {
			continue
		}
		out = append(out, registry.Cookie{
			Key:      c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
			SameSite: sameSiteString(c.SameSite),
		})
	}
	return out
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

// upstreamError carries the raw status+body so the health classifier (which
// is a pure function of message+JSON body) can see both.
type upstreamError struct {
	status int
	body   []byte
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream login failed: status %d: %s", e.status, string(e.body))
}

func (e *upstreamError) JSONBody() []byte { return e.body }

func loginErrorCode(err error) (int, bool) {
	ue, ok := err.(*upstreamError)
	if !ok {
		return 0, false
	}
	var parsed struct {
		Errors []struct {
			Code int `json:"code"`
		} `json:"errors"`
	}
	if jsonErr := json.Unmarshal(ue.body, &parsed); jsonErr != nil {
		return 0, false
	}
	for _, e := range parsed.Errors {
		if e.Code != 0 {
			return e.Code, true
		}
	}
	return 0, false
}

// attachCookies installs the session's cookies onto an outgoing request
// before every call verb below — lazily, without validating them upstream.
func (s *Session) attachCookies(req *http.Request) {
	for _, c := range s.cookies {
		req.AddCookie(&http.Cookie{Name: c.Key, Value: c.Value})
	}
}

func (s *Session) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.attachCookies(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamError{status: resp.StatusCode, body: body}
	}
	return body, nil
}

func (s *Session) SearchTweets(ctx context.Context, q, mode, cursor string) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/search/tweets?q=%s&mode=%s&cursor=%s", q, mode, cursor))
}

func (s *Session) GetProfile(ctx context.Context, username string) ([]byte, error) {
	return s.get(ctx, "/profile/"+username)
}

func (s *Session) GetProfileByUserID(ctx context.Context, id string) ([]byte, error) {
	return s.get(ctx, "/profile/by-id/"+id)
}

func (s *Session) GetTweets(ctx context.Context, username string, n int) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/tweets/%s?n=%d", username, n))
}

func (s *Session) GetTweetsAndReplies(ctx context.Context, username string, n int) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/tweets-and-replies/%s?n=%d", username, n))
}

func (s *Session) GetUserTweets(ctx context.Context, idOrName string, n int, cursor string) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/user-tweets/%s?n=%d&cursor=%s", idOrName, n, cursor))
}

func (s *Session) GetTweet(ctx context.Context, id string) ([]byte, error) {
	return s.get(ctx, "/tweet/"+id)
}

func (s *Session) FetchProfileFollowers(ctx context.Context, id string, n int, cursor string) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/followers/%s?n=%d&cursor=%s", id, n, cursor))
}

func (s *Session) FetchProfileFollowing(ctx context.Context, id string, n int, cursor string) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/following/%s?n=%d&cursor=%s", id, n, cursor))
}

// SearchProfiles pages like FetchProfileFollowers/FetchProfileFollowing:
// one page of up to n profiles, plus (via the page's trailing element) the
// cursor for the next page. catalog.SearchProfilesSeq drives the paging.
func (s *Session) SearchProfiles(ctx context.Context, q string, n int, cursor string) ([]byte, error) {
	return s.get(ctx, fmt.Sprintf("/search/profiles?q=%s&n=%d&cursor=%s", q, n, cursor))
}

// Login satisfies Client directly for callers that want to force a real
// login regardless of cached cookies. The Dispatcher's dry-run reactivation
// goes through EnsureLogin instead, which reuses stored cookies.
func (s *Session) Login(ctx context.Context, user, pass, email, totp string) error {
	cookies, err := s.loginRequest(ctx, user, pass, email, totp)
	if err != nil {
		return err
	}
	s.cookies = cookies
	return nil
}

var _ Client = (*Session)(nil)
