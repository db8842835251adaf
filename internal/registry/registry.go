// Package registry is the Account Registry (spec.md §4.1): it loads, saves,
// and indexes the durable set of scraping accounts from data.json.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cookie mirrors one stored session cookie (spec.md §3).
type Cookie struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"httpOnly"`
	SameSite string    `json:"sameSite"`
}

// Account is one scraping identity. JSON field names match data.json's
// wire format exactly (spec.md §6), plus an internal-only "id".
type Account struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Email    string   `json:"email"`
	TwoFA    string   `json:"2fa"`
	Usable   bool     `json:"usable"`
	IsLocked bool     `json:"isLocked"`
	Cookie   []Cookie `json:"cookie"`
}

// Clone returns a deep-enough copy safe for callers to mutate without
// affecting the registry's internal state.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Cookie = append([]Cookie(nil), a.Cookie...)
	return &cp
}

// Registry owns data.json. Loading is idempotent and guarded by a single
// loader (spec.md §4.1: "subsequent callers observe the already-loaded
// set"); saving takes the single writer lock and uses write-then-rename.
type Registry struct {
	path   string
	crypto *Crypto

	loadOnce sync.Once
	loadErr  error

	mu       sync.RWMutex
	accounts map[string]*Account // keyed by username
	order    []string            // preserves on-disk ordering for List/Save
}

func New(path string, crypto *Crypto) *Registry {
	return &Registry{
		path:     path,
		crypto:   crypto,
		accounts: make(map[string]*Account),
	}
}

// Load reads data.json into memory. Missing file yields an empty set, not
// an error. Safe to call from many goroutines; only the first performs I/O.
func (r *Registry) Load() error {
	r.loadOnce.Do(func() {
		r.loadErr = r.loadLocked()
	})
	return r.loadErr
}

func (r *Registry) loadLocked() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var wire []wireAccount
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range wire {
		acct, err := r.decode(w)
		if err != nil {
			return fmt.Errorf("decode account %s: %w", w.Username, err)
		}
		if acct.ID == "" {
			acct.ID = uuid.New().String()
		}
		r.accounts[acct.Username] = acct
		r.order = append(r.order, acct.Username)
	}
	return nil
}

// wireAccount is the on-disk shape: password/2fa encrypted at rest.
type wireAccount struct {
	ID       string   `json:"id,omitempty"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Email    string   `json:"email"`
	TwoFA    string   `json:"2fa"`
	Usable   bool     `json:"usable"`
	IsLocked bool     `json:"isLocked"`
	Cookie   []Cookie `json:"cookie"`
}

func (r *Registry) decode(w wireAccount) (*Account, error) {
	password, err := r.crypto.Decrypt(FieldPassword, w.Password)
	if err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}
	twoFA, err := r.crypto.Decrypt(Field2FA, w.TwoFA)
	if err != nil {
		return nil, fmt.Errorf("decrypt 2fa: %w", err)
	}
	return &Account{
		ID:       w.ID,
		Username: w.Username,
		Password: password,
		Email:    w.Email,
		TwoFA:    twoFA,
		Usable:   w.Usable,
		IsLocked: w.IsLocked,
		Cookie:   w.Cookie,
	}, nil
}

func (r *Registry) encode(a *Account) (wireAccount, error) {
	password, err := r.crypto.Encrypt(FieldPassword, a.Password)
	if err != nil {
		return wireAccount{}, fmt.Errorf("encrypt password: %w", err)
	}
	twoFA, err := r.crypto.Encrypt(Field2FA, a.TwoFA)
	if err != nil {
		return wireAccount{}, fmt.Errorf("encrypt 2fa: %w", err)
	}
	return wireAccount{
		ID:       a.ID,
		Username: a.Username,
		Password: password,
		Email:    a.Email,
		TwoFA:    twoFA,
		Usable:   a.Usable,
		IsLocked: a.IsLocked,
		Cookie:   a.Cookie,
	}, nil
}

// List returns a snapshot of all accounts.
func (r *Registry) List() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Account, 0, len(r.order))
	for _, u := range r.order {
		if a, ok := r.accounts[u]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// FindByUsername returns the account, or nil if not present.
func (r *Registry) FindByUsername(username string) *Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[username]
	if !ok {
		return nil
	}
	return a.Clone()
}

// Add inserts a new account (admin operation, external to the dispatch
// path) and persists the whole set.
func (r *Registry) Add(a *Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	r.mu.Lock()
	if _, exists := r.accounts[a.Username]; exists {
		r.mu.Unlock()
		return fmt.Errorf("account %s already exists", a.Username)
	}
	r.accounts[a.Username] = a.Clone()
	r.order = append(r.order, a.Username)
	r.mu.Unlock()

	return r.Save()
}

// MarkLocked sets isLocked=true, usable=false and persists (spec.md Table 1,
// ACCOUNT_LOCKED / JSON-coded-326 transitions).
func (r *Registry) MarkLocked(username string) error {
	return r.mutate(username, func(a *Account) {
		a.IsLocked = true
		a.Usable = false
	})
}

// MarkSuspended sets usable=false and persists (spec.md Table 1,
// ACCOUNT_SUSPENDED / TIMEOUT transitions). isLocked is left untouched —
// SUSPENDED is a process-lifetime sink enforced by the Health Tracker, not
// the registry's hard lock.
func (r *Registry) MarkSuspended(username string) error {
	return r.mutate(username, func(a *Account) {
		a.Usable = false
	})
}

// SetCookies replaces an account's stored session cookies and persists
// (spec.md §4.1, refreshed on login success).
func (r *Registry) SetCookies(username string, cookies []Cookie) error {
	return r.mutate(username, func(a *Account) {
		a.Cookie = append([]Cookie(nil), cookies...)
	})
}

// Update applies admin-supplied field changes to an existing account
// (spec.md §6 admin-registry CRUD) and persists.
func (r *Registry) Update(username string, fn func(*Account)) error {
	return r.mutate(username, fn)
}

// Delete removes one account unconditionally (admin operation) and
// persists.
func (r *Registry) Delete(username string) error {
	r.mu.Lock()
	if _, ok := r.accounts[username]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("account %s not found", username)
	}
	delete(r.accounts, username)
	kept := make([]string, 0, len(r.order))
	for _, u := range r.order {
		if u != username {
			kept = append(kept, u)
		}
	}
	r.order = kept
	r.mu.Unlock()

	return r.Save()
}

// ClearCookies drops one account's stored session (admin operation) and
// persists.
func (r *Registry) ClearCookies(username string) error {
	return r.mutate(username, func(a *Account) {
		a.Cookie = nil
	})
}

// ClearAllCookies drops every account's stored session in one pass and
// persists once.
func (r *Registry) ClearAllCookies() error {
	r.mu.Lock()
	for _, u := range r.order {
		r.accounts[u].Cookie = nil
	}
	r.mu.Unlock()

	return r.Save()
}

// Unlock clears isLocked/usable — administrative recovery only (spec.md
// §9: "Recovery is therefore admin-only"). Never called by a background
// loop.
func (r *Registry) Unlock(username string) error {
	return r.mutate(username, func(a *Account) {
		a.IsLocked = false
		a.Usable = true
	})
}

// DeleteLocked removes every account with isLocked=true and persists.
func (r *Registry) DeleteLocked() error {
	r.mu.Lock()
	var kept []string
	for _, u := range r.order {
		a := r.accounts[u]
		if a.IsLocked {
			delete(r.accounts, u)
			continue
		}
		kept = append(kept, u)
	}
	r.order = kept
	r.mu.Unlock()

	return r.Save()
}

func (r *Registry) mutate(username string, fn func(*Account)) error {
	r.mu.Lock()
	a, ok := r.accounts[username]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("account %s not found", username)
	}
	fn(a)
	r.mu.Unlock()

	return r.Save()
}

// Save writes the entire account set atomically: write to a temp file in
// the same directory, then rename over the destination (spec.md §4.1).
func (r *Registry) Save() error {
	// Held through the rename so saves are serialized and a slower save
	// cannot overwrite a newer one.
	r.mu.Lock()
	defer r.mu.Unlock()

	wire := make([]wireAccount, 0, len(r.order))
	for _, u := range r.order {
		a := r.accounts[u]
		w, err := r.encode(a)
		if err != nil {
			return err
		}
		wire = append(wire, w)
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".data-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
