// Package catalog is the Operation Catalog (spec.md §4.8): the fixed set
// of high-level operations the Dispatcher exposes upward, each a name, a
// timeout class, and a closure that invokes the Driver Session. Response
// normalization (username-from-URL, HTML stripping, cycle breaking) lives
// here, not in the Dispatcher.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/accountorch/orchestrator/internal/driver"
)

// TimeoutClass is one of Table 2's five named timeout buckets.
type TimeoutClass string

const (
	ClassLogin   TimeoutClass = "login"
	ClassSearch  TimeoutClass = "search"
	ClassProfile TimeoutClass = "profile"
	ClassTweet   TimeoutClass = "tweet"
	ClassDefault TimeoutClass = "default"
)

// Timeouts maps each class to its base duration (spec.md Table 2).
var Timeouts = map[TimeoutClass]time.Duration{
	ClassLogin:   45 * time.Second,
	ClassSearch:  60 * time.Second,
	ClassProfile: 30 * time.Second,
	ClassTweet:   35 * time.Second,
	ClassDefault: 30 * time.Second,
}

// OperationFunc is a closure invoking one driver verb against the session
// bound to whichever account the Dispatcher selected.
type OperationFunc func(ctx context.Context, c driver.Client) ([]byte, error)

// OperationSpec is one catalog entry: a fixed name, timeout class, and the
// closure the Dispatcher runs under that timeout.
type OperationSpec struct {
	Name  string
	Class TimeoutClass
	Run   OperationFunc

	// TimeoutMultiplier scales Class's base duration for ops whose closure
	// does more work than a single upstream call (spec.md §4.8's
	// getUserTweetsLarge runs a paginating loop with inter-batch sleeps
	// under its own op's timeout, not one request). Zero means 1x.
	TimeoutMultiplier float64
}

// EffectiveTimeout is Timeouts[s.Class] scaled by s.TimeoutMultiplier (1x
// when unset). The Dispatcher derives every op's context deadline from this
// instead of indexing Timeouts directly, so a multiplied op actually gets
// the extra budget its catalog entry declares.
func (s OperationSpec) EffectiveTimeout() time.Duration {
	mult := s.TimeoutMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(Timeouts[s.Class]) * mult)
}

// Names is the fixed, enumerated set of operation names spec.md §4.8 lists.
// Each constructor below binds arguments to one of these names; the
// Dispatcher never invents a name outside this set.
var Names = []string{
	"searchTweets", "getProfile", "getTweets", "getTweetsAndReplies",
	"getLatestTweet", "getTweet", "getTweetReplies", "getTweetQuotes",
	"getProfileFollowers", "getProfileFollowing", "searchProfiles",
	"getUserTweetsLarge", "getUserTimelineInDateRange", "getUserTimelineBySearch",
}

// SearchTweets binds query arguments to the fixed searchTweets entry.
func SearchTweets(q, mode, cursor string) OperationSpec {
	return OperationSpec{Name: "searchTweets", Class: ClassSearch, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.SearchTweets(ctx, q, mode, cursor))
	}}
}

// GetProfile binds the by-username variant.
func GetProfile(username string) OperationSpec {
	return OperationSpec{Name: "getProfile", Class: ClassProfile, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetProfile(ctx, username))
	}}
}

// GetProfileByUserID binds the by-userId variant.
func GetProfileByUserID(id string) OperationSpec {
	return OperationSpec{Name: "getProfile", Class: ClassProfile, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetProfileByUserID(ctx, id))
	}}
}

func GetTweets(username string, n int) OperationSpec {
	return OperationSpec{Name: "getTweets", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetTweets(ctx, username, n))
	}}
}

func GetTweetsAndReplies(username string, n int) OperationSpec {
	return OperationSpec{Name: "getTweetsAndReplies", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetTweetsAndReplies(ctx, username, n))
	}}
}

// GetLatestTweet is getTweets(username, 1) narrowed to its first element.
func GetLatestTweet(username string) OperationSpec {
	return OperationSpec{Name: "getLatestTweet", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		body, err := normalize(c.GetTweets(ctx, username, 1))
		if err != nil {
			return nil, err
		}
		return firstArrayElement(body)
	}}
}

func GetTweet(id string) OperationSpec {
	return OperationSpec{Name: "getTweet", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetTweet(ctx, id))
	}}
}

// GetTweetReplies and GetTweetQuotes both call the driver's GetTweet verb
// (the opaque driver does not expose separate reply/quote endpoints) and
// return its normalized response as is; no reply- or quote-specific
// filtering is applied.
func GetTweetReplies(id string) OperationSpec {
	return OperationSpec{Name: "getTweetReplies", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetTweet(ctx, id))
	}}
}

func GetTweetQuotes(id string) OperationSpec {
	return OperationSpec{Name: "getTweetQuotes", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.GetTweet(ctx, id))
	}}
}

func GetProfileFollowers(id string, n int, cursor string) OperationSpec {
	return OperationSpec{Name: "getProfileFollowers", Class: ClassProfile, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.FetchProfileFollowers(ctx, id, n, cursor))
	}}
}

func GetProfileFollowing(id string, n int, cursor string) OperationSpec {
	return OperationSpec{Name: "getProfileFollowing", Class: ClassProfile, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.FetchProfileFollowing(ctx, id, n, cursor))
	}}
}

// Profile is one element of a searchProfiles page. SearchProfilesSeq hands
// these out one at a time instead of a materialized slice.
type Profile struct {
	Raw json.RawMessage
}

// searchProfilesPageSize is the per-request page size SearchProfilesSeq
// asks the driver for; independent of maxProfiles, which only bounds how
// many profiles the sequence yields in total.
const searchProfilesPageSize = 20

// searchProfilesTimeout is the REDESIGN FLAGS-mandated internal deadline
// (spec.md REDESIGN FLAGS): the sequence stops yielding once it elapses,
// regardless of how much of the Dispatcher's own op timeout remains.
const searchProfilesTimeout = 60 * time.Second

// SearchProfilesSeq realizes searchProfiles as the lazy, finite,
// non-restartable sequence of profiles SPEC_FULL.md §9 commits to: a Go
// range-over-func iterator, not a single driver call. Ranging over the
// returned sequence stops — silently, exactly as the redesign's own
// enumeration treats all four cases alike — once any of maxProfiles is
// reached, the upstream cursor is exhausted, searchProfilesTimeout elapses,
// ctx is cancelled, or a driver/account call fails. It is never restarted;
// calling it again starts an independent new sequence from cursor "".
func SearchProfilesSeq(ctx context.Context, c driver.Client, q string, maxProfiles int) (iter.Seq[Profile], error) {
	if maxProfiles <= 0 {
		return nil, fmt.Errorf("searchProfiles: maxProfiles must be positive, got %d", maxProfiles)
	}

	return func(yield func(Profile) bool) {
		deadline := time.Now().Add(searchProfilesTimeout)
		cursor := ""
		yielded := 0

		for yielded < maxProfiles {
			if time.Now().After(deadline) || ctx.Err() != nil {
				return
			}

			pageCtx, cancel := context.WithDeadline(ctx, deadline)
			page, err := c.SearchProfiles(pageCtx, q, searchProfilesPageSize, cursor)
			cancel()
			if err != nil {
				return // account/driver failure: stop, don't restart
			}

			var items []json.RawMessage
			if err := json.Unmarshal(page, &items); err != nil || len(items) == 0 {
				return
			}

			// The trailing element carries the next-page cursor, not a profile.
			cursor = extractCursor(page)
			if cursor != "" {
				items = items[:len(items)-1]
			}

			for _, raw := range items {
				if yielded >= maxProfiles {
					return
				}
				if !yield(Profile{Raw: raw}) {
					return // consumer stopped ranging early
				}
				yielded++
			}

			if cursor == "" {
				return // cursor exhaustion
			}
		}
	}, nil
}

// SearchProfiles binds SearchProfilesSeq to the Dispatcher's single-payload
// execute contract: one Dispatcher attempt owns one logged-in driver.Client
// for its whole timeout budget (same shape GetUserTweetsLarge uses), so the
// catalog entry drains the sequence into a JSON array here. Callers that
// want profiles one at a time without materializing the whole result can
// call SearchProfilesSeq directly against an already-selected driver.Client.
func SearchProfiles(q string, maxProfiles int) OperationSpec {
	return OperationSpec{Name: "searchProfiles", Class: ClassSearch, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		seq, err := SearchProfilesSeq(ctx, c, q, maxProfiles)
		if err != nil {
			return nil, err
		}
		all := make([]json.RawMessage, 0, maxProfiles)
		for p := range seq {
			all = append(all, p.Raw)
		}
		return json.Marshal(all)
	}}
}

// GetUserTweetsLarge paginates internally until maxTweets is reached or the
// cursor is exhausted, sleeping 500ms between batches. Unlike every other
// ClassTweet entry, its closure makes several upstream calls plus sleeps
// before returning, so it declares TimeoutMultiplier: 2 — the Dispatcher
// reads that back via OperationSpec.EffectiveTimeout when it builds the
// op's context deadline (spec.md §4.8).
func GetUserTweetsLarge(idOrName string, maxTweets int) OperationSpec {
	return OperationSpec{Name: "getUserTweetsLarge", Class: ClassTweet, TimeoutMultiplier: 2, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		var all []json.RawMessage
		cursor := ""
		for len(all) < maxTweets {
			page, err := c.GetUserTweets(ctx, idOrName, 20, cursor)
			if err != nil {
				return nil, err
			}
			var items []json.RawMessage
			if err := json.Unmarshal(page, &items); err != nil {
				return nil, err
			}
			if len(items) == 0 {
				break
			}
			all = append(all, items...)
			cursor = extractCursor(page)
			if cursor == "" {
				break
			}
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if len(all) > maxTweets {
			all = all[:maxTweets]
		}
		return json.Marshal(all)
	}}
}

// GetUserTimelineInDateRange iterates the timeline, filtering to
// [endDate, startDate] inclusive, stopping once an item older than endDate
// is seen.
func GetUserTimelineInDateRange(idOrName string, startDate, endDate time.Time) OperationSpec {
	return OperationSpec{Name: "getUserTimelineInDateRange", Class: ClassTweet, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		var matched []json.RawMessage
		cursor := ""
		for {
			page, err := c.GetUserTweets(ctx, idOrName, 20, cursor)
			if err != nil {
				return nil, err
			}
			var items []json.RawMessage
			if err := json.Unmarshal(page, &items); err != nil {
				return nil, err
			}
			if len(items) == 0 {
				break
			}
			stop := false
			for _, raw := range items {
				var it struct {
					CreatedAt time.Time `json:"createdAt"`
				}
				if err := json.Unmarshal(raw, &it); err != nil {
					return nil, err
				}
				if it.CreatedAt.Before(endDate) {
					stop = true
					break
				}
				if !it.CreatedAt.After(startDate) {
					matched = append(matched, raw)
				}
			}
			if stop {
				break
			}
			cursor = extractCursor(page)
			if cursor == "" {
				break
			}
		}
		return json.Marshal(matched)
	}}
}

// GetUserTimelineBySearch implements the range query via the search verb
// with a `from:u since:... until:...` query string, rather than paginating
// the timeline directly.
func GetUserTimelineBySearch(username string, startDate, endDate time.Time) OperationSpec {
	q := "from:" + username + " since:" + endDate.Format("2006-01-02") + " until:" + startDate.Format("2006-01-02")
	return OperationSpec{Name: "getUserTimelineBySearch", Class: ClassSearch, Run: func(ctx context.Context, c driver.Client) ([]byte, error) {
		return normalize(c.SearchTweets(ctx, q, "Latest", ""))
	}}
}

// --- normalization helpers (spec.md §4.8) ---

var permanentURLSegment = regexp.MustCompile(`^https?://[^/]+/([^/]+)/status/`)
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func normalize(body []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return normalizeBytes(body)
}

func normalizeBytes(body []byte) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		// Not an object (array, scalar, or malformed) — pass through
		// untouched; normalization only applies to single-tweet objects.
		return body, nil
	}

	fillUsernameFromPermanentURL(generic)
	fillTextFromHTML(generic)
	delete(generic, "inReplyToStatus")

	return json.Marshal(generic)
}

func fillUsernameFromPermanentURL(obj map[string]json.RawMessage) {
	if _, has := obj["username"]; has {
		return
	}
	raw, ok := obj["permanentUrl"]
	if !ok {
		return
	}
	var url string
	if err := json.Unmarshal(raw, &url); err != nil {
		return
	}
	m := permanentURLSegment.FindStringSubmatch(url)
	if len(m) != 2 {
		return
	}
	marshalled, _ := json.Marshal(m[1])
	obj["username"] = marshalled
}

func fillTextFromHTML(obj map[string]json.RawMessage) {
	if _, has := obj["text"]; has {
		return
	}
	raw, ok := obj["html"]
	if !ok {
		return
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return
	}
	stripped := strings.TrimSpace(htmlTagPattern.ReplaceAllString(html, ""))
	marshalled, _ := json.Marshal(stripped)
	obj["text"] = marshalled
}

func firstArrayElement(body []byte) ([]byte, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []byte("null"), nil
	}
	return items[0], nil
}

func extractCursor(page []byte) string {
	var withCursor struct {
		Cursor string `json:"cursor"`
	}
	// Pagination cursors ride along on the last element of the page, not
	// the page envelope itself, in the upstream's observed shape.
	var items []json.RawMessage
	if err := json.Unmarshal(page, &items); err != nil || len(items) == 0 {
		return ""
	}
	if err := json.Unmarshal(items[len(items)-1], &withCursor); err != nil {
		return ""
	}
	return withCursor.Cursor
}
