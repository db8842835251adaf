package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/accountorch/orchestrator/internal/registry"
)

type stubClient struct {
	body []byte
	err  error
}

func (s *stubClient) SearchTweets(ctx context.Context, q, mode, cursor string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) GetProfile(ctx context.Context, username string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) GetProfileByUserID(ctx context.Context, id string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) GetTweets(ctx context.Context, username string, n int) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) GetTweetsAndReplies(ctx context.Context, username string, n int) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) GetUserTweets(ctx context.Context, idOrName string, n int, cursor string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) GetTweet(ctx context.Context, id string) ([]byte, error) { return s.body, s.err }
func (s *stubClient) FetchProfileFollowers(ctx context.Context, id string, n int, cursor string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) FetchProfileFollowing(ctx context.Context, id string, n int, cursor string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) SearchProfiles(ctx context.Context, q string, n int, cursor string) ([]byte, error) {
	return s.body, s.err
}
func (s *stubClient) SetCookies(cookies []registry.Cookie) {}
func (s *stubClient) GetCookies() []registry.Cookie        { return nil }
func (s *stubClient) Login(ctx context.Context, user, pass, email, totp string) error { return nil }

// pagingClient serves SearchProfiles from a fixed list of pages keyed by the
// cursor the caller passes in (""  for the first page), so tests can drive
// SearchProfilesSeq through several pages without a real upstream.
type pagingClient struct {
	stubClient
	pages      map[string][]byte
	calls      []string
	searchErr  error
	errAfter   int // return searchErr starting with this call (0-based); 0 disables
}

func (p *pagingClient) SearchProfiles(ctx context.Context, q string, n int, cursor string) ([]byte, error) {
	p.calls = append(p.calls, cursor)
	if p.errAfter > 0 && len(p.calls) > p.errAfter {
		return nil, p.searchErr
	}
	page, ok := p.pages[cursor]
	if !ok {
		return []byte(`[]`), nil
	}
	return page, nil
}

func profilePage(cursor string, ids ...string) []byte {
	items := make([]map[string]any, 0, len(ids)+1)
	for _, id := range ids {
		items = append(items, map[string]any{"id": id})
	}
	if cursor != "" {
		items = append(items, map[string]any{"cursor": cursor})
	}
	raw, _ := json.Marshal(items)
	return raw
}

func TestGetProfileFillsUsernameFromPermanentURL(t *testing.T) {
	c := &stubClient{body: []byte(`{"permanentUrl":"https://x.com/alice/status/123"}`)}
	spec := GetProfile("alice")
	out, err := spec.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["username"] != "alice" {
		t.Fatalf("expected username filled from permanentUrl, got %v", m["username"])
	}
}

func TestGetTweetStripsHTMLIntoText(t *testing.T) {
	c := &stubClient{body: []byte(`{"html":"<p>hello <b>world</b></p>"}`)}
	spec := GetTweet("1")
	out, err := spec.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["text"] != "hello world" {
		t.Fatalf("expected stripped text, got %v", m["text"])
	}
}

func TestGetTweetDropsInReplyToStatus(t *testing.T) {
	c := &stubClient{body: []byte(`{"inReplyToStatus":{"id":"5"},"id":"1"}`)}
	spec := GetTweet("1")
	out, err := spec.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, has := m["inReplyToStatus"]; has {
		t.Fatal("expected inReplyToStatus to be dropped")
	}
}

func TestGetLatestTweetNarrowsToFirstElement(t *testing.T) {
	c := &stubClient{body: []byte(`[{"id":"1"},{"id":"2"}]`)}
	spec := GetLatestTweet("alice")
	out, err := spec.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["id"] != "1" {
		t.Fatalf("expected first element, got %v", m["id"])
	}
}

func TestSearchProfilesSeqPagesAcrossCursors(t *testing.T) {
	c := &pagingClient{pages: map[string][]byte{
		"":   profilePage("c1", "1", "2"),
		"c1": profilePage("", "3", "4"),
	}}

	seq, err := SearchProfilesSeq(context.Background(), c, "q", 10)
	if err != nil {
		t.Fatalf("seq: %v", err)
	}
	var ids []string
	for p := range seq {
		var m map[string]any
		if err := json.Unmarshal(p.Raw, &m); err != nil {
			t.Fatalf("unmarshal profile: %v", err)
		}
		if id, ok := m["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	if want := []string{"1", "2", "3", "4"}; len(ids) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, ids)
	}
	if len(c.calls) != 2 || c.calls[0] != "" || c.calls[1] != "c1" {
		t.Fatalf("expected two paged calls keyed by cursor, got %v", c.calls)
	}
}

func TestSearchProfilesSeqTruncatesAtMaxProfilesMidPage(t *testing.T) {
	c := &pagingClient{pages: map[string][]byte{
		"": profilePage("c1", "1", "2", "3"),
	}}

	seq, err := SearchProfilesSeq(context.Background(), c, "q", 2)
	if err != nil {
		t.Fatalf("seq: %v", err)
	}
	count := 0
	for range seq {
		count++
	}
	if count != 2 {
		t.Fatalf("expected exactly maxProfiles=2 profiles, got %d", count)
	}
	if len(c.calls) != 1 {
		t.Fatalf("expected truncation to stop before fetching a second page, got %d calls", len(c.calls))
	}
}

func TestSearchProfilesSeqStopsOnCursorExhaustion(t *testing.T) {
	c := &pagingClient{pages: map[string][]byte{
		"": profilePage("", "1", "2"),
	}}

	seq, err := SearchProfilesSeq(context.Background(), c, "q", 100)
	if err != nil {
		t.Fatalf("seq: %v", err)
	}
	count := 0
	for range seq {
		count++
	}
	if count != 2 {
		t.Fatalf("expected the single exhausted page's profiles, got %d", count)
	}
	if len(c.calls) != 1 {
		t.Fatalf("expected no further page fetches after cursor exhaustion, got %d calls", len(c.calls))
	}
}

func TestSearchProfilesSeqStopsOnAccountFailure(t *testing.T) {
	c := &pagingClient{
		pages:     map[string][]byte{"": profilePage("c1", "1")},
		searchErr: errors.New("account suspended"),
		errAfter:  1,
	}

	seq, err := SearchProfilesSeq(context.Background(), c, "q", 100)
	if err != nil {
		t.Fatalf("seq: %v", err)
	}
	count := 0
	for range seq {
		count++
	}
	if count != 1 {
		t.Fatalf("expected the first page's profile before the failing second page, got %d", count)
	}
	if len(c.calls) != 2 {
		t.Fatalf("expected the failing second call to have been attempted, got %d calls", len(c.calls))
	}
}

func TestSearchProfilesSeqStopsWhenConsumerBreaksEarly(t *testing.T) {
	c := &pagingClient{pages: map[string][]byte{
		"":   profilePage("c1", "1", "2"),
		"c1": profilePage("", "3", "4"),
	}}

	seq, err := SearchProfilesSeq(context.Background(), c, "q", 100)
	if err != nil {
		t.Fatalf("seq: %v", err)
	}
	count := 0
	for range seq {
		count++
		break
	}
	if count != 1 {
		t.Fatalf("expected exactly one profile before the consumer broke, got %d", count)
	}
	if len(c.calls) != 1 {
		t.Fatalf("expected no second page fetch once the consumer stopped ranging, got %d calls", len(c.calls))
	}
}

func TestSearchProfilesRejectsNonPositiveMaxProfiles(t *testing.T) {
	c := &pagingClient{}
	if _, err := SearchProfilesSeq(context.Background(), c, "q", 0); err == nil {
		t.Fatal("expected an error for maxProfiles <= 0")
	}
}

func TestSearchProfilesDrainsSeqIntoJSONArray(t *testing.T) {
	c := &pagingClient{pages: map[string][]byte{
		"": profilePage("", "1", "2"),
	}}

	spec := SearchProfiles("q", 10)
	out, err := spec.Run(context.Background(), c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(out, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 drained profiles, got %d", len(items))
	}
}

func TestOperationErrorPropagates(t *testing.T) {
	c := &stubClient{err: errors.New("boom")}
	spec := GetProfile("alice")
	if _, err := spec.Run(context.Background(), c); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestTimeoutsCoverAllClasses(t *testing.T) {
	for _, class := range []TimeoutClass{ClassLogin, ClassSearch, ClassProfile, ClassTweet, ClassDefault} {
		if _, ok := Timeouts[class]; !ok {
			t.Fatalf("missing timeout for class %s", class)
		}
	}
}

func TestEffectiveTimeoutDefaultsToOneX(t *testing.T) {
	spec := GetTweets("alice", 10)
	if got, want := spec.EffectiveTimeout(), Timeouts[ClassTweet]; got != want {
		t.Fatalf("expected unmultiplied spec to use the base timeout %s, got %s", want, got)
	}
}

func TestGetUserTweetsLargeDoublesTheBaseTweetTimeout(t *testing.T) {
	spec := GetUserTweetsLarge("alice", 100)
	if spec.Class != ClassTweet {
		t.Fatalf("expected ClassTweet, got %s", spec.Class)
	}
	want := 2 * Timeouts[ClassTweet]
	if got := spec.EffectiveTimeout(); got != want {
		t.Fatalf("expected getUserTweetsLarge's effective timeout to be doubled to %s, got %s", want, got)
	}
}
