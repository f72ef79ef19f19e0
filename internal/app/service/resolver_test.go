package service

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBaseURL   = "https://go.example.com"
	testAppURL    = "https://app.example.com"
	desktopUA     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"
	iphoneUA      = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148"
	androidUpper  = "MOZILLA/5.0 (LINUX; ANDROID 14; PIXEL 8)"
	testPublishTO = 200 * time.Millisecond
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestResolver(c *mockRedirectCache, pub *mockPublisher) (*Resolver, *ClickEmitter) {
	emitter := NewClickEmitter(ClickEmitterDeps{
		Publisher: pub,
		Timeout:   testPublishTO,
		IPSalt:    "salt",
		Now:       func() time.Time { return fixedNow },
	})
	r := NewResolver(ResolverDeps{
		Cache:        c,
		Emitter:      emitter,
		BaseURL:            testBaseURL + "/",
		RestrictionBaseURL: testAppURL + "/",
		CacheTimeout:       20 * time.Millisecond,
		Now:                func() time.Time { return fixedNow },
	})
	return r, emitter
}

func ms(t time.Time) *int64 {
	v := t.UnixMilli()
	return &v
}

func TestResolver_DesktopDirectRedirectPublishesOnce(t *testing.T) {
	c := newMockRedirectCache()
	c.entries["abc123"] = model.RedirectEntry{URL: "https://example.com", ID: "L1"}
	pub := &mockPublisher{}
	r, emitter := newTestResolver(c, pub)

	decision, err := r.Resolve(context.Background(), ResolveRequest{
		Code:      "abc123",
		UserAgent: desktopUA,
		Click:     ClickContext{IP: "203.0.113.9", UserAgent: desktopUA, Country: "DE"},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDirect, decision.Kind)
	assert.Equal(t, fiber.StatusTemporaryRedirect, decision.Status)
	assert.Equal(t, "https://example.com", decision.Location)

	emitter.Wait()
	attempts, published := pub.snapshot()
	assert.Equal(t, 1, attempts)
	require.Len(t, published, 1)
	assert.Equal(t, "L1", published[0].LinkID)
	assert.Equal(t, "DE", published[0].Country)
	assert.Equal(t, HashIP("203.0.113.9", "salt"), published[0].IP)
	assert.NotContains(t, published[0].IP, "203.0.113.9")
}

func TestResolver_ExpiredEntryForwardsToRestrictionRoute(t *testing.T) {
	c := newMockRedirectCache()
	c.entries["xyz987"] = model.RedirectEntry{
		URL:        "https://example.com",
		ID:         "L1",
		Expiration: ms(fixedNow.Add(-time.Hour)),
	}
	pub := &mockPublisher{}
	r, emitter := newTestResolver(c, pub)

	decision, err := r.Resolve(context.Background(), ResolveRequest{Code: "xyz987", UserAgent: desktopUA})
	require.NoError(t, err)
	assert.Equal(t, DecisionRestricted, decision.Kind)
	assert.Equal(t, model.RestrictionExpired, decision.Restriction)
	assert.Equal(t, testAppURL+"/xyz987?reason=expired", decision.Location)
	assert.NotEqual(t, "https://example.com", decision.Location)

	emitter.Wait()
	attempts, _ := pub.snapshot()
	assert.Zero(t, attempts)
}

func TestResolver_RestrictionsNeverRedirectDirectly(t *testing.T) {
	hash := "$2a$10$abcdefghijklmnopqrstuv"
	tests := []struct {
		name  string
		entry model.RedirectEntry
		want  model.Restriction
	}{
		{"password", model.RedirectEntry{URL: "https://example.com", ID: "L1", Password: &hash}, model.RestrictionPassword},
		{"expired", model.RedirectEntry{URL: "https://example.com", ID: "L1", Expiration: ms(fixedNow.Add(-time.Millisecond))}, model.RestrictionExpired},
		{"not started", model.RedirectEntry{URL: "https://example.com", ID: "L1", Start: ms(fixedNow.Add(time.Minute))}, model.RestrictionNotStarted},
	}

	for _, tt := range tests {
		for _, ua := range []string{desktopUA, iphoneUA} {
			t.Run(tt.name+"/"+ua[:20], func(t *testing.T) {
				c := newMockRedirectCache()
				c.entries["gated"] = tt.entry
				r, _ := newTestResolver(c, &mockPublisher{})

				decision, err := r.Resolve(context.Background(), ResolveRequest{Code: "gated", UserAgent: ua})
				require.NoError(t, err)
				assert.Equal(t, DecisionRestricted, decision.Kind)
				assert.Equal(t, tt.want, decision.Restriction)
				assert.Equal(t, testAppURL+"/gated?reason="+string(tt.want), decision.Location)
			})
		}
	}
}

func TestResolver_MobileGoesToSmartOpen(t *testing.T) {
	dest := "https://example.com/path?q=a b&x=1"
	c := newMockRedirectCache()
	c.entries["m1"] = model.RedirectEntry{URL: dest, ID: "L9"}

	for _, ua := range []string{iphoneUA, androidUpper} {
		pub := &mockPublisher{}
		r, emitter := newTestResolver(c, pub)

		decision, err := r.Resolve(context.Background(), ResolveRequest{Code: "m1", UserAgent: ua})
		require.NoError(t, err)
		assert.Equal(t, DecisionMobile, decision.Kind)
		assert.Equal(t, testBaseURL+"/open?url="+url.QueryEscape(dest), decision.Location)

		parsed, err := url.Parse(decision.Location)
		require.NoError(t, err)
		assert.Equal(t, dest, parsed.Query().Get("url"))

		emitter.Wait()
		attempts, _ := pub.snapshot()
		assert.Equal(t, 1, attempts)
	}
}

func TestResolver_CacheMissIsNotFound(t *testing.T) {
	pub := &mockPublisher{}
	r, emitter := newTestResolver(newMockRedirectCache(), pub)

	_, err := r.Resolve(context.Background(), ResolveRequest{Code: "nope", UserAgent: desktopUA})
	assert.ErrorIs(t, err, ErrNotFound)

	emitter.Wait()
	attempts, _ := pub.snapshot()
	assert.Zero(t, attempts)
}

func TestResolver_MissingCode(t *testing.T) {
	r, _ := newTestResolver(newMockRedirectCache(), &mockPublisher{})

	_, err := r.Resolve(context.Background(), ResolveRequest{Code: "  "})
	assert.ErrorIs(t, err, ErrMissingCode)
}

func TestResolver_CacheTimeoutDegradesToNotFound(t *testing.T) {
	c := newMockRedirectCache()
	c.getFn = func(ctx context.Context, code string) (*model.RedirectEntry, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r, _ := newTestResolver(c, &mockPublisher{})

	start := time.Now()
	_, err := r.Resolve(context.Background(), ResolveRequest{Code: "slow"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolver_CacheFailureIsInternal(t *testing.T) {
	boom := errors.New("connection refused")
	c := newMockRedirectCache()
	c.getFn = func(ctx context.Context, code string) (*model.RedirectEntry, error) {
		return nil, boom
	}
	r, _ := newTestResolver(c, &mockPublisher{})

	_, err := r.Resolve(context.Background(), ResolveRequest{Code: "abc"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestResolver_UnsafeDestinationIsInternal(t *testing.T) {
	for _, dest := range []string{"", "javascript:alert(1)", "/relative", "ftp://example.com/file"} {
		c := newMockRedirectCache()
		c.entries["bad"] = model.RedirectEntry{URL: dest, ID: "L1"}
		pub := &mockPublisher{}
		r, emitter := newTestResolver(c, pub)

		_, err := r.Resolve(context.Background(), ResolveRequest{Code: "bad", UserAgent: desktopUA})
		assert.ErrorIs(t, err, ErrBadEntry, dest)

		emitter.Wait()
		attempts, _ := pub.snapshot()
		assert.Zero(t, attempts)
	}
}

func TestResolver_PublishFailureDoesNotAffectRedirect(t *testing.T) {
	c := newMockRedirectCache()
	c.entries["abc123"] = model.RedirectEntry{URL: "https://example.com", ID: "L1"}

	failing := &mockPublisher{err: errors.New("queue unavailable")}
	r, emitter := newTestResolver(c, failing)
	decision, err := r.Resolve(context.Background(), ResolveRequest{Code: "abc123", UserAgent: desktopUA})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", decision.Location)
	emitter.Wait()
	attempts, _ := failing.snapshot()
	assert.Equal(t, 1, attempts)

	// A publisher that hangs past the timeout must not delay the decision.
	hanging := &mockPublisher{delay: time.Hour}
	r, emitter = newTestResolver(c, hanging)
	start := time.Now()
	decision, err = r.Resolve(context.Background(), ResolveRequest{Code: "abc123", UserAgent: desktopUA})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", decision.Location)
	assert.Less(t, elapsed, testPublishTO)

	emitter.Wait()
	attempts, published := hanging.snapshot()
	assert.Equal(t, 1, attempts)
	assert.Empty(t, published)
}

func TestResolver_UnlockedSkipsPasswordOnly(t *testing.T) {
	hash := "hash"
	c := newMockRedirectCache()
	c.entries["pw"] = model.RedirectEntry{URL: "https://example.com", ID: "L1", Password: &hash}
	c.entries["pwexp"] = model.RedirectEntry{
		URL:        "https://example.com",
		ID:         "L2",
		Password:   &hash,
		Expiration: ms(fixedNow.Add(-time.Minute)),
	}
	r, _ := newTestResolver(c, &mockPublisher{})

	decision, err := r.ResolveUnlocked(context.Background(), ResolveRequest{Code: "pw", UserAgent: desktopUA})
	require.NoError(t, err)
	assert.Equal(t, DecisionDirect, decision.Kind)
	assert.Equal(t, "https://example.com", decision.Location)

	decision, err = r.ResolveUnlocked(context.Background(), ResolveRequest{Code: "pwexp", UserAgent: desktopUA})
	require.NoError(t, err)
	assert.Equal(t, DecisionRestricted, decision.Kind)
	assert.Equal(t, model.RestrictionExpired, decision.Restriction)

	// The cached entry itself is untouched.
	entry, _ := c.entry("pw")
	assert.NotNil(t, entry.Password)
}

func TestIsMobileUserAgent(t *testing.T) {
	tests := map[string]bool{
		"":             false,
		desktopUA:      false,
		iphoneUA:       true,
		androidUpper:   true,
		"Opera Mini/9": true,
		"Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)":        true,
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) Safari": false,
	}
	for ua, want := range tests {
		assert.Equal(t, want, IsMobileUserAgent(ua), ua)
	}
}
