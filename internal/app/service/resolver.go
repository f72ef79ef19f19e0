package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/linkedge/internal/app/cache"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/infra/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultCacheTimeout = 50 * time.Millisecond
	smartOpenPath       = "/open"
)

var (
	// ErrMissingCode signals a request without a short code.
	ErrMissingCode = errors.New("missing short code")
	// ErrNotFound signals that the short code has no cached entry.
	ErrNotFound = errors.New("short link not found")
	// ErrBadEntry signals a cached entry that cannot be redirected to safely.
	ErrBadEntry = errors.New("cached entry is not redirectable")
)

// mobileTokens are matched case-insensitively against the User-Agent.
var mobileTokens = []string{
	"android",
	"iphone",
	"ipad",
	"ipod",
	"blackberry",
	"iemobile",
	"opera mini",
	"webos",
	"mobile",
}

// DecisionKind names the branch the resolver took.
type DecisionKind string

const (
	DecisionDirect     DecisionKind = "direct"
	DecisionMobile     DecisionKind = "mobile"
	DecisionRestricted DecisionKind = "restricted"
)

// Decision is the redirect the HTTP layer should issue.
type Decision struct {
	Kind        DecisionKind
	Location    string
	Status      int
	LinkID      string
	Restriction model.Restriction
}

// ResolveRequest carries everything the resolver reads from the request.
type ResolveRequest struct {
	Code      string
	UserAgent string
	Click     ClickContext
}

// ResolverDeps groups dependencies required by the resolver.
type ResolverDeps struct {
	Cache        cache.RedirectCache
	Emitter      *ClickEmitter
	Logger       *zap.Logger
	// BaseURL is this server's own origin, used for smart-open links.
	BaseURL string
	// RestrictionBaseURL is the web app that renders password, expired and
	// not-yet-active pages. It must not be BaseURL, or a gated link would
	// redirect back into its own short code.
	RestrictionBaseURL string
	CacheTimeout       time.Duration
	Now                func() time.Time
}

// Resolver answers redirects from the cache alone. A cache miss is final:
// reconciliation keeps the cache complete, the edge never queries Postgres.
type Resolver struct {
	cache        cache.RedirectCache
	emitter      *ClickEmitter
	logger       *zap.Logger
	baseURL         string
	restrictionBase string
	cacheTimeout    time.Duration
	now             func() time.Time
}

func NewResolver(deps ResolverDeps) *Resolver {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.CacheTimeout
	if timeout <= 0 {
		timeout = defaultCacheTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		cache:           deps.Cache,
		emitter:         deps.Emitter,
		logger:          logger,
		baseURL:         strings.TrimRight(deps.BaseURL, "/"),
		restrictionBase: strings.TrimRight(deps.RestrictionBaseURL, "/"),
		cacheTimeout:    timeout,
		now:             now,
	}
}

// Resolve applies every gate: password, expiry, start date.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Decision, error) {
	return r.resolve(ctx, req, false)
}

// ResolveUnlocked is used after a password was verified out of band. Expiry
// and start date still apply.
func (r *Resolver) ResolveUnlocked(ctx context.Context, req ResolveRequest) (Decision, error) {
	return r.resolve(ctx, req, true)
}

func (r *Resolver) resolve(ctx context.Context, req ResolveRequest, unlocked bool) (Decision, error) {
	ctx, span := tracer.Start(ctx, "resolver.resolve")
	defer span.End()

	code := strings.TrimSpace(req.Code)
	span.SetAttributes(attribute.String("link.code", code))
	if code == "" {
		metrics.RedirectsTotal.WithLabelValues("bad_request").Inc()
		return Decision{}, ErrMissingCode
	}

	entry, err := r.lookup(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.RedirectsTotal.WithLabelValues("not_found").Inc()
		} else {
			metrics.RedirectsTotal.WithLabelValues("error").Inc()
			recordSpanError(span, err)
		}
		return Decision{}, err
	}

	if err := validateDestination(entry.URL); err != nil {
		metrics.RedirectsTotal.WithLabelValues("error").Inc()
		recordSpanError(span, err)
		return Decision{}, fmt.Errorf("resolve %q: %w", code, err)
	}

	gates := *entry
	if unlocked {
		gates.Password = nil
	}
	restriction := gates.RestrictionAt(r.now())
	if restriction != model.RestrictionNone {
		metrics.RedirectsTotal.WithLabelValues("restricted").Inc()
		span.SetAttributes(attribute.String("link.restriction", string(restriction)))
		return Decision{
			Kind:        DecisionRestricted,
			Location:    r.restrictedURL(code, restriction),
			Status:      fiber.StatusTemporaryRedirect,
			LinkID:      entry.ID,
			Restriction: restriction,
		}, nil
	}

	decision := Decision{
		Kind:     DecisionDirect,
		Location: entry.URL,
		Status:   fiber.StatusTemporaryRedirect,
		LinkID:   entry.ID,
	}
	if IsMobileUserAgent(req.UserAgent) {
		decision.Kind = DecisionMobile
		decision.Location = r.smartOpenURL(entry.URL)
	}
	metrics.RedirectsTotal.WithLabelValues(string(decision.Kind)).Inc()
	span.SetAttributes(attribute.String("redirect.kind", string(decision.Kind)))

	r.emitter.EmitDetached(entry.ID, req.Click)

	return decision, nil
}

// lookup bounds the cache read. A timeout degrades to not found so the
// edge never hangs on a slow cache.
func (r *Resolver) lookup(ctx context.Context, code string) (*model.RedirectEntry, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.cacheTimeout)
	defer cancel()

	entry, err := r.cache.Get(lookupCtx, code)
	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, cache.ErrCacheMiss):
		return nil, ErrNotFound
	case isTimeout(err):
		r.logger.Warn("redirect cache lookup timed out",
			zap.String("code", code),
			zap.Duration("timeout", r.cacheTimeout),
			zap.Error(err),
		)
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("resolve %q: %w", code, err)
	}
}

func (r *Resolver) restrictedURL(code string, restriction model.Restriction) string {
	return r.restrictionBase + "/" + url.PathEscape(code) + "?reason=" + url.QueryEscape(string(restriction))
}

func (r *Resolver) smartOpenURL(destination string) string {
	return r.baseURL + smartOpenPath + "?url=" + url.QueryEscape(destination)
}

// IsMobileUserAgent reports whether ua contains a known mobile platform token.
func IsMobileUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, token := range mobileTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func validateDestination(raw string) error {
	if raw == "" {
		return ErrBadEntry
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrBadEntry
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
