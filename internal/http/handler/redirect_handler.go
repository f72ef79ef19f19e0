package handler

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/linkedge/internal/app/service"
	httpUtil "github.com/sifan077/linkedge/internal/http/util"
	"github.com/sifan077/linkedge/internal/http/view"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// GeoHeaders names the request headers the edge platform fills with geo data.
type GeoHeaders struct {
	Country string
	City    string
	Region  string
}

// ReadinessCheck is one dependency probed by /health/ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RedirectDeps groups dependencies required by redirect handlers.
type RedirectDeps struct {
	Logger   *zap.Logger
	Resolver *service.Resolver
	Tokens   *httpUtil.TokenSigner
	Geo      GeoHeaders
	Checks   []ReadinessCheck
}

// RedirectHandler implements the edge redirect flows.
type RedirectHandler struct {
	logger   *zap.Logger
	resolver *service.Resolver
	tokens   *httpUtil.TokenSigner
	geo      GeoHeaders
	checks   []ReadinessCheck
}

// NewRedirectHandler creates a redirect handler with the provided dependencies.
func NewRedirectHandler(deps RedirectDeps) *RedirectHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedirectHandler{
		logger:   logger,
		resolver: deps.Resolver,
		tokens:   deps.Tokens,
		geo:      deps.Geo,
		checks:   deps.Checks,
	}
}

// Register wires redirect routes onto the provided router. The catch-all
// /:code must be registered after every other top-level route.
func (h *RedirectHandler) Register(router fiber.Router) {
	router.Get("/", h.ResolveRoot)
	router.Get("/health", h.Health)
	router.Get("/health/ready", h.Ready)
	router.Get("/open", h.Open)
	router.Get("/redirect", h.ResolveQuery)
	router.Get("/:code/_go/:token", h.Go)
}

// RegisterCatchAll wires GET /:code.
func (h *RedirectHandler) RegisterCatchAll(router fiber.Router) {
	router.Get("/:code", h.Resolve)
}

// Health is a liveness probe.
func (h *RedirectHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "linkedge",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready probes every dependency and answers 503 if any of them fails.
func (h *RedirectHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
	defer cancel()

	status := fiber.StatusOK
	results := make(fiber.Map, len(h.checks))
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", check.Name), zap.Error(err))
			results[check.Name] = "unavailable"
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}

	overall := "ok"
	if status != fiber.StatusOK {
		overall = "unavailable"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": results,
	})
}

// Resolve handles GET /:code.
func (h *RedirectHandler) Resolve(c *fiber.Ctx) error {
	return h.redirect(c, c.Params("code"))
}

// ResolveRoot handles GET /, which carries no short code.
func (h *RedirectHandler) ResolveRoot(c *fiber.Ctx) error {
	return h.redirect(c, "")
}

// ResolveQuery handles GET /redirect?code=.
func (h *RedirectHandler) ResolveQuery(c *fiber.Ctx) error {
	return h.redirect(c, c.Query("code"))
}

func (h *RedirectHandler) redirect(c *fiber.Ctx, code string) error {
	decision, err := h.resolver.Resolve(c.UserContext(), h.resolveRequest(c, code))
	if err != nil {
		return h.resolveError(c, code, err)
	}
	c.Set(fiber.HeaderCacheControl, "private, no-store")
	return c.Redirect(decision.Location, decision.Status)
}

// Go verifies an unlock token and issues the final redirect. Expiry and
// start date are re-checked against the cache.
func (h *RedirectHandler) Go(c *fiber.Ctx) error {
	code := utils.CopyString(c.Params("code"))
	token := c.Params("token")
	if code == "" || token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing code or token",
		})
	}

	if err := h.tokens.Validate(code, token); err != nil {
		if errors.Is(err, httpUtil.ErrInvalidToken) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		}
		h.logger.Error("failed to validate unlock token", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	decision, err := h.resolver.ResolveUnlocked(c.UserContext(), h.resolveRequest(c, code))
	if err != nil {
		return h.resolveError(c, code, err)
	}
	if decision.Kind == service.DecisionRestricted {
		return c.Status(fiber.StatusGone).JSON(fiber.Map{
			"error":  "link is not available",
			"reason": string(decision.Restriction),
		})
	}

	c.Set(fiber.HeaderCacheControl, "private, no-store")
	return c.Redirect(decision.Location, decision.Status)
}

// Open renders the smart-open page for mobile visitors.
func (h *RedirectHandler) Open(c *fiber.Ctx) error {
	target, err := url.Parse(c.Query("url"))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url must be an absolute http(s) URL",
		})
	}

	html, err := view.RenderOpenPage(target, c.Get(fiber.HeaderUserAgent))
	if err != nil {
		h.logger.Error("failed to render open page", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Type("html", "utf-8").SendString(html)
}

// resolveRequest copies everything the detached click publish needs out of
// the request; fasthttp reuses its buffers once the handler returns.
func (h *RedirectHandler) resolveRequest(c *fiber.Ctx, code string) service.ResolveRequest {
	ua := utils.CopyString(c.Get(fiber.HeaderUserAgent))
	return service.ResolveRequest{
		Code:      utils.CopyString(code),
		UserAgent: ua,
		Click: service.ClickContext{
			IP:        utils.CopyString(c.IP()),
			UserAgent: ua,
			Referrer:  utils.CopyString(c.Get(fiber.HeaderReferer)),
			Country:   h.geoValue(c, h.geo.Country),
			City:      h.geoValue(c, h.geo.City),
			Region:    h.geoValue(c, h.geo.Region),
		},
	}
}

func (h *RedirectHandler) geoValue(c *fiber.Ctx, header string) string {
	if header == "" {
		return ""
	}
	raw := utils.CopyString(c.Get(header))
	// Edge platforms URL-encode non-ASCII city names.
	if decoded, err := url.QueryUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func (h *RedirectHandler) resolveError(c *fiber.Ctx, code string, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingCode):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing short code",
		})
	case errors.Is(err, service.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "short link not found",
		})
	default:
		h.logger.Error("failed to resolve short link", zap.String("code", code), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}
}
