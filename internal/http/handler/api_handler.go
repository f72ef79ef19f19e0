package handler

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
	"github.com/sifan077/linkedge/internal/app/service"
	"github.com/sifan077/linkedge/internal/http/middleware"
	httpUtil "github.com/sifan077/linkedge/internal/http/util"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger      *zap.Logger
	LinkService service.LinkService
	Tokens      *httpUtil.TokenSigner
	BaseURL     string
	AdminToken  string
	// RateLimit guards every API route when set.
	RateLimit fiber.Handler
}

// APIHandler implements the management API endpoints.
type APIHandler struct {
	logger      *zap.Logger
	linkService service.LinkService
	tokens      *httpUtil.TokenSigner
	baseURL     string
	adminToken  string
	rateLimit   fiber.Handler
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:      logger,
		linkService: deps.LinkService,
		tokens:      deps.Tokens,
		baseURL:     strings.TrimRight(deps.BaseURL, "/"),
		adminToken:  deps.AdminToken,
		rateLimit:   deps.RateLimit,
	}
}

// Register wires API routes onto the provided router. Unlock is public;
// every other route needs the admin token when one is configured.
func (h *APIHandler) Register(router fiber.Router) {
	auth := middleware.BearerAuth(h.adminToken, false)

	links := router.Group("/api/links")
	{
		links.Post("/:code/unlock", h.guarded(h.Unlock)...)
		links.Post("/", h.guarded(auth, h.CreateLink)...)
		links.Get("/", h.guarded(auth, h.ListLinks)...)
		links.Get("/:code", h.guarded(auth, h.GetLink)...)
		links.Patch("/:code", h.guarded(auth, h.UpdateLink)...)
		links.Delete("/:code", h.guarded(auth, h.DeleteLink)...)
	}
}

// guarded prefixes handlers with the rate limiter when one is configured.
func (h *APIHandler) guarded(handlers ...fiber.Handler) []fiber.Handler {
	if h.rateLimit == nil {
		return handlers
	}
	return append([]fiber.Handler{h.rateLimit}, handlers...)
}

// CreateLinkRequest represents the request body for creating a link.
type CreateLinkRequest struct {
	Code      string     `json:"code,omitempty"`
	URL       string     `json:"url"`
	Password  string     `json:"password,omitempty"`
	OwnerID   string     `json:"owner_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
}

// UpdateLinkRequest represents the request body for updating a link. An
// empty password removes protection.
type UpdateLinkRequest struct {
	URL         *string    `json:"url,omitempty"`
	Password    *string    `json:"password,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
	ClearStart  bool       `json:"clear_start,omitempty"`
}

// UnlockRequest is the body of POST /api/links/:code/unlock.
type UnlockRequest struct {
	Password string `json:"password"`
}

// LinkResponse is the API representation of a link. The password hash is
// never exposed.
type LinkResponse struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	ShortURL      string     `json:"short_url"`
	URL           string     `json:"url"`
	Protected     bool       `json:"protected"`
	OwnerID       *string    `json:"owner_id,omitempty"`
	Guest         bool       `json:"guest"`
	ExpiresAt     *time.Time `json:"expires_at"`
	StartsAt      *time.Time `json:"starts_at"`
	ClickCount    int64      `json:"click_count"`
	LastClickedAt *time.Time `json:"last_clicked_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (h *APIHandler) toResponse(link *model.Link) LinkResponse {
	return LinkResponse{
		ID:            link.ID,
		Code:          link.ShortCode,
		ShortURL:      h.baseURL + "/" + url.PathEscape(link.ShortCode),
		URL:           link.DestinationURL,
		Protected:     link.HasPassword(),
		OwnerID:       link.OwnerID,
		Guest:         link.IsGuest,
		ExpiresAt:     link.ExpiresAt,
		StartsAt:      link.StartsAt,
		ClickCount:    link.ClickCount,
		LastClickedAt: link.LastClickedAt,
		CreatedAt:     link.CreatedAt,
		UpdatedAt:     link.UpdatedAt,
	}
}

// CreateLink handles POST /api/links
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	var req CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url is required",
		})
	}

	link, err := h.linkService.CreateLink(c.UserContext(), service.CreateLinkInput{
		Code:      req.Code,
		URL:       req.URL,
		Password:  req.Password,
		OwnerID:   req.OwnerID,
		ExpiresAt: req.ExpiresAt,
		StartsAt:  req.StartsAt,
	})
	if err != nil {
		return h.serviceError(c, "create", req.Code, err)
	}

	return c.Status(fiber.StatusCreated).JSON(h.toResponse(link))
}

// ListLinks handles GET /api/links
func (h *APIHandler) ListLinks(c *fiber.Ctx) error {
	limit := defaultListLimit
	offset := 0

	if parsed := c.QueryInt("limit"); parsed > 0 && parsed <= maxListLimit {
		limit = parsed
	}
	if parsed := c.QueryInt("offset"); parsed > 0 {
		offset = parsed
	}

	links, err := h.linkService.ListLinks(c.UserContext(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list links",
		})
	}

	response := make([]LinkResponse, len(links))
	for i := range links {
		response[i] = h.toResponse(&links[i])
	}

	return c.JSON(fiber.Map{
		"links":  response,
		"limit":  limit,
		"offset": offset,
		"count":  len(response),
	})
}

// GetLink handles GET /api/links/:code
func (h *APIHandler) GetLink(c *fiber.Ctx) error {
	code := c.Params("code")
	link, err := h.linkService.GetLink(c.UserContext(), code)
	if err != nil {
		return h.serviceError(c, "get", code, err)
	}
	return c.JSON(h.toResponse(link))
}

// UpdateLink handles PATCH /api/links/:code
func (h *APIHandler) UpdateLink(c *fiber.Ctx) error {
	code := utils.CopyString(c.Params("code"))

	var req UpdateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	link, err := h.linkService.UpdateLink(c.UserContext(), code, service.UpdateLinkInput{
		URL:         req.URL,
		Password:    req.Password,
		ExpiresAt:   req.ExpiresAt,
		StartsAt:    req.StartsAt,
		ClearExpiry: req.ClearExpiry,
		ClearStart:  req.ClearStart,
	})
	if err != nil {
		return h.serviceError(c, "update", code, err)
	}

	return c.JSON(h.toResponse(link))
}

// DeleteLink handles DELETE /api/links/:code
func (h *APIHandler) DeleteLink(c *fiber.Ctx) error {
	code := utils.CopyString(c.Params("code"))
	if err := h.linkService.DeleteLink(c.UserContext(), code); err != nil {
		return h.serviceError(c, "delete", code, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Unlock handles POST /api/links/:code/unlock. On success it returns a
// short-lived continuation URL that bypasses the password gate only.
func (h *APIHandler) Unlock(c *fiber.Ctx) error {
	code := utils.CopyString(c.Params("code"))

	var req UnlockRequest
	if err := c.BodyParser(&req); err != nil || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "password is required",
		})
	}

	link, err := h.linkService.Unlock(c.UserContext(), code, req.Password)
	if err != nil {
		return h.serviceError(c, "unlock", code, err)
	}

	token, err := h.tokens.Issue(link.ShortCode)
	if err != nil {
		h.logger.Error("failed to issue unlock token", zap.String("code", code), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}

	return c.JSON(fiber.Map{
		"token":        token,
		"continue_url": h.baseURL + "/" + url.PathEscape(link.ShortCode) + "/_go/" + token,
	})
}

// serviceError maps link service errors to responses. Validation messages
// are safe to return; anything else is logged and reported generically.
func (h *APIHandler) serviceError(c *fiber.Ctx, op, code string, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, service.ErrInvalidURL),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrInvalidWindow),
		errors.Is(err, service.ErrNoPassword):
		status, message = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrWrongPassword):
		status, message = fiber.StatusUnauthorized, "wrong password"
	case errors.Is(err, service.ErrLinkExpired), errors.Is(err, service.ErrLinkNotStarted):
		status, message = fiber.StatusGone, err.Error()
	case errors.Is(err, repository.ErrLinkNotFound):
		status, message = fiber.StatusNotFound, "link not found"
	case errors.Is(err, repository.ErrDuplicateCode):
		status, message = fiber.StatusConflict, "short code already exists"
	default:
		h.logger.Error("link operation failed",
			zap.String("op", op),
			zap.String("code", code),
			zap.Error(err),
		)
	}

	return c.Status(status).JSON(fiber.Map{"error": message})
}
