package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/service"
	"github.com/sifan077/linkedge/internal/http/middleware"
	"go.uber.org/zap"
)

// FlexTime accepts epoch milliseconds or an RFC 3339 string and keeps the
// value as epoch milliseconds.
type FlexTime struct {
	MS *int64
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		f.MS = nil
		return nil
	}

	if data[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("time must be epoch ms or RFC 3339: %w", err)
		}
		ms, err := n.Int64()
		if err != nil {
			fl, ferr := n.Float64()
			if ferr != nil {
				return fmt.Errorf("time must be epoch ms or RFC 3339: %w", err)
			}
			ms = int64(fl)
		}
		f.MS = &ms
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		f.MS = nil
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.MS = &ms
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("time must be epoch ms or RFC 3339: %w", err)
	}
	ms := t.UnixMilli()
	f.MS = &ms
	return nil
}

// SyncLinkRequest is the body of POST /link/sync.
type SyncLinkRequest struct {
	ShortCode   string   `json:"shortCode"`
	OriginalURL string   `json:"originalUrl"`
	ID          string   `json:"id"`
	Password    *string  `json:"password,omitempty"`
	Expiration  FlexTime `json:"expiration"`
	Start       FlexTime `json:"start"`
}

func (r SyncLinkRequest) validate() error {
	if strings.TrimSpace(r.ShortCode) == "" || strings.TrimSpace(r.OriginalURL) == "" || strings.TrimSpace(r.ID) == "" {
		return errors.New("shortCode, originalUrl and id are required")
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return errors.New("id must be a uuid")
	}
	u, err := url.Parse(r.OriginalURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("originalUrl must be an absolute http(s) URL")
	}
	return nil
}

func (r SyncLinkRequest) entry() model.RedirectEntry {
	entry := model.RedirectEntry{
		URL:        r.OriginalURL,
		ID:         r.ID,
		Expiration: r.Expiration.MS,
		Start:      r.Start.MS,
	}
	if r.Password != nil && *r.Password != "" {
		entry.Password = r.Password
	}
	return entry
}

// SyncDeps groups dependencies required by the reconciliation endpoints.
type SyncDeps struct {
	Logger        *zap.Logger
	Sync          *service.SyncService
	SyncSecret    string
	CleanupSecret string
}

// SyncHandler exposes single-entry sync and the reconciliation jobs.
type SyncHandler struct {
	logger        *zap.Logger
	sync          *service.SyncService
	syncSecret    string
	cleanupSecret string
}

// NewSyncHandler creates a sync handler with the provided dependencies.
func NewSyncHandler(deps SyncDeps) *SyncHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{
		logger:        logger,
		sync:          deps.Sync,
		syncSecret:    deps.SyncSecret,
		cleanupSecret: deps.CleanupSecret,
	}
}

// Register wires sync and job routes. Job routes fail closed when no
// cleanup secret is configured.
func (h *SyncHandler) Register(router fiber.Router) {
	router.Post("/link/sync", middleware.BearerAuth(h.syncSecret, false), h.SyncLink)

	jobs := router.Group("/jobs", middleware.BearerAuth(h.cleanupSecret, true))
	jobs.Post("/sync", h.FullSync)
	jobs.Get("/cleanup-guests", h.CleanupGuests)
	jobs.Post("/cleanup-guests", h.CleanupGuests)
}

// SyncLink handles POST /link/sync.
func (h *SyncHandler) SyncLink(c *fiber.Ctx) error {
	var req SyncLinkRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := req.validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := h.sync.SyncEntry(c.UserContext(), req.ShortCode, req.entry()); err != nil {
		h.logger.Error("failed to sync link", zap.String("code", req.ShortCode), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to sync link",
		})
	}
	return c.JSON(fiber.Map{"success": true})
}

// FullSync handles POST /jobs/sync?scope=all|guest|expiring.
func (h *SyncHandler) FullSync(c *fiber.Ctx) error {
	scope, err := service.ParseSyncScope(c.Query("scope"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "scope must be all, guest or expiring",
		})
	}

	report, err := h.sync.FullSync(c.UserContext(), scope)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "full sync failed",
			"scanned": report.Scanned,
			"synced":  report.Synced,
			"failed":  report.Failed,
		})
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"scope":       report.Scope,
		"scanned":     report.Scanned,
		"synced":      report.Synced,
		"failed":      report.Failed,
		"duration_ms": report.Duration.Milliseconds(),
	})
}

// CleanupGuests handles GET|POST /jobs/cleanup-guests.
func (h *SyncHandler) CleanupGuests(c *fiber.Ctx) error {
	report, err := h.sync.SweepExpiredGuests(c.UserContext())
	if err != nil {
		h.logger.Error("guest cleanup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "cleanup failed",
		})
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"deleted_count": report.Deleted,
		"cache_evicted": report.CacheEvicted,
	})
}
