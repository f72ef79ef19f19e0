package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sifan077/linkedge/internal/app/cache"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultCacheWriteTimeout = 500 * time.Millisecond
	codeAttempts             = 3
)

var (
	ErrInvalidURL     = errors.New("destination must be an absolute http(s) URL")
	ErrInvalidCode    = errors.New("short code must be 3-32 characters of letters, digits, '-' or '_'")
	ErrInvalidWindow  = errors.New("starts_at must be before expires_at")
	ErrWrongPassword  = errors.New("wrong password")
	ErrNoPassword     = errors.New("link is not password protected")
	ErrLinkExpired    = errors.New("link has expired")
	ErrLinkNotStarted = errors.New("link is not active yet")
)

// LinkService defines behaviour-level operations on links. Every write goes
// to Postgres first and is then mirrored into the redirect cache.
type LinkService interface {
	CreateLink(ctx context.Context, input CreateLinkInput) (*model.Link, error)
	GetLink(ctx context.Context, code string) (*model.Link, error)
	ListLinks(ctx context.Context, limit, offset int) ([]model.Link, error)
	UpdateLink(ctx context.Context, code string, input UpdateLinkInput) (*model.Link, error)
	DeleteLink(ctx context.Context, code string) error
	// Unlock checks password against a protected link and its active window.
	Unlock(ctx context.Context, code, password string) (*model.Link, error)
}

// LinkServiceDeps groups dependencies required by the link service.
type LinkServiceDeps struct {
	Repo         repository.LinkRepository
	Cache        cache.RedirectCache
	Logger       *zap.Logger
	WriteTimeout time.Duration
	Now          func() time.Time
}

type linkService struct {
	repo         repository.LinkRepository
	cache        cache.RedirectCache
	logger       *zap.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

// NewLinkService returns a service implementation backed by the given repository.
func NewLinkService(deps LinkServiceDeps) LinkService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.WriteTimeout
	if timeout <= 0 {
		timeout = defaultCacheWriteTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &linkService{
		repo:         deps.Repo,
		cache:        deps.Cache,
		logger:       logger,
		writeTimeout: timeout,
		now:          now,
	}
}

// CreateLinkInput captures data required to create a link.
type CreateLinkInput struct {
	Code      string
	URL       string
	Password  string
	OwnerID   string
	ExpiresAt *time.Time
	StartsAt  *time.Time
}

// UpdateLinkInput captures fields that can be changed on an existing link.
// A non-nil empty Password removes protection.
type UpdateLinkInput struct {
	URL         *string
	Password    *string
	ExpiresAt   *time.Time
	StartsAt    *time.Time
	ClearExpiry bool
	ClearStart  bool
}

func (s *linkService) CreateLink(ctx context.Context, input CreateLinkInput) (*model.Link, error) {
	dest, err := normalizeDestination(input.URL)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(input.StartsAt, input.ExpiresAt); err != nil {
		return nil, err
	}

	link := &model.Link{
		ID:             uuid.NewString(),
		DestinationURL: dest,
		ExpiresAt:      input.ExpiresAt,
		StartsAt:       input.StartsAt,
	}
	if owner := strings.TrimSpace(input.OwnerID); owner != "" {
		link.OwnerID = &owner
	} else {
		link.IsGuest = true
	}
	if input.Password != "" {
		hash, err := hashPassword(input.Password)
		if err != nil {
			return nil, err
		}
		link.PasswordHash = &hash
	}

	if err := s.insert(ctx, link, strings.TrimSpace(input.Code)); err != nil {
		return nil, err
	}

	s.mirror(ctx, link)
	return link, nil
}

// insert stores link under the custom code, or under a generated one with
// a bounded number of retries on collision.
func (s *linkService) insert(ctx context.Context, link *model.Link, custom string) error {
	if custom != "" {
		if !ValidCustomCode(custom) {
			return ErrInvalidCode
		}
		link.ShortCode = custom
		if err := s.repo.Create(ctx, link); err != nil {
			return fmt.Errorf("create link: %w", err)
		}
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return err
		}
		link.ShortCode = code
		err = s.repo.Create(ctx, link)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return fmt.Errorf("create link: %w", err)
		}
		lastErr = err
		s.logger.Debug("generated short code collided", zap.String("code", code))
	}
	return fmt.Errorf("create link after %d attempts: %w", codeAttempts, lastErr)
}

func (s *linkService) GetLink(ctx context.Context, code string) (*model.Link, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return link, nil
}

func (s *linkService) ListLinks(ctx context.Context, limit, offset int) ([]model.Link, error) {
	links, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

func (s *linkService) UpdateLink(ctx context.Context, code string, input UpdateLinkInput) (*model.Link, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}

	if input.URL != nil {
		dest, err := normalizeDestination(*input.URL)
		if err != nil {
			return nil, err
		}
		link.DestinationURL = dest
	}
	if input.Password != nil {
		if *input.Password == "" {
			link.PasswordHash = nil
		} else {
			hash, err := hashPassword(*input.Password)
			if err != nil {
				return nil, err
			}
			link.PasswordHash = &hash
		}
	}
	switch {
	case input.ClearExpiry:
		link.ExpiresAt = nil
	case input.ExpiresAt != nil:
		link.ExpiresAt = input.ExpiresAt
	}
	switch {
	case input.ClearStart:
		link.StartsAt = nil
	case input.StartsAt != nil:
		link.StartsAt = input.StartsAt
	}
	if err := checkWindow(link.StartsAt, link.ExpiresAt); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, link); err != nil {
		return nil, fmt.Errorf("update link: %w", err)
	}

	s.mirror(ctx, link)
	return link, nil
}

func (s *linkService) DeleteLink(ctx context.Context, code string) error {
	if err := s.repo.DeleteByCode(ctx, code); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if s.cache == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.cache.Delete(writeCtx, code); err != nil {
		// The next full sync cannot repair this: the row is gone.
		s.logger.Error("failed to evict deleted link from cache",
			zap.String("code", code),
			zap.Error(err),
		)
	}
	return nil
}

func (s *linkService) Unlock(ctx context.Context, code, password string) (*model.Link, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("unlock link: %w", err)
	}
	if !link.HasPassword() {
		return nil, ErrNoPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)); err != nil {
		return nil, ErrWrongPassword
	}

	now := s.now()
	if link.ExpiresAt != nil && now.After(*link.ExpiresAt) {
		return nil, ErrLinkExpired
	}
	if link.StartsAt != nil && now.Before(*link.StartsAt) {
		return nil, ErrLinkNotStarted
	}
	return link, nil
}

// mirror writes the cache entry for link. Failures are logged; full sync
// repairs the cache.
func (s *linkService) mirror(ctx context.Context, link *model.Link) {
	if s.cache == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.cache.Set(writeCtx, link.ShortCode, model.EntryFromLink(link)); err != nil {
		s.logger.Warn("failed to write link to cache",
			zap.String("code", link.ShortCode),
			zap.Error(err),
		)
	}
}

func normalizeDestination(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

func checkWindow(start, expiry *time.Time) error {
	if start != nil && expiry != nil && !start.Before(*expiry) {
		return ErrInvalidWindow
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
