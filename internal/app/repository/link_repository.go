package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/linkedge/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const queryTimeout = 3 * time.Second

var (
	// ErrLinkNotFound signals that the requested short link does not exist.
	ErrLinkNotFound = errors.New("link not found")
	// ErrDuplicateCode signals a short code collision on insert.
	ErrDuplicateCode = errors.New("short code already exists")
)

// LinkFilter narrows a paginated scan of the link table.
type LinkFilter struct {
	GuestOnly    bool
	ExpiringOnly bool
}

// LinkRepository defines the data access contract for short links.
type LinkRepository interface {
	Create(ctx context.Context, link *model.Link) error
	GetByCode(ctx context.Context, code string) (*model.Link, error)
	List(ctx context.Context, limit, offset int) ([]model.Link, error)
	Update(ctx context.Context, link *model.Link) error
	DeleteByCode(ctx context.Context, code string) error
	// ListAfter pages through links ordered by id, starting after afterID.
	ListAfter(ctx context.Context, afterID string, limit int, filter LinkFilter) ([]model.Link, error)
	// DeleteExpiredGuests removes guest links whose expiry is before now and
	// returns their short codes. Non-guest links are never touched.
	DeleteExpiredGuests(ctx context.Context, now time.Time) ([]string, error)
}

type linkRepository struct {
	db *gorm.DB
}

// NewLinkRepository returns a GORM-backed LinkRepository.
func NewLinkRepository(db *gorm.DB) LinkRepository {
	return &linkRepository{db: db}
}

func (r *linkRepository) Create(ctx context.Context, link *model.Link) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCode
		}
		return err
	}
	return nil
}

func (r *linkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var link model.Link
	if err := r.db.WithContext(ctx).Where("short_code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var result []model.Link
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&result).Error; err != nil {
		return nil, err
	}

	return result, nil
}

func (r *linkRepository) Update(ctx context.Context, link *model.Link) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result := r.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("short_code = ?", link.ShortCode).
		Updates(map[string]interface{}{
			"destination_url": link.DestinationURL,
			"password_hash":   link.PasswordHash,
			"expires_at":      link.ExpiresAt,
			"starts_at":       link.StartsAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLinkNotFound
	}

	return r.db.WithContext(ctx).Where("short_code = ?", link.ShortCode).First(link).Error
}

func (r *linkRepository) DeleteByCode(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result := r.db.WithContext(ctx).Where("short_code = ?", code).Delete(&model.Link{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (r *linkRepository) ListAfter(ctx context.Context, afterID string, limit int, filter LinkFilter) ([]model.Link, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := r.db.WithContext(ctx).Model(&model.Link{})
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}
	if filter.GuestOnly {
		query = query.Where("is_guest = ?", true)
	}
	if filter.ExpiringOnly {
		query = query.Where("expires_at IS NOT NULL")
	}

	var result []model.Link
	if err := query.Order("id ASC").Limit(limit).Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *linkRepository) DeleteExpiredGuests(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var deleted []model.Link
	err := r.db.WithContext(ctx).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "short_code"}}}).
		Where("is_guest = ? AND expires_at IS NOT NULL AND expires_at < ?", true, now).
		Delete(&deleted).Error
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(deleted))
	for _, l := range deleted {
		codes = append(codes, l.ShortCode)
	}
	return codes, nil
}
