package repository

import (
	"context"
	"errors"

	"github.com/sifan077/linkedge/internal/app/model"
	"gorm.io/gorm"
)

// ErrDuplicateEvent signals that a click with the same queue message id was already stored.
var ErrDuplicateEvent = errors.New("click event already recorded")

// ClickEventRepository defines the data access contract for click events.
type ClickEventRepository interface {
	Create(ctx context.Context, event *model.ClickEvent) error
	ExistsByMessageID(ctx context.Context, messageID string) (bool, error)
}

type clickEventRepository struct {
	db *gorm.DB
}

// NewClickEventRepository returns a GORM-backed ClickEventRepository.
func NewClickEventRepository(db *gorm.DB) ClickEventRepository {
	return &clickEventRepository{db: db}
}

func (r *clickEventRepository) Create(ctx context.Context, event *model.ClickEvent) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *clickEventRepository) ExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.ClickEvent{}).
		Where("message_id = ?", messageID).
		Limit(1).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
