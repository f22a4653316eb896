package repository

import (
	"context"

	"fedipay/internal/model"

	"gorm.io/gorm"
)

type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) Create(ctx context.Context, alert *model.DeliveryAlert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *AlertRepository) GetPending(ctx context.Context, limit int) ([]*model.DeliveryAlert, error) {
	var alerts []*model.DeliveryAlert
	err := r.db.WithContext(ctx).
		Where("status = ?", model.AlertStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

func (r *AlertRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.DeliveryAlert{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// IncrementRetry 发送失败但还没到重试上限，记一次失败保持待发状态
func (r *AlertRepository) IncrementRetry(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.DeliveryAlert{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *AlertRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.DeliveryAlert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.AlertStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}
