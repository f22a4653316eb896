package repository

import (
	"context"
	"errors"
	"time"

	"fedipay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound = errors.New("invoice 不存在")
	// ErrInvoiceStatusInvalid 状态迁移被拒绝：要么目标状态不合法，
	// 要么落库时发现行已经不在期望的起始状态（终态不可再迁出）
	ErrInvoiceStatusInvalid = errors.New("invoice 状态不合法")
	ErrDuplicateOperation   = errors.New("联邦操作号重复")
)

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	err := r.db.WithContext(ctx).Create(invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateOperation
		}
		return err
	}
	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id int64) (*model.Invoice, error) {
	var invoice model.Invoice
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *InvoiceRepository) GetByOpID(ctx context.Context, opID string) (*model.Invoice, error) {
	var invoice model.Invoice
	err := r.db.WithContext(ctx).Where("op_id = ?", opID).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// GetPending 取全部未终结的行，启动恢复和过期清扫都用它
func (r *InvoiceRepository) GetPending(ctx context.Context) ([]*model.Invoice, error) {
	var invoices []*model.Invoice
	err := r.db.WithContext(ctx).
		Where("status = ?", model.InvoiceStatusPending).
		Order("created_at ASC").
		Find(&invoices).Error
	return invoices, err
}

// MarkNotified 通知送达后、落 SETTLED 之前先记一笔，恢复时据此跳过重复通知
func (r *InvoiceRepository) MarkNotified(ctx context.Context, id int64) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.Invoice{}).
		Where("id = ? AND notified_at IS NULL", id).
		Update("notified_at", &now)
	return result.Error
}

// SetSettled PENDING -> SETTLED，同时写入联邦揭示的 preimage
//
// WHERE status 条件保证终态不会被覆盖
func (r *InvoiceRepository) SetSettled(ctx context.Context, id int64, preimage string) error {
	if !model.CanTransitionTo(model.InvoiceStatusPending, model.InvoiceStatusSettled) {
		return ErrInvoiceStatusInvalid
	}

	result := r.db.WithContext(ctx).
		Model(&model.Invoice{}).
		Where("id = ? AND status = ?", id, model.InvoiceStatusPending).
		Updates(map[string]interface{}{
			"status":   model.InvoiceStatusSettled,
			"preimage": preimage,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvoiceStatusInvalid
	}
	return nil
}

// SetCancelled PENDING -> CANCELLED
func (r *InvoiceRepository) SetCancelled(ctx context.Context, id int64) error {
	if !model.CanTransitionTo(model.InvoiceStatusPending, model.InvoiceStatusCancelled) {
		return ErrInvoiceStatusInvalid
	}

	result := r.db.WithContext(ctx).
		Model(&model.Invoice{}).
		Where("id = ? AND status = ?", id, model.InvoiceStatusPending).
		Update("status", model.InvoiceStatusCancelled)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvoiceStatusInvalid
	}
	return nil
}
