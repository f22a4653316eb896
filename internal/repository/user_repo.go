package repository

import (
	"context"
	"errors"

	"fedipay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("用户不存在")
	// ErrNameTaken 插入时撞了唯一索引。可用性预检查过了也可能在这里输掉竞态，
	// 以插入结果为准
	ErrNameTaken = errors.New("用户名或公钥已被占用")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *model.AppUser) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.AppUser, error) {
	var user model.AppUser
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByPubkey(ctx context.Context, pubkey string) (*model.AppUser, error) {
	var user model.AppUser
	err := r.db.WithContext(ctx).Where("pubkey = ?", pubkey).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByName(ctx context.Context, name string) (*model.AppUser, error) {
	var user model.AppUser
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) NameExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.AppUser{}).
		Where("name = ?", name).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *UserRepository) UpdateFederation(ctx context.Context, userID int64, federationID, inviteCode string) error {
	result := r.db.WithContext(ctx).
		Model(&model.AppUser{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"federation_id":          federationID,
			"federation_invite_code": inviteCode,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) SetDisabledZaps(ctx context.Context, userID int64, disabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.AppUser{}).
		Where("id = ?", userID).
		Update("disabled_zaps", disabled)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// NextInvoiceIndex 取该用户下一个 tweak 序号
//
// 行锁保证并发创建 invoice 时序号不重复
func (r *UserRepository) NextInvoiceIndex(ctx context.Context, userID int64) (int64, error) {
	var index int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.AppUser
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", userID).
			First(&user).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		index = user.InvoiceIndex + 1
		return tx.Model(&model.AppUser{}).
			Where("id = ?", userID).
			Update("invoice_index", index).Error
	})
	return index, err
}
