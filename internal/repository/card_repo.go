package repository

import (
	"context"
	"errors"

	"cardbank/internal/model"

	"gorm.io/gorm"
)

// CardRepository 基于 gorm 的卡片存储，实现 Store / Transactional / Debiter / EventWriter
type CardRepository struct {
	db *gorm.DB
}

func NewCardRepository(db *gorm.DB) *CardRepository {
	return &CardRepository{db: db}
}

func (r *CardRepository) Insert(ctx context.Context, card *model.Card) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Card{}).Where("number = ?", card.Number).Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateNumber
	}

	err = r.db.WithContext(ctx).Create(card).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateNumber
	}
	return err
}

func (r *CardRepository) FindByNumberAndPIN(ctx context.Context, number, pin string) (*model.Card, error) {
	var card model.Card
	err := r.db.WithContext(ctx).Where("number = ? AND pin = ?", number, pin).First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

func (r *CardRepository) FindByNumber(ctx context.Context, number string) (*model.Card, error) {
	var card model.Card
	err := r.db.WithContext(ctx).Where("number = ?", number).First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

func (r *CardRepository) IncrementBalance(ctx context.Context, number string, delta int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Card{}).
		Where("number = ?", number).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta),
		})

	if result.Error != nil {
		return 0, result.Error
	}

	// MySQL 的 RowsAffected 统计的是值发生变化的行，delta 为 0 时可能为 0
	// 卡片是否存在以重新读取的结果为准
	return r.balance(ctx, number)
}

func (r *CardRepository) Debit(ctx context.Context, number string, amount int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Card{}).
		Where("number = ? AND balance >= ?", number, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
		})

	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.FindByNumber(ctx, number); err != nil {
			return 0, err
		}
		return 0, ErrBalanceNotEnough
	}

	return r.balance(ctx, number)
}

func (r *CardRepository) Delete(ctx context.Context, number string) error {
	result := r.db.WithContext(ctx).Where("number = ?", number).Delete(&model.Card{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (r *CardRepository) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewCardRepository(tx))
	})
}

func (r *CardRepository) WriteEvent(ctx context.Context, msg *model.OutboxMessage) error {
	return NewOutboxRepository(r.db).Create(ctx, nil, msg)
}

// balance 从存储层重新读取余额
func (r *CardRepository) balance(ctx context.Context, number string) (int64, error) {
	var card model.Card
	err := r.db.WithContext(ctx).Select("balance").Where("number = ?", number).First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrCardNotFound
		}
		return 0, err
	}
	return card.Balance, nil
}
