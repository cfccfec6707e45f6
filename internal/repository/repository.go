package repository

import (
	"context"
	"errors"

	"cardbank/internal/model"
)

var (
	ErrCardNotFound     = errors.New("card not found")
	ErrDuplicateNumber  = errors.New("card number already exists")
	ErrBalanceNotEnough = errors.New("balance not enough")
)

// Store 账本依赖的持久化协作方，每次调用立即提交
type Store interface {
	Insert(ctx context.Context, card *model.Card) error
	FindByNumberAndPIN(ctx context.Context, number, pin string) (*model.Card, error)
	FindByNumber(ctx context.Context, number string) (*model.Card, error)
	// IncrementBalance 在存储层执行 balance = balance + delta，返回更新后的余额
	IncrementBalance(ctx context.Context, number string, delta int64) (int64, error)
	Delete(ctx context.Context, number string) error
}

// Transactional 支持多语句事务的存储；fn 返回错误时整体回滚
type Transactional interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// Debiter 条件扣款：仅当 balance >= amount 时扣减，否则返回 ErrBalanceNotEnough
type Debiter interface {
	Debit(ctx context.Context, number string, amount int64) (int64, error)
}

// EventWriter 写入 outbox 事件
type EventWriter interface {
	WriteEvent(ctx context.Context, msg *model.OutboxMessage) error
}
