package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cardbank/internal/config"
	"cardbank/internal/model"
	"cardbank/internal/repository"
	"cardbank/pkg/idgen"
	"cardbank/pkg/luhn"

	"go.uber.org/zap"
)

// Locker 按卡号加锁，release 必须可重复调用
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LedgerService 账本：卡片生命周期、余额变更与转账
//
// 所有操作显式接收调用方会话中的卡片（*model.Card），不持有全局登录状态。
// 任何写操作之后都会从存储层重新读取余额写回该卡片。
type LedgerService struct {
	store  repository.Store
	gen    *luhn.Generator
	ids    *idgen.Snowflake
	locker Locker
	logger *zap.Logger

	maxGenerateAttempts   int
	allowCloseWithBalance bool
	eventTopic            string
}

func NewLedgerService(store repository.Store, gen *luhn.Generator, cfg *config.Config, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &LedgerService{
		store:                 store,
		gen:                   gen,
		ids:                   idgen.Default(),
		logger:                logger.Named("ledger"),
		maxGenerateAttempts:   cfg.Ledger.MaxGenerateAttempts,
		allowCloseWithBalance: cfg.Ledger.AllowCloseWithBalance,
	}
	if cfg.Kafka.Enabled {
		s.eventTopic = cfg.Kafka.Topic.LedgerEvents
	}
	if s.maxGenerateAttempts < 1 {
		s.maxGenerateAttempts = 1
	}
	return s
}

// WithLocker 为转账启用按来源卡加锁
func (s *LedgerService) WithLocker(l Locker) *LedgerService {
	s.locker = l
	return s
}

// Generator 卡号生成/校验器
func (s *LedgerService) Generator() *luhn.Generator {
	return s.gen
}

// OpenAccount 开卡：生成卡号与 PIN，余额为 0
// 卡号冲突时重新生成，最多 maxGenerateAttempts 次
func (s *LedgerService) OpenAccount(ctx context.Context) (*model.Card, error) {
	for attempt := 1; attempt <= s.maxGenerateAttempts; attempt++ {
		card := &model.Card{
			Number:  s.gen.NewNumber(),
			PIN:     s.gen.NewPIN(),
			Balance: 0,
		}

		err := s.atomically(ctx, func(st repository.Store) error {
			if err := st.Insert(ctx, card); err != nil {
				return err
			}
			return s.writeEvent(ctx, st, model.EventCardOpened, card.Number, cardEvent{
				Number: card.Number,
				At:     time.Now(),
			})
		})
		if err == nil {
			s.logger.Info("开卡成功", zap.String("card", maskNumber(card.Number)), zap.Int("attempt", attempt))
			return card, nil
		}
		if !errors.Is(err, repository.ErrDuplicateNumber) {
			return nil, fmt.Errorf("open account: %w", err)
		}
		s.logger.Warn("卡号冲突，重新生成", zap.String("card", maskNumber(card.Number)), zap.Int("attempt", attempt))
	}

	return nil, ErrNumberSpaceExhausted
}

// Authenticate 按卡号与 PIN 同时查询；任意一项不匹配都返回 ErrCardNotFound
func (s *LedgerService) Authenticate(ctx context.Context, number, pin string) (*model.Card, error) {
	card, err := s.store.FindByNumberAndPIN(ctx, number, pin)
	if err != nil {
		if errors.Is(err, repository.ErrCardNotFound) {
			s.logger.Info("登录失败", zap.String("card", maskNumber(number)))
		}
		return nil, err
	}
	return card, nil
}

// Lookup 仅按卡号查询，用于解析收款方
func (s *LedgerService) Lookup(ctx context.Context, number string) (*model.Card, error) {
	return s.store.FindByNumber(ctx, number)
}

// Balance 从存储层读取权威余额并写回 card
func (s *LedgerService) Balance(ctx context.Context, card *model.Card) (int64, error) {
	fresh, err := s.store.FindByNumber(ctx, card.Number)
	if err != nil {
		return 0, err
	}
	card.Balance = fresh.Balance
	return card.Balance, nil
}

// AdjustBalance 存储层原子增减余额，随后以存储返回值刷新 card
func (s *LedgerService) AdjustBalance(ctx context.Context, card *model.Card, delta int64) (int64, error) {
	balance, err := s.store.IncrementBalance(ctx, card.Number, delta)
	if err != nil {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}
	card.Balance = balance
	return balance, nil
}

// AddIncome 入账，金额必须为正
func (s *LedgerService) AddIncome(ctx context.Context, card *model.Card, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.AdjustBalance(ctx, card, amount)
	if err != nil {
		return 0, err
	}
	s.logger.Info("入账成功", zap.String("card", maskNumber(card.Number)), zap.Int64("amount", amount))
	return balance, nil
}

// TransferResult 转账结果，余额均为存储层写后读取的值
type TransferResult struct {
	TransferNo  string `json:"transfer_no"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	FromBalance int64  `json:"from_balance"`
	ToBalance   int64  `json:"-"`
}

// ResolveRecipient 转账校验的前三步：非自转账、卡号合法、收款卡存在
// 交互式调用方可在询问金额之前先调用它
func (s *LedgerService) ResolveRecipient(ctx context.Context, card *model.Card, to string) (*model.Card, error) {
	if to == card.Number {
		return nil, ErrSelfTransfer
	}
	if !s.gen.IsValid(to) {
		return nil, ErrInvalidCardNumber
	}
	dest, err := s.Lookup(ctx, to)
	if err != nil {
		if errors.Is(err, repository.ErrCardNotFound) {
			return nil, ErrUnknownCard
		}
		return nil, err
	}
	return dest, nil
}

// Transfer 转账
//
// 校验顺序（遇错即返回，不产生任何变更）：
//  1. 收款卡号与来源相同        -> ErrSelfTransfer
//  2. 收款卡号校验失败          -> ErrInvalidCardNumber
//  3. 收款卡不存在              -> ErrUnknownCard
//  4. 金额非正 / 超出来源余额    -> ErrInvalidAmount / ErrInsufficientFunds
//
// 扣款与入账要么都成功要么都不生效：存储支持事务时放在同一事务内，
// 否则入账失败会自动回补来源卡。
func (s *LedgerService) Transfer(ctx context.Context, card *model.Card, to string, amount int64) (*TransferResult, error) {
	dest, err := s.ResolveRecipient(ctx, card, to)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, card.Number)
		if err != nil {
			return nil, fmt.Errorf("acquire card lock: %w", err)
		}
		defer release()
	}

	if _, err := s.Balance(ctx, card); err != nil {
		return nil, err
	}
	if amount > card.Balance {
		return nil, ErrInsufficientFunds
	}

	result := &TransferResult{
		TransferNo: s.ids.TransferNo(),
		From:       card.Number,
		To:         dest.Number,
		Amount:     amount,
	}

	if tx, ok := s.store.(repository.Transactional); ok {
		err = tx.Transaction(ctx, func(st repository.Store) error {
			if err := applyLegs(ctx, st, result); err != nil {
				return err
			}
			return s.writeEvent(ctx, st, model.EventTransferCompleted, result.TransferNo, result)
		})
	} else {
		err = s.transferWithCompensation(ctx, result)
	}

	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			return nil, ErrInsufficientFunds
		}
		s.logger.Error("转账失败", zap.String("transfer_no", result.TransferNo), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	card.Balance = result.FromBalance
	dest.Balance = result.ToBalance

	s.logger.Info("转账成功",
		zap.String("transfer_no", result.TransferNo),
		zap.String("from", maskNumber(result.From)),
		zap.String("to", maskNumber(result.To)),
		zap.Int64("amount", amount),
	)
	return result, nil
}

// CloseAccount 销卡（物理删除）
// allow_close_with_balance 关闭时，余额非零拒绝销卡
func (s *LedgerService) CloseAccount(ctx context.Context, card *model.Card) error {
	if _, err := s.Balance(ctx, card); err != nil {
		return err
	}
	if !s.allowCloseWithBalance && card.Balance != 0 {
		return ErrBalanceNotZero
	}

	discarded := card.Balance
	err := s.atomically(ctx, func(st repository.Store) error {
		if err := st.Delete(ctx, card.Number); err != nil {
			return err
		}
		return s.writeEvent(ctx, st, model.EventCardClosed, card.Number, cardEvent{
			Number:           card.Number,
			DiscardedBalance: discarded,
			At:               time.Now(),
		})
	})
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}

	if discarded != 0 {
		s.logger.Warn("销卡时余额被丢弃", zap.String("card", maskNumber(card.Number)), zap.Int64("balance", discarded))
	} else {
		s.logger.Info("销卡成功", zap.String("card", maskNumber(card.Number)))
	}
	return nil
}

// transferWithCompensation 无事务存储：先扣款后入账，入账失败回补来源卡
func (s *LedgerService) transferWithCompensation(ctx context.Context, r *TransferResult) error {
	from, err := debit(ctx, s.store, r.From, r.Amount)
	if err != nil {
		return err
	}

	to, err := s.store.IncrementBalance(ctx, r.To, r.Amount)
	if err != nil {
		if _, cerr := s.store.IncrementBalance(ctx, r.From, r.Amount); cerr != nil {
			s.logger.Error("补偿失败：来源卡已扣款但未入账",
				zap.String("transfer_no", r.TransferNo),
				zap.String("from", maskNumber(r.From)),
				zap.Int64("amount", r.Amount),
				zap.Error(cerr),
			)
			return fmt.Errorf("credit %s: %w (compensation failed: %v)", maskNumber(r.To), err, cerr)
		}
		s.logger.Warn("入账失败，已回补来源卡", zap.String("transfer_no", r.TransferNo), zap.Error(err))
		return fmt.Errorf("credit %s: %w", maskNumber(r.To), err)
	}

	r.FromBalance, r.ToBalance = from, to

	if err := s.writeEvent(ctx, s.store, model.EventTransferCompleted, r.TransferNo, r); err != nil {
		s.logger.Error("写入转账事件失败", zap.String("transfer_no", r.TransferNo), zap.Error(err))
	}
	return nil
}

// applyLegs 在同一事务内执行扣款与入账
func applyLegs(ctx context.Context, st repository.Store, r *TransferResult) error {
	from, err := debit(ctx, st, r.From, r.Amount)
	if err != nil {
		return err
	}
	to, err := st.IncrementBalance(ctx, r.To, r.Amount)
	if err != nil {
		return err
	}
	r.FromBalance, r.ToBalance = from, to
	return nil
}

// debit 存储支持条件扣款时使用 Debit，否则退化为负向增量
func debit(ctx context.Context, st repository.Store, number string, amount int64) (int64, error) {
	if d, ok := st.(repository.Debiter); ok {
		return d.Debit(ctx, number, amount)
	}
	return st.IncrementBalance(ctx, number, -amount)
}

// atomically 存储支持事务时在事务内执行 fn
func (s *LedgerService) atomically(ctx context.Context, fn func(st repository.Store) error) error {
	if tx, ok := s.store.(repository.Transactional); ok {
		return tx.Transaction(ctx, fn)
	}
	return fn(s.store)
}

type cardEvent struct {
	Number           string    `json:"number"`
	DiscardedBalance int64     `json:"discarded_balance,omitempty"`
	At               time.Time `json:"at"`
}

func (s *LedgerService) writeEvent(ctx context.Context, st repository.Store, eventType, key string, payload any) error {
	w, ok := st.(repository.EventWriter)
	if !ok || s.eventTopic == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	return w.WriteEvent(ctx, &model.OutboxMessage{
		MessageKey: key,
		EventType:  eventType,
		Topic:      s.eventTopic,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	})
}

// maskNumber 日志中隐藏卡号中段
func maskNumber(number string) string {
	if len(number) != luhn.NumberLength {
		return "****"
	}
	return number[:6] + "******" + number[12:]
}
