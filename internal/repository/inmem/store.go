// Package inmem 基于 map 的 repository.Store，不支持多语句事务
// 供测试与 memory 存储驱动使用
package inmem

import (
	"context"
	"sync"
	"time"

	"cardbank/internal/model"
	"cardbank/internal/repository"
)

// FailFunc 按操作注入存储故障，op 取值 insert / find / increment / delete
type FailFunc func(op, number string) error

type Store struct {
	mu     sync.Mutex
	nextID int64
	cards  map[string]model.Card
	fail   FailFunc
}

func NewStore() *Store {
	return &Store{cards: make(map[string]model.Card)}
}

// FailWith 安装故障函数，fn 返回非 nil 时该操作失败
func (s *Store) FailWith(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func (s *Store) check(op, number string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(op, number)
}

func (s *Store) Insert(ctx context.Context, card *model.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert", card.Number); err != nil {
		return err
	}
	if _, ok := s.cards[card.Number]; ok {
		return repository.ErrDuplicateNumber
	}
	s.nextID++
	now := time.Now()
	card.ID = s.nextID
	card.CreatedAt, card.UpdatedAt = now, now
	s.cards[card.Number] = *card
	return nil
}

func (s *Store) FindByNumberAndPIN(ctx context.Context, number, pin string) (*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("find", number); err != nil {
		return nil, err
	}
	c, ok := s.cards[number]
	if !ok || c.PIN != pin {
		return nil, repository.ErrCardNotFound
	}
	return &c, nil
}

func (s *Store) FindByNumber(ctx context.Context, number string) (*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("find", number); err != nil {
		return nil, err
	}
	c, ok := s.cards[number]
	if !ok {
		return nil, repository.ErrCardNotFound
	}
	return &c, nil
}

func (s *Store) IncrementBalance(ctx context.Context, number string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("increment", number); err != nil {
		return 0, err
	}
	c, ok := s.cards[number]
	if !ok {
		return 0, repository.ErrCardNotFound
	}
	c.Balance += delta
	c.UpdatedAt = time.Now()
	s.cards[number] = c
	return c.Balance, nil
}

func (s *Store) Delete(ctx context.Context, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete", number); err != nil {
		return err
	}
	if _, ok := s.cards[number]; !ok {
		return repository.ErrCardNotFound
	}
	delete(s.cards, number)
	return nil
}

// Len 当前卡片数量
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}
