package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cardbank/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 登录会话与登录限流（Redis）
// ============================================================================
//
//   cardbank:session:{token}        -> 卡号，TTL = session.ttl，访问时续期
//   cardbank:login:fail:{卡号}       -> 窗口内失败次数，TTL = session.login_window
//   cardbank:login:block:{卡号}      -> 达到上限后的封禁标记，TTL = session.login_block
//
// 会话只保存卡号，余额等状态每次请求从账本读取。
//
// ============================================================================

var (
	ErrSessionNotFound = errors.New("session not found or expired")
	ErrLoginBlocked    = errors.New("too many failed logins, try again later")
)

const (
	sessionPrefix = "cardbank:session:"
	failPrefix    = "cardbank:login:fail:"
	blockPrefix   = "cardbank:login:block:"
)

type Store struct {
	rdb         redis.UniversalClient
	ttl         time.Duration
	loginLimit  int64
	loginWindow time.Duration
	loginBlock  time.Duration
}

func NewStore(rdb redis.UniversalClient, cfg *config.SessionConfig) *Store {
	return &Store{
		rdb:         rdb,
		ttl:         cfg.TTL,
		loginLimit:  int64(cfg.LoginLimit),
		loginWindow: cfg.LoginWindow,
		loginBlock:  cfg.LoginBlock,
	}
}

// Create 为卡号创建会话，返回 token
func (s *Store) Create(ctx context.Context, number string) (string, error) {
	token := uuid.NewString()
	if err := s.rdb.Set(ctx, sessionPrefix+token, number, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// Resolve 返回 token 对应的卡号并续期
func (s *Store) Resolve(ctx context.Context, token string) (string, error) {
	number, err := s.rdb.Get(ctx, sessionPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	s.rdb.Expire(ctx, sessionPrefix+token, s.ttl)
	return number, nil
}

// Delete 注销会话，不存在时返回 ErrSessionNotFound
func (s *Store) Delete(ctx context.Context, token string) error {
	n, err := s.rdb.Del(ctx, sessionPrefix+token).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CheckLogin 卡号处于封禁期时返回 ErrLoginBlocked 与剩余时长
func (s *Store) CheckLogin(ctx context.Context, number string) (time.Duration, error) {
	if s.loginLimit <= 0 {
		return 0, nil
	}
	ttl, err := s.rdb.TTL(ctx, blockPrefix+number).Result()
	if err != nil {
		return 0, fmt.Errorf("check login block: %w", err)
	}
	if ttl > 0 {
		return ttl, ErrLoginBlocked
	}
	return 0, nil
}

// RecordFailure 记录一次失败登录，窗口内达到上限时封禁卡号
// 返回窗口内剩余可尝试次数
func (s *Store) RecordFailure(ctx context.Context, number string) (int64, error) {
	if s.loginLimit <= 0 {
		return 0, nil
	}
	key := failPrefix + number
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("record login failure: %w", err)
	}
	if count == 1 {
		s.rdb.Expire(ctx, key, s.loginWindow)
	}
	if count >= s.loginLimit {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, blockPrefix+number, strconv.FormatInt(count, 10), s.loginBlock)
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("block login: %w", err)
		}
		return 0, ErrLoginBlocked
	}
	return s.loginLimit - count, nil
}

// ResetFailures 登录成功后清零计数
func (s *Store) ResetFailures(ctx context.Context, number string) error {
	return s.rdb.Del(ctx, failPrefix+number).Err()
}
