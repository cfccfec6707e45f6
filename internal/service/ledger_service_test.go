package service

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"cardbank/internal/config"
	"cardbank/internal/model"
	"cardbank/internal/repository"
	"cardbank/internal/repository/inmem"
	"cardbank/pkg/luhn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Ledger: config.LedgerConfig{
			IssuerPrefix:          luhn.DefaultIssuerPrefix,
			MaxGenerateAttempts:   5,
			AllowCloseWithBalance: true,
		},
		Kafka: config.KafkaConfig{
			Enabled: true,
			Topic:   config.KafkaTopicConfig{LedgerEvents: "ledger.events"},
		},
	}
}

func newGenerator(t *testing.T) *luhn.Generator {
	t.Helper()
	g, err := luhn.NewGenerator(luhn.DefaultIssuerPrefix, nil)
	require.NoError(t, err)
	return g
}

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "card.s3db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Card{}, &model.OutboxMessage{}))
	return db
}

// 两种存储：内存（补偿路径）与 SQLite（事务路径）
func storeFactories() map[string]func(t *testing.T) repository.Store {
	return map[string]func(t *testing.T) repository.Store{
		"inmem": func(t *testing.T) repository.Store { return inmem.NewStore() },
		"sqlite": func(t *testing.T) repository.Store {
			return repository.NewCardRepository(openSQLite(t))
		},
	}
}

func mustOpen(t *testing.T, s *LedgerService) *model.Card {
	t.Helper()
	card, err := s.OpenAccount(context.Background())
	require.NoError(t, err)
	return card
}

func storedBalance(t *testing.T, st repository.Store, number string) int64 {
	t.Helper()
	c, err := st.FindByNumber(context.Background(), number)
	require.NoError(t, err)
	return c.Balance
}

// unknownNumber 返回一个校验通过但未开户的卡号
func unknownNumber(t *testing.T, s *LedgerService) string {
	t.Helper()
	for {
		n := s.Generator().NewNumber()
		if _, err := s.Lookup(context.Background(), n); errors.Is(err, ErrCardNotFound) {
			return n
		}
	}
}

func TestLedgerScenario(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

			a := mustOpen(t, s)
			assert.Len(t, a.Number, 16)
			assert.Len(t, a.PIN, 4)
			assert.Zero(t, a.Balance)
			assert.True(t, s.Generator().IsValid(a.Number))

			balance, err := s.AdjustBalance(ctx, a, 100)
			require.NoError(t, err)
			assert.Equal(t, int64(100), balance)
			assert.Equal(t, int64(100), a.Balance)

			b := mustOpen(t, s)
			assert.Zero(t, b.Balance)

			res, err := s.Transfer(ctx, a, b.Number, 40)
			require.NoError(t, err)
			assert.Equal(t, int64(60), res.FromBalance)
			assert.Equal(t, int64(40), res.ToBalance)
			assert.Equal(t, int64(60), a.Balance)
			assert.Equal(t, int64(40), storedBalance(t, st, b.Number))
			assert.NotEmpty(t, res.TransferNo)

			_, err = s.Transfer(ctx, a, b.Number, 1000)
			assert.ErrorIs(t, err, ErrInsufficientFunds)
			assert.Equal(t, int64(60), storedBalance(t, st, a.Number))
			assert.Equal(t, int64(40), storedBalance(t, st, b.Number))

			_, err = s.Transfer(ctx, a, a.Number, 10)
			assert.ErrorIs(t, err, ErrSelfTransfer)

			_, err = s.Transfer(ctx, a, "0000000000000000", 10)
			assert.ErrorIs(t, err, ErrInvalidCardNumber)

			_, err = s.Transfer(ctx, a, unknownNumber(t, s), 10)
			assert.ErrorIs(t, err, ErrUnknownCard)

			require.NoError(t, s.CloseAccount(ctx, a))
			_, err = s.Lookup(ctx, a.Number)
			assert.ErrorIs(t, err, ErrCardNotFound)
		})
	}
}

func TestTransferValidationIsNoop(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

			a := mustOpen(t, s)
			b := mustOpen(t, s)
			_, err := s.AdjustBalance(ctx, a, 75)
			require.NoError(t, err)
			_, err = s.AdjustBalance(ctx, b, 5)
			require.NoError(t, err)

			bad := []byte(b.Number)
			bad[len(bad)-1] = '0' + (bad[len(bad)-1]-'0'+1)%10

			cases := []struct {
				name   string
				to     string
				amount int64
				want   error
			}{
				{"self", a.Number, 10, ErrSelfTransfer},
				{"checksum", string(bad), 10, ErrInvalidCardNumber},
				{"short", b.Number[:15], 10, ErrInvalidCardNumber},
				{"letters", "400000abcdefghij", 10, ErrInvalidCardNumber},
				{"unknown", unknownNumber(t, s), 10, ErrUnknownCard},
				{"zero", b.Number, 0, ErrInvalidAmount},
				{"negative", b.Number, -5, ErrInvalidAmount},
				{"too much", b.Number, 76, ErrInsufficientFunds},
			}
			for _, c := range cases {
				_, err := s.Transfer(ctx, a, c.to, c.amount)
				assert.ErrorIs(t, err, c.want, c.name)
				assert.True(t, IsValidationError(err), c.name)
				assert.Equal(t, int64(75), storedBalance(t, st, a.Number), c.name)
				assert.Equal(t, int64(5), storedBalance(t, st, b.Number), c.name)
			}
		})
	}
}

// 自转账校验优先于卡号校验
func TestTransferValidationOrder(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerService(inmem.NewStore(), newGenerator(t), testConfig(), nil)
	a := mustOpen(t, s)

	_, err := s.Transfer(ctx, a, a.Number, -1)
	assert.ErrorIs(t, err, ErrSelfTransfer)

	_, err = s.Transfer(ctx, a, "0000000000000000", 1_000_000)
	assert.ErrorIs(t, err, ErrInvalidCardNumber)

	_, err = s.Transfer(ctx, a, unknownNumber(t, s), -1)
	assert.ErrorIs(t, err, ErrUnknownCard)
}

func TestTransferRoundTrip(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

			a := mustOpen(t, s)
			b := mustOpen(t, s)
			_, err := s.AdjustBalance(ctx, a, 500)
			require.NoError(t, err)
			_, err = s.AdjustBalance(ctx, b, 120)
			require.NoError(t, err)

			_, err = s.Transfer(ctx, a, b.Number, 123)
			require.NoError(t, err)
			_, err = s.Transfer(ctx, b, a.Number, 123)
			require.NoError(t, err)

			assert.Equal(t, int64(500), storedBalance(t, st, a.Number))
			assert.Equal(t, int64(120), storedBalance(t, st, b.Number))
			// 调用方持有的收款卡余额已过期，需重新读取
			balance, err := s.Balance(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, int64(500), balance)
			assert.Equal(t, int64(500), a.Balance)
			balance, err = s.Balance(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, int64(120), balance)
		})
	}
}

// 内存中的余额过期时以存储为准
func TestTransferUsesAuthoritativeBalance(t *testing.T) {
	ctx := context.Background()
	st := inmem.NewStore()
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AdjustBalance(ctx, a, 60)
	require.NoError(t, err)

	a.Balance = 1000
	_, err = s.Transfer(ctx, a, b.Number, 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(60), a.Balance)
}

func TestTransferCompensatesFailedCredit(t *testing.T) {
	ctx := context.Background()
	st := inmem.NewStore()
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AdjustBalance(ctx, a, 100)
	require.NoError(t, err)

	boom := errors.New("write failed")
	st.FailWith(func(op, number string) error {
		if op == "increment" && number == b.Number {
			return boom
		}
		return nil
	})

	_, err = s.Transfer(ctx, a, b.Number, 30)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsValidationError(err))

	st.FailWith(nil)
	assert.Equal(t, int64(100), storedBalance(t, st, a.Number))
	assert.Equal(t, int64(0), storedBalance(t, st, b.Number))
}

func TestTransferCompensationFailureIsReported(t *testing.T) {
	ctx := context.Background()
	st := inmem.NewStore()
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AdjustBalance(ctx, a, 100)
	require.NoError(t, err)

	boom := errors.New("write failed")
	var sourceWrites int
	st.FailWith(func(op, number string) error {
		if op != "increment" {
			return nil
		}
		if number == b.Number {
			return boom
		}
		sourceWrites++
		if sourceWrites > 1 {
			return boom
		}
		return nil
	})

	_, err = s.Transfer(ctx, a, b.Number, 30)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorContains(t, err, "compensation failed")
}

// txFailingStore 在事务内让入账腿失败，验证整体回滚
type txFailingStore struct {
	*repository.CardRepository
	failOn string
}

type failingLeg struct {
	repository.Store
	failOn string
}

var errCreditLeg = errors.New("credit leg failed")

func (f failingLeg) IncrementBalance(ctx context.Context, number string, delta int64) (int64, error) {
	if number == f.failOn {
		return 0, errCreditLeg
	}
	return f.Store.IncrementBalance(ctx, number, delta)
}

func (s *txFailingStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.CardRepository.Transaction(ctx, func(tx repository.Store) error {
		return fn(failingLeg{Store: tx, failOn: s.failOn})
	})
}

func TestTransferRollsBackInTransaction(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	repo := repository.NewCardRepository(db)
	st := &txFailingStore{CardRepository: repo}
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AdjustBalance(ctx, a, 100)
	require.NoError(t, err)

	var before int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&before).Error)

	st.failOn = b.Number
	_, err = s.Transfer(ctx, a, b.Number, 30)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, errCreditLeg)

	assert.Equal(t, int64(100), storedBalance(t, repo, a.Number))
	assert.Equal(t, int64(0), storedBalance(t, repo, b.Number))

	var after int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&after).Error)
	assert.Equal(t, before, after, "no transfer event on rollback")
}

func TestOpenAccountRerollsOnCollision(t *testing.T) {
	ctx := context.Background()

	// 第 1 个账户与第 2 个账户的首次尝试都取到全 0，第二次尝试账户段为 1
	seq := make([]byte, 0, 48)
	seq = append(seq, make([]byte, 32)...)
	seq = append(seq, 0, 0, 0, 0, 0, 0, 0, 1)
	seq = append(seq, make([]byte, 8)...)
	gen, err := luhn.NewGenerator(luhn.DefaultIssuerPrefix, bytes.NewReader(seq))
	require.NoError(t, err)

	st := inmem.NewStore()
	s := NewLedgerService(st, gen, testConfig(), nil)

	first, err := s.OpenAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4000000000000002", first.Number)

	second, err := s.OpenAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4000000000000010", second.Number)
	assert.Equal(t, 2, st.Len())
}

func TestOpenAccountGivesUpAfterMaxAttempts(t *testing.T) {
	gen, err := luhn.NewGenerator(luhn.DefaultIssuerPrefix, bytes.NewReader(make([]byte, 1024)))
	require.NoError(t, err)

	st := inmem.NewStore()
	s := NewLedgerService(st, gen, testConfig(), nil)

	_, err = s.OpenAccount(context.Background())
	require.NoError(t, err)

	_, err = s.OpenAccount(context.Background())
	assert.ErrorIs(t, err, ErrNumberSpaceExhausted)
	assert.Equal(t, 1, st.Len())
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerService(inmem.NewStore(), newGenerator(t), testConfig(), nil)
	a := mustOpen(t, s)

	got, err := s.Authenticate(ctx, a.Number, a.PIN)
	require.NoError(t, err)
	assert.Equal(t, a.Number, got.Number)

	wrongPIN := "0000"
	if a.PIN == wrongPIN {
		wrongPIN = "1111"
	}
	_, err = s.Authenticate(ctx, a.Number, wrongPIN)
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = s.Authenticate(ctx, unknownNumber(t, s), a.PIN)
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestAddIncomeAndBalance(t *testing.T) {
	ctx := context.Background()
	st := inmem.NewStore()
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)
	a := mustOpen(t, s)

	_, err := s.AddIncome(ctx, a, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	balance, err := s.AddIncome(ctx, a, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	// 另一处写入后再读余额
	_, err = st.IncrementBalance(ctx, a.Number, 50)
	require.NoError(t, err)
	balance, err = s.Balance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
	assert.Equal(t, int64(300), a.Balance)
}

func TestCloseAccountWithBalancePolicy(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Ledger.AllowCloseWithBalance = false
	st := inmem.NewStore()
	s := NewLedgerService(st, newGenerator(t), cfg, nil)

	a := mustOpen(t, s)
	_, err := s.AddIncome(ctx, a, 10)
	require.NoError(t, err)

	assert.ErrorIs(t, s.CloseAccount(ctx, a), ErrBalanceNotZero)
	_, err = s.Lookup(ctx, a.Number)
	require.NoError(t, err)

	_, err = s.AdjustBalance(ctx, a, -10)
	require.NoError(t, err)
	require.NoError(t, s.CloseAccount(ctx, a))
	assert.ErrorIs(t, s.CloseAccount(ctx, a), ErrCardNotFound)
}

func TestCloseAccountDiscardsBalanceByDefault(t *testing.T) {
	ctx := context.Background()
	st := inmem.NewStore()
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	_, err := s.AddIncome(ctx, a, 10)
	require.NoError(t, err)

	require.NoError(t, s.CloseAccount(ctx, a))
	assert.Zero(t, st.Len())
}

func TestLedgerWritesOutboxEvents(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	s := NewLedgerService(repository.NewCardRepository(db), newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AddIncome(ctx, a, 100)
	require.NoError(t, err)
	res, err := s.Transfer(ctx, a, b.Number, 10)
	require.NoError(t, err)
	require.NoError(t, s.CloseAccount(ctx, b))

	var msgs []model.OutboxMessage
	require.NoError(t, db.Order("id ASC").Find(&msgs).Error)
	require.Len(t, msgs, 4)

	assert.Equal(t, model.EventCardOpened, msgs[0].EventType)
	assert.Equal(t, model.EventCardOpened, msgs[1].EventType)
	assert.Equal(t, model.EventTransferCompleted, msgs[2].EventType)
	assert.Equal(t, res.TransferNo, msgs[2].MessageKey)
	assert.NotContains(t, msgs[2].Payload, "to_balance")
	assert.Equal(t, model.EventCardClosed, msgs[3].EventType)
	for _, m := range msgs {
		assert.Equal(t, "ledger.events", m.Topic)
		assert.Equal(t, model.OutboxStatusPending, m.Status)
		assert.NotContains(t, m.Payload, "pin")
	}
}

func TestNoOutboxEventsWhenKafkaDisabled(t *testing.T) {
	db := openSQLite(t)
	cfg := testConfig()
	cfg.Kafka.Enabled = false
	s := NewLedgerService(repository.NewCardRepository(db), newGenerator(t), cfg, nil)

	mustOpen(t, s)

	var count int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&count).Error)
	assert.Zero(t, count)
}

type recordingLocker struct {
	mu       sync.Mutex
	acquired []string
	released int
	err      error
}

func (l *recordingLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

func TestTransferHoldsSourceLock(t *testing.T) {
	ctx := context.Background()
	locker := &recordingLocker{}
	s := NewLedgerService(inmem.NewStore(), newGenerator(t), testConfig(), nil).WithLocker(locker)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AddIncome(ctx, a, 20)
	require.NoError(t, err)

	_, err = s.Transfer(ctx, a, b.Number, 5)
	require.NoError(t, err)
	_, err = s.Transfer(ctx, a, b.Number, 500)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, []string{a.Number, a.Number}, locker.acquired)
	assert.Equal(t, 2, locker.released)

	locker.err = errors.New("lock busy")
	_, err = s.Transfer(ctx, a, b.Number, 5)
	assert.ErrorContains(t, err, "lock busy")
	assert.Equal(t, int64(15), storedBalance(t, s.store, a.Number))
}

// 并发转账不丢失更新，总额守恒
func TestConcurrentTransfersConserveTotal(t *testing.T) {
	ctx := context.Background()
	st := repository.NewCardRepository(openSQLite(t))
	s := NewLedgerService(st, newGenerator(t), testConfig(), nil)

	a := mustOpen(t, s)
	b := mustOpen(t, s)
	_, err := s.AddIncome(ctx, a, 1000)
	require.NoError(t, err)
	_, err = s.AddIncome(ctx, b, 1000)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			src := *a
			_, _ = s.Transfer(ctx, &src, b.Number, 1)
		}()
		go func() {
			defer wg.Done()
			src := *b
			_, _ = s.Transfer(ctx, &src, a.Number, 1)
		}()
	}
	wg.Wait()

	total := storedBalance(t, st, a.Number) + storedBalance(t, st, b.Number)
	assert.Equal(t, int64(2000), total)
}
