package job

import (
	"context"
	"time"

	"cardbank/internal/config"
	"cardbank/internal/infrastructure/mq"
	"cardbank/internal/model"
	"cardbank/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 轮询 outbox_message，把 PENDING 事件投递到 Kafka
//
// 投递成功标记 SENT；失败累加重试次数，达到 business.max_retry_count 后标记 FAILED。
// 至少投递一次，消费方按 message_key 去重。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     mq.Sender
	logger     *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, sender mq.Sender, cfg *config.Config, logger *zap.Logger) *OutboxSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Business.OutboxInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	batch := cfg.Business.OutboxBatch
	if batch <= 0 {
		batch = 100
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		logger:     logger.Named("outbox"),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batch,
		maxRetry:   cfg.Business.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 投递一批 PENDING 事件，返回成功条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.ListByStatus(ctx, model.OutboxStatusPending, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.sender.Send(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(err))
			return false
		}
		s.logger.Debug("消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("event", msg.EventType),
			zap.String("key", msg.MessageKey),
		)
		return true
	}

	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry", msg.RetryCount+1), zap.Error(err))

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, s.maxRetry); err != nil {
		s.logger.Error("记录失败次数出错", zap.Int64("id", msg.ID), zap.Error(err))
	} else if msg.RetryCount+1 >= s.maxRetry {
		s.logger.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID), zap.String("key", msg.MessageKey))
	}
	return false
}
