package job

import (
	"context"
	"log"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/repository"

	"gorm.io/gorm"
)

const cleanupBatchSize = 500

// OutboxCleanupJob 按保留窗口清理已处理事件
// retention_hours 为 0 时不启用，保留策略完全交给配置决定
type OutboxCleanupJob struct {
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
}

func NewOutboxCleanupJob(db *gorm.DB, cfg *config.Config) *OutboxCleanupJob {
	interval := time.Duration(cfg.Outbox.CleanupIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return &OutboxCleanupJob{
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   interval,
	}
}

func (j *OutboxCleanupJob) Start(ctx context.Context) {
	if j.cfg.Outbox.RetentionHours <= 0 {
		log.Println("[OutboxCleanup] 未配置保留窗口，清理任务不启动")
		return
	}

	log.Println("[OutboxCleanup] 已处理事件清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxCleanup] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OutboxCleanup] 任务停止")
			return
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *OutboxCleanupJob) Stop() {
	close(j.stopCh)
}

func (j *OutboxCleanupJob) cleanup(ctx context.Context) {
	before := time.Now().Add(-time.Duration(j.cfg.Outbox.RetentionHours) * time.Hour)

	var total int64
	for {
		deleted, err := j.outboxRepo.DeleteProcessedBefore(ctx, before, cleanupBatchSize)
		if err != nil {
			log.Printf("[OutboxCleanup] 清理已处理事件失败: %v", err)
			return
		}
		total += deleted
		if deleted < cleanupBatchSize {
			break
		}
	}

	if total > 0 {
		log.Printf("[OutboxCleanup] 本次清理 %d 条已处理事件", total)
	}
}
