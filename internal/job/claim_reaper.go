package job

import (
	"context"
	"log"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/repository"

	"gorm.io/gorm"
)

// StaleClaimStore 回收任务依赖的存储操作
type StaleClaimStore interface {
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// ClaimReaper 僵尸租约回收任务
//
// 处理器实例在 PROCESSING 中途崩溃时，事件会带着租约滞留；
// 超过存活阈值即放回 PENDING，保证投递最终推进而无需人工介入
// 任意实例都可以跑这个任务，操作幂等
type ClaimReaper struct {
	store    StaleClaimStore
	cfg      *config.OutboxConfig
	stopCh   chan struct{}
	interval time.Duration
}

func NewClaimReaper(db *gorm.DB, cfg *config.Config) *ClaimReaper {
	return NewClaimReaperWith(repository.NewOutboxRepository(db), &cfg.Outbox)
}

func NewClaimReaperWith(store StaleClaimStore, cfg *config.OutboxConfig) *ClaimReaper {
	return &ClaimReaper{
		store:    store,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		interval: cfg.ReaperInterval(),
	}
}

func (j *ClaimReaper) Start(ctx context.Context) {
	log.Println("[ClaimReaper] 僵尸租约回收任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ClaimReaper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ClaimReaper] 任务停止")
			return
		case <-ticker.C:
			j.releaseStaleClaims(ctx)
		}
	}
}

func (j *ClaimReaper) Stop() {
	close(j.stopCh)
}

func (j *ClaimReaper) releaseStaleClaims(ctx context.Context) {
	olderThan := time.Now().Add(-j.cfg.ClaimTTL())

	released, err := j.store.ReleaseStaleClaims(ctx, olderThan)
	if err != nil {
		log.Printf("[ClaimReaper] 回收僵尸租约失败: %v", err)
		return
	}

	if released > 0 {
		log.Printf("[ClaimReaper] 回收 %d 条滞留在 PROCESSING 的事件", released)
	}
}
