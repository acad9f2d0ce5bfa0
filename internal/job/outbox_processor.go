package job

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/infrastructure/mq"
	"bellyfed/internal/model"
	"bellyfed/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventStore 处理器依赖的存储操作
// 条件认领是多实例之间唯一的协调点，其余状态流转都以租约令牌为守卫
type EventStore interface {
	ClaimBatch(ctx context.Context, limit int, claimToken string, now time.Time) ([]*model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id string, claimToken string, now time.Time) error
	MarkFailed(ctx context.Context, id string, claimToken string, nextVisibleAt time.Time, lastErr string) error
	MarkDeadLetter(ctx context.Context, id string, claimToken string, lastErr string) error
	ReleaseClaim(ctx context.Context, id string, claimToken string) error
}

// EventPublisher 总线路由器暴露给处理器的唯一入口
type EventPublisher interface {
	Publish(ctx context.Context, event *model.OutboxEvent) error
}

// OutboxProcessor 认领-发布处理器
//
// 每轮：生成新租约令牌 -> 认领一批事件 -> 按聚合分组 ->
// 组间并发（有界工作池）、组内严格按创建顺序发布
//
// 组内某条发布失败时，同组剩余事件整体放回，绝不跳过它先发后面的——
// 聚合内顺序是对下游的硬承诺，不同聚合之间则互不相干
type OutboxProcessor struct {
	store     EventStore
	publisher EventPublisher
	cfg       *config.OutboxConfig
	stopCh    chan struct{}
}

func NewOutboxProcessor(db *gorm.DB, cfg *config.Config) *OutboxProcessor {
	return NewOutboxProcessorWith(
		repository.NewOutboxRepository(db),
		mq.NewRouter(&cfg.Kafka),
		&cfg.Outbox,
	)
}

func NewOutboxProcessorWith(store EventStore, publisher EventPublisher, cfg *config.OutboxConfig) *OutboxProcessor {
	return &OutboxProcessor{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	log.Println("[OutboxProcessor] 事件投递任务启动")

	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxProcessor] 收到停止信号，任务退出")
			return
		case <-p.stopCh:
			log.Println("[OutboxProcessor] 任务停止")
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *OutboxProcessor) Stop() {
	close(p.stopCh)
}

// processBatch 执行一轮认领与发布，返回认领到的事件数
func (p *OutboxProcessor) processBatch(ctx context.Context) int {
	// 每轮新令牌：租约属于"这一次运行"，不是属于进程
	claimToken := uuid.NewString()

	events, err := p.store.ClaimBatch(ctx, p.cfg.EffectiveBatchSize(), claimToken, time.Now())
	if err != nil {
		log.Printf("[OutboxProcessor] 认领事件失败: %v", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	groups := groupByAggregate(events)

	// 有界工作池：组间并发，组内串行
	sem := make(chan struct{}, p.cfg.EffectiveWorkers())
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group []*model.OutboxEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishGroup(ctx, claimToken, group)
		}(group)
	}
	wg.Wait()

	return len(events)
}

// publishGroup 按创建顺序发布同一聚合的事件
// 一旦失败，剩余事件原样放回（不计尝试次数），下一轮重新认领
func (p *OutboxProcessor) publishGroup(ctx context.Context, claimToken string, group []*model.OutboxEvent) {
	for i, event := range group {
		if err := p.publishOne(ctx, claimToken, event); err != nil {
			for _, skipped := range group[i+1:] {
				if releaseErr := p.store.ReleaseClaim(ctx, skipped.ID, claimToken); releaseErr != nil &&
					!errors.Is(releaseErr, repository.ErrClaimLost) {
					log.Printf("[OutboxProcessor] 放回被跳过的事件失败: id=%s, err=%v", skipped.ID, releaseErr)
				}
			}
			return
		}
	}
}

// publishOne 发布单条事件并落盘结果，单条的成败互相隔离
func (p *OutboxProcessor) publishOne(ctx context.Context, claimToken string, event *model.OutboxEvent) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout())
	err := p.publisher.Publish(publishCtx, event)
	cancel()

	if err == nil {
		if markErr := p.store.MarkProcessed(ctx, event.ID, claimToken, time.Now()); markErr != nil {
			// 租约丢失说明该行已被回收并可能重新投递，至少一次语义下无需补救
			log.Printf("[OutboxProcessor] 标记事件完成失败: id=%s, err=%v", event.ID, markErr)
		}
		return nil
	}

	p.handleFailure(ctx, claimToken, event, err)
	return err
}

func (p *OutboxProcessor) handleFailure(ctx context.Context, claimToken string, event *model.OutboxEvent, publishErr error) {
	attempts := event.AttemptCount + 1

	if mq.IsPermanent(publishErr) {
		log.Printf("[OutboxProcessor] 事件进入死信（永久错误，需人工介入）: id=%s, type=%s, err=%v",
			event.ID, event.EventType, publishErr)
		if err := p.store.MarkDeadLetter(ctx, event.ID, claimToken, publishErr.Error()); err != nil {
			log.Printf("[OutboxProcessor] 标记死信失败: id=%s, err=%v", event.ID, err)
		}
		return
	}

	if attempts >= p.cfg.EffectiveMaxAttempts() {
		log.Printf("[OutboxProcessor] 事件超过最大重试次数，进入死信: id=%s, type=%s, attempts=%d, err=%v",
			event.ID, event.EventType, attempts, publishErr)
		if err := p.store.MarkDeadLetter(ctx, event.ID, claimToken, publishErr.Error()); err != nil {
			log.Printf("[OutboxProcessor] 标记死信失败: id=%s, err=%v", event.ID, err)
		}
		return
	}

	backoff := NextBackoff(event.AttemptCount, p.cfg.BackoffBase(), p.cfg.BackoffCap())
	nextVisibleAt := time.Now().Add(backoff)
	log.Printf("[OutboxProcessor] 事件发布失败，%v 后重试: id=%s, attempts=%d, err=%v",
		backoff, event.ID, attempts, publishErr)
	if err := p.store.MarkFailed(ctx, event.ID, claimToken, nextVisibleAt, publishErr.Error()); err != nil {
		log.Printf("[OutboxProcessor] 标记失败状态失败: id=%s, err=%v", event.ID, err)
	}
}

// groupByAggregate 按聚合分组，组内与组间都保持认领时的顺序（最老优先）
func groupByAggregate(events []*model.OutboxEvent) [][]*model.OutboxEvent {
	byAggregate := make(map[string][]*model.OutboxEvent)
	order := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := byAggregate[ev.AggregateID]; !ok {
			order = append(order, ev.AggregateID)
		}
		byAggregate[ev.AggregateID] = append(byAggregate[ev.AggregateID], ev)
	}

	groups := make([][]*model.OutboxEvent, 0, len(order))
	for _, aggregateID := range order {
		groups = append(groups, byAggregate[aggregateID])
	}
	return groups
}
