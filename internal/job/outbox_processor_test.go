package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/infrastructure/mq"
	"bellyfed/internal/model"
	"bellyfed/internal/repository"

	"github.com/stretchr/testify/require"
)

// memStore 内存版事件存储，复刻 SQL 实现的条件认领语义：
// 互斥认领、租约令牌守卫、退避门禁、聚合内先序事件阻塞后序事件
type memStore struct {
	mu     sync.Mutex
	events map[string]*model.OutboxEvent
}

func newMemStore(events ...*model.OutboxEvent) *memStore {
	s := &memStore{events: make(map[string]*model.OutboxEvent)}
	for _, ev := range events {
		clone := *ev
		s.events[ev.ID] = &clone
	}
	return s
}

func (s *memStore) sorted() []*model.OutboxEvent {
	out := make([]*model.OutboxEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) ClaimBatch(_ context.Context, limit int, claimToken string, now time.Time) ([]*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := make(map[string]bool)
	var claimed []*model.OutboxEvent
	for _, ev := range s.sorted() {
		if len(claimed) >= limit {
			break
		}
		if ev.IsTerminal() {
			continue
		}
		if blocked[ev.AggregateID] {
			continue
		}
		eligible := (ev.Status == model.OutboxStatusPending || ev.Status == model.OutboxStatusFailed) &&
			!ev.VisibleAt.After(now)
		if !eligible {
			// 被退避门禁或他人租约挡住的先序事件，阻塞同聚合的后续事件
			blocked[ev.AggregateID] = true
			continue
		}
		token := claimToken
		at := now
		ev.Status = model.OutboxStatusProcessing
		ev.ClaimedBy = &token
		ev.ClaimedAt = &at
		clone := *ev
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (s *memStore) guarded(id, claimToken string) (*model.OutboxEvent, error) {
	ev, ok := s.events[id]
	if !ok {
		return nil, repository.ErrClaimLost
	}
	if ev.Status != model.OutboxStatusProcessing || ev.ClaimedBy == nil || *ev.ClaimedBy != claimToken {
		return nil, repository.ErrClaimLost
	}
	return ev, nil
}

func (s *memStore) MarkProcessed(_ context.Context, id string, claimToken string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.guarded(id, claimToken)
	if err != nil {
		return err
	}
	ev.Status = model.OutboxStatusProcessed
	ev.ProcessedAt = &now
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id string, claimToken string, nextVisibleAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.guarded(id, claimToken)
	if err != nil {
		return err
	}
	ev.Status = model.OutboxStatusFailed
	ev.AttemptCount++
	ev.VisibleAt = nextVisibleAt
	ev.LastError = lastErr
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	return nil
}

func (s *memStore) MarkDeadLetter(_ context.Context, id string, claimToken string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.guarded(id, claimToken)
	if err != nil {
		return err
	}
	ev.Status = model.OutboxStatusDeadLetter
	ev.AttemptCount++
	ev.LastError = lastErr
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	return nil
}

func (s *memStore) ReleaseClaim(_ context.Context, id string, claimToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.guarded(id, claimToken)
	if err != nil {
		return err
	}
	ev.Status = model.OutboxStatusPending
	ev.ClaimedBy = nil
	ev.ClaimedAt = nil
	return nil
}

func (s *memStore) ReleaseStaleClaims(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var released int64
	for _, ev := range s.events {
		if ev.Status == model.OutboxStatusProcessing && ev.ClaimedAt != nil && ev.ClaimedAt.Before(olderThan) {
			ev.Status = model.OutboxStatusPending
			ev.ClaimedBy = nil
			ev.ClaimedAt = nil
			released++
		}
	}
	return released, nil
}

func (s *memStore) get(id string) model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string][]error
	delay time.Duration
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{errs: make(map[string][]error)}
}

func (p *fakePublisher) failNext(id string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[id] = append(p.errs[id], errs...)
}

func (p *fakePublisher) Publish(ctx context.Context, event *model.OutboxEvent) error {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, event.ID)
	if queue := p.errs[event.ID]; len(queue) > 0 {
		err := queue[0]
		p.errs[event.ID] = queue[1:]
		return err
	}
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func testOutboxConfig() *config.OutboxConfig {
	return &config.OutboxConfig{
		PollIntervalMs:   10,
		BatchSize:        100,
		Workers:          2,
		MaxAttempts:      3,
		BackoffBaseMs:    1,
		BackoffCapMs:     10,
		PublishTimeoutMs: 1000,
	}
}

func newEvent(id, aggregateID string, createdAt time.Time, attempts int) *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:           id,
		AggregateID:  aggregateID,
		EventType:    model.EventTypeRankingCreated,
		Payload:      `{"dish_id":"` + aggregateID + `"}`,
		Status:       model.OutboxStatusPending,
		AttemptCount: attempts,
		VisibleAt:    createdAt,
		CreatedAt:    createdAt,
	}
}

func TestProcessBatchPublishesAndMarksProcessed(t *testing.T) {
	base := time.Now().Add(-time.Second)
	store := newMemStore(
		newEvent("e1", "dish-1", base, 0),
		newEvent("e2", "dish-2", base.Add(time.Millisecond), 0),
	)
	pub := newFakePublisher()
	p := NewOutboxProcessorWith(store, pub, testOutboxConfig())

	claimed := p.processBatch(context.Background())

	require.Equal(t, 2, claimed)
	require.ElementsMatch(t, []string{"e1", "e2"}, pub.published())
	require.Equal(t, model.OutboxStatusProcessed, store.get("e1").Status)
	require.Equal(t, model.OutboxStatusProcessed, store.get("e2").Status)
	// 成功不计入尝试次数
	require.Equal(t, 0, store.get("e1").AttemptCount)
	require.NotNil(t, store.get("e1").ProcessedAt)
}

func TestProcessBatchTransientFailureSchedulesRetry(t *testing.T) {
	base := time.Now().Add(-time.Second)
	store := newMemStore(newEvent("e1", "dish-1", base, 0))
	pub := newFakePublisher()
	pub.failNext("e1", errors.New("broker unavailable"))
	p := NewOutboxProcessorWith(store, pub, testOutboxConfig())

	before := time.Now()
	p.processBatch(context.Background())

	ev := store.get("e1")
	require.Equal(t, model.OutboxStatusFailed, ev.Status)
	require.Equal(t, 1, ev.AttemptCount)
	require.Contains(t, ev.LastError, "broker unavailable")
	// 退避门禁必须向后推
	require.True(t, ev.VisibleAt.After(before))
	require.Nil(t, ev.ClaimedBy)
}

func TestProcessBatchDeadLetterAfterMaxAttempts(t *testing.T) {
	base := time.Now().Add(-time.Second)
	store := newMemStore(newEvent("e1", "dish-1", base, 2)) // 已失败两次
	pub := newFakePublisher()
	pub.failNext("e1", errors.New("broker unavailable"))
	p := NewOutboxProcessorWith(store, pub, testOutboxConfig())

	p.processBatch(context.Background())

	ev := store.get("e1")
	require.Equal(t, model.OutboxStatusDeadLetter, ev.Status)
	require.Equal(t, 3, ev.AttemptCount)

	// 死信是终态，后续轮次不得再认领
	claimed := p.processBatch(context.Background())
	require.Equal(t, 0, claimed)
	require.Len(t, pub.published(), 1)
}

func TestProcessBatchPermanentErrorDeadLettersImmediately(t *testing.T) {
	base := time.Now().Add(-time.Second)
	store := newMemStore(newEvent("e1", "dish-1", base, 0))
	pub := newFakePublisher()
	pub.failNext("e1", fmt.Errorf("前缀未配置: %w", mq.ErrUnknownDestination))
	p := NewOutboxProcessorWith(store, pub, testOutboxConfig())

	p.processBatch(context.Background())

	ev := store.get("e1")
	require.Equal(t, model.OutboxStatusDeadLetter, ev.Status)
	require.Equal(t, 1, ev.AttemptCount)
}

func TestProcessBatchPreservesAggregateOrder(t *testing.T) {
	base := time.Now().Add(-time.Second)
	store := newMemStore(
		newEvent("a1", "dish-1", base, 0),
		newEvent("a2", "dish-1", base.Add(time.Millisecond), 0),
		newEvent("a3", "dish-1", base.Add(2*time.Millisecond), 0),
		newEvent("b1", "dish-2", base, 0),
	)
	pub := newFakePublisher()
	pub.failNext("a1", errors.New("broker unavailable"))
	cfg := testOutboxConfig()
	cfg.BackoffBaseMs = 60_000 // 让 a1 的退避门禁在测试期间不过期
	p := NewOutboxProcessorWith(store, pub, cfg)

	p.processBatch(context.Background())

	// a1 失败后，同聚合的 a2/a3 被整体放回，绝不抢先发布
	require.ElementsMatch(t, []string{"a1", "b1"}, pub.published())
	require.Equal(t, model.OutboxStatusFailed, store.get("a1").Status)
	require.Equal(t, model.OutboxStatusPending, store.get("a2").Status)
	require.Equal(t, model.OutboxStatusPending, store.get("a3").Status)
	require.Equal(t, 0, store.get("a2").AttemptCount)
	require.Equal(t, model.OutboxStatusProcessed, store.get("b1").Status)

	// a1 仍在退避期：a2/a3 虽然可见，也必须被先序事件阻塞
	claimed := p.processBatch(context.Background())
	require.Equal(t, 0, claimed)
}

func TestProcessBatchPublishTimeout(t *testing.T) {
	base := time.Now().Add(-time.Second)
	store := newMemStore(newEvent("e1", "dish-1", base, 0))
	pub := newFakePublisher()
	pub.delay = 200 * time.Millisecond
	cfg := testOutboxConfig()
	cfg.PublishTimeoutMs = 20
	p := NewOutboxProcessorWith(store, pub, cfg)

	p.processBatch(context.Background())

	// 超时按发布失败处理，走重试路径
	ev := store.get("e1")
	require.Equal(t, model.OutboxStatusFailed, ev.Status)
	require.Equal(t, 1, ev.AttemptCount)
	require.Contains(t, ev.LastError, "deadline")
}

func TestProcessBatchRetryUntilSuccess(t *testing.T) {
	// 两次瞬时失败后第三次成功，不应死信
	base := time.Now().Add(-time.Second)
	store := newMemStore(newEvent("e1", "dish-42", base, 0))
	pub := newFakePublisher()
	pub.failNext("e1", errors.New("broker unavailable"), errors.New("broker unavailable"))
	p := NewOutboxProcessorWith(store, pub, testOutboxConfig())

	deadline := time.Now().Add(3 * time.Second)
	for store.get("e1").Status != model.OutboxStatusProcessed {
		require.True(t, time.Now().Before(deadline), "事件未在期限内完成投递")
		p.processBatch(context.Background())
		time.Sleep(5 * time.Millisecond) // 等退避门禁过期
	}

	ev := store.get("e1")
	require.Equal(t, model.OutboxStatusProcessed, ev.Status)
	require.Equal(t, 2, ev.AttemptCount)
	require.Len(t, pub.published(), 3)
}

func TestReaperRecoversCrashedClaim(t *testing.T) {
	// 处理器在认领后崩溃：事件带着租约滞留在 PROCESSING，
	// 回收任务放回 PENDING 后，其他实例用新令牌重新认领并完成投递，
	// 原持有者的令牌从此失效
	base := time.Now().Add(-2 * time.Minute)
	store := newMemStore(newEvent("e1", "dish-1", base, 0))

	// 令牌 A 在两分钟前认领，之后再无动作（模拟崩溃）
	claimedAt := time.Now().Add(-2 * time.Minute)
	claimed, err := store.ClaimBatch(context.Background(), 10, "token-a", claimedAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reaper := NewClaimReaperWith(store, testOutboxConfig()) // 默认租约存活 60 秒
	reaper.releaseStaleClaims(context.Background())
	require.Equal(t, model.OutboxStatusPending, store.get("e1").Status)
	require.Nil(t, store.get("e1").ClaimedBy)

	// 回收后的事件可被新令牌认领
	reclaimed, err := store.ClaimBatch(context.Background(), 10, "token-b", time.Now())
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	// 原持有者苏醒后的落盘被令牌守卫挡住，不会覆盖新持有者的状态
	err = store.MarkProcessed(context.Background(), "e1", "token-a", time.Now())
	require.ErrorIs(t, err, repository.ErrClaimLost)

	require.NoError(t, store.MarkProcessed(context.Background(), "e1", "token-b", time.Now()))
	require.Equal(t, model.OutboxStatusProcessed, store.get("e1").Status)
}

func TestConcurrentProcessorsNeverDoubleClaim(t *testing.T) {
	base := time.Now().Add(-time.Second)
	events := make([]*model.OutboxEvent, 0, 50)
	for i := 0; i < 50; i++ {
		events = append(events, newEvent(
			fmt.Sprintf("e%02d", i),
			fmt.Sprintf("dish-%02d", i),
			base.Add(time.Duration(i)*time.Millisecond),
			0,
		))
	}
	store := newMemStore(events...)
	pub := newFakePublisher()

	// 多个处理器实例只通过存储的条件认领协调
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := NewOutboxProcessorWith(store, pub, testOutboxConfig())
			for {
				if p.processBatch(context.Background()) == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	// 每条事件恰好被发布一次：认领互斥排除了双重投递
	published := pub.published()
	require.Len(t, published, 50)
	seen := make(map[string]int)
	for _, id := range published {
		seen[id]++
	}
	for id, count := range seen {
		require.Equal(t, 1, count, "事件 %s 被重复发布", id)
	}
	for _, ev := range events {
		require.Equal(t, model.OutboxStatusProcessed, store.get(ev.ID).Status)
	}
}
