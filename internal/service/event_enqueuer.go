package service

import (
	"context"
	"errors"

	"bellyfed/internal/model"
	"bellyfed/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrEventTypeRequired   = errors.New("事件类型不能为空")
	ErrAggregateIDRequired = errors.New("聚合 ID 不能为空")
	ErrPayloadRequired     = errors.New("事件体不能为空")
)

type outboxAppender interface {
	Append(ctx context.Context, tx *gorm.DB, event *model.OutboxEvent) error
}

// EventEnqueuer 事务性入队器
// 给任何业务操作提供一行代码的"这件事发生了"的发出方式，且不破坏原子性
//
// 必须传入业务写入所用的同一个事务句柄：事务回滚时事件不存在，
// 这是用发件箱替代"提交后直接发消息"的全部理由
type EventEnqueuer struct {
	outbox outboxAppender
}

func NewEventEnqueuer(db *gorm.DB) *EventEnqueuer {
	return &EventEnqueuer{outbox: repository.NewOutboxRepository(db)}
}

// Enqueue 在调用方事务内追加一条待投递事件，返回事件 ID
//
// 任何失败都原样抛给调用方，由调用方中止整个事务——
// 业务状态落库而事件丢失是这里必须从结构上杜绝的错误
func (e *EventEnqueuer) Enqueue(ctx context.Context, tx *gorm.DB, eventType, aggregateID, payload string) (string, error) {
	if eventType == "" {
		return "", ErrEventTypeRequired
	}
	if aggregateID == "" {
		return "", ErrAggregateIDRequired
	}
	if payload == "" {
		return "", ErrPayloadRequired
	}

	event := &model.OutboxEvent{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
	}
	if err := e.outbox.Append(ctx, tx, event); err != nil {
		return "", err
	}
	return event.ID, nil
}
