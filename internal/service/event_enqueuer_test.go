package service

import (
	"context"
	"errors"
	"testing"

	"bellyfed/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeAppender struct {
	appended []*model.OutboxEvent
	err      error
}

func (f *fakeAppender) Append(_ context.Context, _ *gorm.DB, event *model.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, event)
	return nil
}

func TestEnqueueBuildsEvent(t *testing.T) {
	appender := &fakeAppender{}
	enqueuer := &EventEnqueuer{outbox: appender}

	id, err := enqueuer.Enqueue(context.Background(), nil, model.EventTypeRankingCreated, "dish-42", `{"position":1}`)
	require.NoError(t, err)
	require.Len(t, appender.appended, 1)

	event := appender.appended[0]
	require.Equal(t, id, event.ID)
	_, parseErr := uuid.Parse(event.ID)
	require.NoError(t, parseErr)
	require.Equal(t, model.EventTypeRankingCreated, event.EventType)
	require.Equal(t, "dish-42", event.AggregateID)
	require.Equal(t, `{"position":1}`, event.Payload)
}

func TestEnqueueValidation(t *testing.T) {
	enqueuer := &EventEnqueuer{outbox: &fakeAppender{}}
	ctx := context.Background()

	_, err := enqueuer.Enqueue(ctx, nil, "", "dish-42", `{}`)
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = enqueuer.Enqueue(ctx, nil, model.EventTypeRankingCreated, "", `{}`)
	require.ErrorIs(t, err, ErrAggregateIDRequired)

	_, err = enqueuer.Enqueue(ctx, nil, model.EventTypeRankingCreated, "dish-42", "")
	require.ErrorIs(t, err, ErrPayloadRequired)
}

func TestEnqueuePropagatesAppendError(t *testing.T) {
	// 入队失败必须原样抛出，让调用方中止整个事务
	appendErr := errors.New("serialization failure")
	enqueuer := &EventEnqueuer{outbox: &fakeAppender{err: appendErr}}

	id, err := enqueuer.Enqueue(context.Background(), nil, model.EventTypeRankingCreated, "dish-42", `{}`)
	require.ErrorIs(t, err, appendErr)
	require.Empty(t, id)
}
