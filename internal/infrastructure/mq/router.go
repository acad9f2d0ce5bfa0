package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/model"

	"github.com/IBM/sarama"
)

// Category 事件的逻辑类别，决定投递到哪条物理总线
type Category string

const (
	CategoryDomain    Category = "domain"
	CategoryInfra     Category = "infra"
	CategoryAnalytics Category = "analytics"
)

var (
	// ErrUnknownDestination 事件类型前缀无法路由
	// 这是配置错误而非瞬时故障：重试永远不会成功，应直接死信并告警
	ErrUnknownDestination = errors.New("事件类型无法路由到任何总线")
)

// 内置前缀映射，可被配置中的 kafka.categories 覆盖或追加
var defaultCategoryByPrefix = map[string]Category{
	"RANKING":    CategoryDomain,
	"RESTAURANT": CategoryDomain,
	"DISH":       CategoryDomain,
	"REVIEW":     CategoryDomain,
	"USER":       CategoryDomain,
	"SEARCH":     CategoryInfra,
	"CACHE":      CategoryInfra,
	"SYSTEM":     CategoryInfra,
	"ANALYTICS":  CategoryAnalytics,
	"STATS":      CategoryAnalytics,
}

// EventEnvelope 上总线的消息体
// 事件 ID 随消息下发，下游消费者靠它去重——投递语义是至少一次，不是恰好一次
type EventEnvelope struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	AggregateID string    `json:"aggregate_id"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// SendFunc 底层传输，默认为 Kafka 同步生产者，测试时可替换
type SendFunc func(topic, key, value string) error

// Router 总线路由器：纯无状态的命名约定映射 + 委托传输
type Router struct {
	topics     config.KafkaTopicConfig
	categories map[string]Category
	send       SendFunc
}

func NewRouter(cfg *config.KafkaConfig) *Router {
	return NewRouterWithSend(cfg, SendMessage)
}

func NewRouterWithSend(cfg *config.KafkaConfig, send SendFunc) *Router {
	categories := make(map[string]Category, len(defaultCategoryByPrefix)+len(cfg.Categories))
	for prefix, cat := range defaultCategoryByPrefix {
		categories[prefix] = cat
	}
	for prefix, cat := range cfg.Categories {
		categories[strings.ToUpper(prefix)] = Category(strings.ToLower(cat))
	}
	return &Router{
		topics:     cfg.Topic,
		categories: categories,
		send:       send,
	}
}

// TopicFor 由事件类型前缀（首个下划线之前）解析目标主题
func (r *Router) TopicFor(eventType string) (string, error) {
	prefix, _, found := strings.Cut(eventType, "_")
	if !found || prefix == "" {
		return "", fmt.Errorf("事件类型 %q 不符合 <领域>_<动作> 约定: %w", eventType, ErrUnknownDestination)
	}

	category, ok := r.categories[prefix]
	if !ok {
		return "", fmt.Errorf("事件类型前缀 %q 未配置类别: %w", prefix, ErrUnknownDestination)
	}

	switch category {
	case CategoryDomain:
		return r.topics.Domain, nil
	case CategoryInfra:
		return r.topics.Infra, nil
	case CategoryAnalytics:
		return r.topics.Analytics, nil
	default:
		return "", fmt.Errorf("类别 %q 没有对应的总线: %w", category, ErrUnknownDestination)
	}
}

// Publish 把一条发件箱事件投递到对应总线，受调用方 ctx 的超时约束
//
// 超时按发布失败处理（走重试路径）：消息可能已经发出，也可能没有——
// 至少一次语义下这两种结果都是允许的
func (r *Router) Publish(ctx context.Context, event *model.OutboxEvent) error {
	topic, err := r.TopicFor(event.EventType)
	if err != nil {
		return err
	}

	envelope := EventEnvelope{
		ID:          event.ID,
		EventType:   event.EventType,
		AggregateID: event.AggregateID,
		Payload:     event.Payload,
		CreatedAt:   event.CreatedAt,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("序列化事件消息失败: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.send(topic, event.AggregateID, string(value))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// IsPermanent 判断发布错误是否为永久错误
// 永久错误重试不可能成功，直接死信；其余一律视为瞬时错误走退避重试
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownDestination) ||
		errors.Is(err, sarama.ErrMessageSizeTooLarge) ||
		errors.Is(err, sarama.ErrInvalidTopic) ||
		errors.Is(err, sarama.ErrUnknownTopicOrPartition)
}
