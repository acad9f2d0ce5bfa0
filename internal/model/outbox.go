package model

import (
	"time"
)

// 发件箱事件状态机：
//
//   PENDING --认领--> PROCESSING --发布成功--> PROCESSED（终态）
//   PROCESSING --发布失败（未超限）--> FAILED（visible_at = now + backoff）
//   FAILED --visible_at 到期--> 重新可认领
//   PROCESSING --发布失败（超过最大次数或永久错误）--> DEAD_LETTER（终态，需告警）
//   PROCESSING --处理器崩溃/租约超时--> PENDING（由 ReleaseStaleClaims 回收）
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusProcessed  = "PROCESSED"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusDeadLetter = "DEAD_LETTER"
)

var ValidOutboxTransitions = map[string][]string{
	OutboxStatusPending:    {OutboxStatusProcessing},
	OutboxStatusProcessing: {OutboxStatusProcessed, OutboxStatusFailed, OutboxStatusDeadLetter, OutboxStatusPending},
	OutboxStatusFailed:     {OutboxStatusProcessing},
}

func CanOutboxTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidOutboxTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// OutboxEvent 发件箱事件：一次业务状态变更的持久化记录
// 与业务写入在同一事务中插入，由后台处理器异步投递到事件总线
//
// 【关键字段】
//   - AggregateID: 事件所属的业务实体，同一实体的事件按 CreatedAt 顺序投递
//   - Payload:     事件体，投递链路从不解析，保持不透明
//   - VisibleAt:   退避门禁，失败事件在此时间之前不会被再次认领
//   - ClaimedBy:   租约令牌，标识当前持有该事件的处理器实例，用于崩溃检测
type OutboxEvent struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	AggregateID  string     `gorm:"type:varchar(64);index:idx_aggregate_created,priority:1;not null" json:"aggregate_id"`
	EventType    string     `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload      string     `gorm:"type:text;not null" json:"payload"`
	Status       string     `gorm:"type:varchar(20);index:idx_status_visible,priority:1;not null;default:PENDING" json:"status"`
	AttemptCount int        `gorm:"not null;default:0" json:"attempt_count"`
	VisibleAt    time.Time  `gorm:"index:idx_status_visible,priority:2;not null" json:"visible_at"`
	ClaimedBy    *string    `gorm:"type:varchar(36)" json:"claimed_by"`
	ClaimedAt    *time.Time `gorm:"index" json:"claimed_at"`
	LastError    string     `gorm:"type:varchar(1024)" json:"last_error"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index:idx_aggregate_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}

// IsTerminal 是否已处于终态（不再参与投递）
func (e *OutboxEvent) IsTerminal() bool {
	return e.Status == OutboxStatusProcessed || e.Status == OutboxStatusDeadLetter
}
