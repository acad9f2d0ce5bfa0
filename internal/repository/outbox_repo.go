package repository

import (
	"context"
	"errors"
	"time"

	"bellyfed/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrClaimLost 条件更新未命中：租约已被回收或事件状态已被他人改写
	ErrClaimLost = errors.New("发件箱事件租约已失效")
)

const maxLastErrorLen = 1024

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Append 在调用方事务内插入一条待投递事件
// 只参与调用方的事务，从不自行提交；事务回滚时事件随之消失，
// 这正是"业务写入与事件发出原子生效"的全部含义
func (r *OutboxRepository) Append(ctx context.Context, tx *gorm.DB, event *model.OutboxEvent) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	event.Status = model.OutboxStatusPending
	event.AttemptCount = 0
	if event.VisibleAt.IsZero() {
		event.VisibleAt = now
	}
	return tx.WithContext(ctx).Create(event).Error
}

// 可认领行：PENDING，或退避期已过的 FAILED
// SKIP LOCKED 保证并发认领者互不阻塞且绝不拿到同一行
const selectEligibleSQL = `
SELECT * FROM outbox_event
WHERE status IN ('PENDING', 'FAILED') AND visible_at <= ?
ORDER BY created_at ASC, id ASC
LIMIT ?
FOR UPDATE SKIP LOCKED`

// 未完结行（用于聚合内顺序校验）：凡是还没走到终态的事件都会阻塞同聚合的后续事件
const selectUnfinishedSQL = `
SELECT aggregate_id, created_at, id FROM outbox_event
WHERE aggregate_id IN ? AND status IN ('PENDING', 'PROCESSING', 'FAILED')
ORDER BY aggregate_id ASC, created_at ASC, id ASC`

type unfinishedRow struct {
	AggregateID string    `gorm:"column:aggregate_id"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	ID          string    `gorm:"column:id"`
}

// ClaimBatch 原子认领一批可投递事件
//
// 整个认领在单个数据库事务内完成：
//  1. SKIP LOCKED 锁定最多 limit 条可认领行（最老优先）
//  2. 校验每个聚合的候选行是否构成该聚合未完结事件的前缀，
//     否则丢弃——先序事件被退避门禁挡住、或正被其他实例持有时，
//     绝不允许后序事件先行投递
//  3. 对保留行条件更新为 PROCESSING 并记录租约令牌
//
// 两个并发认领者永远不会拿到同一行；输掉竞争的一方只是拿到更少的行
func (r *OutboxRepository) ClaimBatch(ctx context.Context, limit int, claimToken string, now time.Time) ([]*model.OutboxEvent, error) {
	var claimed []*model.OutboxEvent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*model.OutboxEvent
		if err := tx.Raw(selectEligibleSQL, now, limit).Scan(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		aggregateIDs := make([]string, 0, len(candidates))
		seen := make(map[string]struct{}, len(candidates))
		for _, c := range candidates {
			if _, ok := seen[c.AggregateID]; ok {
				continue
			}
			seen[c.AggregateID] = struct{}{}
			aggregateIDs = append(aggregateIDs, c.AggregateID)
		}

		var unfinished []unfinishedRow
		if err := tx.Raw(selectUnfinishedSQL, aggregateIDs).Scan(&unfinished).Error; err != nil {
			return err
		}

		keep := claimablePrefix(candidates, unfinished)
		if len(keep) == 0 {
			return nil
		}

		ids := make([]string, len(keep))
		for i, ev := range keep {
			ids[i] = ev.ID
		}

		res := tx.Model(&model.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     model.OutboxStatusProcessing,
				"claimed_by": claimToken,
				"claimed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}

		for _, ev := range keep {
			ev.Status = model.OutboxStatusProcessing
			token := claimToken
			at := now
			ev.ClaimedBy = &token
			ev.ClaimedAt = &at
		}
		claimed = keep
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimablePrefix 过滤候选行：每个聚合只保留"从该聚合最老的未完结事件起、
// 连续命中候选集"的前缀
//
// 候选集因 SKIP LOCKED 或 limit 截断而缺失某条先序事件时，同聚合更晚的
// 候选行全部放弃（锁会随事务提交释放，行保持原状态，下轮再试）
func claimablePrefix(candidates []*model.OutboxEvent, unfinished []unfinishedRow) []*model.OutboxEvent {
	candidateByID := make(map[string]*model.OutboxEvent, len(candidates))
	for _, c := range candidates {
		candidateByID[c.ID] = c
	}

	// unfinished 已按 aggregate_id, created_at, id 排序
	unfinishedByAgg := make(map[string][]string)
	for _, row := range unfinished {
		unfinishedByAgg[row.AggregateID] = append(unfinishedByAgg[row.AggregateID], row.ID)
	}

	keepSet := make(map[string]struct{})
	for _, ids := range unfinishedByAgg {
		for _, id := range ids {
			if _, ok := candidateByID[id]; !ok {
				break // 前缀断裂，该聚合到此为止
			}
			keepSet[id] = struct{}{}
		}
	}

	// 保持认领时的全局顺序（最老优先）
	keep := make([]*model.OutboxEvent, 0, len(keepSet))
	for _, c := range candidates {
		if _, ok := keepSet[c.ID]; ok {
			keep = append(keep, c)
		}
	}
	return keep
}

// MarkProcessed 发布成功，进入终态
// 以 claimed_by 匹配作为守卫：崩溃后被回收再认领的行，原持有者无法二次改写
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string, claimToken string, now time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND claimed_by = ? AND status = ?", id, claimToken, model.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.OutboxStatusProcessed,
			"processed_at": now,
			"claimed_by":   nil,
			"claimed_at":   nil,
			"last_error":   "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed 发布失败，记一次尝试并设置退避门禁
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, claimToken string, nextVisibleAt time.Time, lastErr string) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND claimed_by = ? AND status = ?", id, claimToken, model.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.OutboxStatusFailed,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"visible_at":    nextVisibleAt,
			"last_error":    truncateError(lastErr),
			"claimed_by":    nil,
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkDeadLetter 死信终态：永久错误或重试超限，不再自动重试
func (r *OutboxRepository) MarkDeadLetter(ctx context.Context, id string, claimToken string, lastErr string) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND claimed_by = ? AND status = ?", id, claimToken, model.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			"status":        model.OutboxStatusDeadLetter,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    truncateError(lastErr),
			"claimed_by":    nil,
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseClaim 把"已认领但因同聚合先序事件失败而跳过"的行放回 PENDING
// 该行没有经历发布尝试，attempt_count 保持不变
func (r *OutboxRepository) ReleaseClaim(ctx context.Context, id string, claimToken string) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND claimed_by = ? AND status = ?", id, claimToken, model.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusPending,
			"claimed_by": nil,
			"claimed_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseStaleClaims 回收僵尸租约：处理器崩溃后卡在 PROCESSING 的行
// 超过存活阈值即放回 PENDING，任意实例周期性执行，幂等
func (r *OutboxRepository) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ? AND claimed_at < ?", model.OutboxStatusProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusPending,
			"claimed_by": nil,
			"claimed_at": nil,
		})
	return res.RowsAffected, res.Error
}

// OutboxStats 运维观测指标：处理器静默卡死时唯一的告警信号源
type OutboxStats struct {
	PendingCount            int64 `json:"pending_count"`
	ProcessingCount         int64 `json:"processing_count"`
	DeadLetterCount         int64 `json:"dead_letter_count"`
	OldestPendingAgeSeconds int64 `json:"oldest_pending_age_seconds"`
}

// Stats 统计待投递/处理中/死信数量与最老待投递事件的滞留时长
func (r *OutboxRepository) Stats(ctx context.Context, now time.Time) (*OutboxStats, error) {
	stats := &OutboxStats{}

	err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status IN ?", []string{model.OutboxStatusPending, model.OutboxStatusFailed}).
		Count(&stats.PendingCount).Error
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxStatusProcessing).
		Count(&stats.ProcessingCount).Error
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxStatusDeadLetter).
		Count(&stats.DeadLetterCount).Error
	if err != nil {
		return nil, err
	}

	var oldest struct {
		CreatedAt *time.Time
	}
	err = r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Select("MIN(created_at) AS created_at").
		Where("status IN ?", []string{model.OutboxStatusPending, model.OutboxStatusFailed, model.OutboxStatusProcessing}).
		Scan(&oldest).Error
	if err != nil {
		return nil, err
	}
	if oldest.CreatedAt != nil {
		age := now.Sub(*oldest.CreatedAt)
		if age > 0 {
			stats.OldestPendingAgeSeconds = int64(age.Seconds())
		}
	}

	return stats, nil
}

// DeleteProcessedBefore 按保留窗口清理已处理事件，分批删避免大事务
func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", model.OutboxStatusProcessed, before).
		Limit(limit).
		Delete(&model.OutboxEvent{})
	return res.RowsAffected, res.Error
}

func truncateError(msg string) string {
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= maxLastErrorLen {
		return msg
	}
	return string(runes[:maxLastErrorLen])
}
