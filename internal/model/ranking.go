package model

import (
	"time"
)

// 事件类型遵循 <领域>_<动作> 约定，前缀决定路由到哪条总线
const (
	EventTypeRankingCreated = "RANKING_CREATED"
	EventTypeRankingUpdated = "RANKING_UPDATED"
)

// Ranking 用户对某道菜的排名记录
// 业务表本身不属于投递链路的核心，它的作用是给事务性入队提供真实调用方
type Ranking struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RankingNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"ranking_no"`
	RequestID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	UserID       int64     `gorm:"index;not null" json:"user_id"`
	RestaurantID string    `gorm:"type:varchar(64);index;not null" json:"restaurant_id"`
	DishID       string    `gorm:"type:varchar(64);index;not null" json:"dish_id"`
	Position     int       `gorm:"not null" json:"position"`
	Notes        string    `gorm:"type:varchar(512)" json:"notes"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Ranking) TableName() string {
	return "ranking"
}
