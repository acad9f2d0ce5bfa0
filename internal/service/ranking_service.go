package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/infrastructure/lock"
	"bellyfed/internal/model"
	"bellyfed/internal/repository"
	"bellyfed/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type RankingService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	rankingRepo *repository.RankingRepository
	enqueuer    *EventEnqueuer
}

func NewRankingService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *RankingService {
	return &RankingService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		rankingRepo: repository.NewRankingRepository(db),
		enqueuer:    NewEventEnqueuer(db),
	}
}

type CreateRankingRequest struct {
	RequestID    string `json:"request_id" binding:"required"`
	UserID       int64  `json:"user_id" binding:"required"`
	RestaurantID string `json:"restaurant_id" binding:"required"`
	DishID       string `json:"dish_id" binding:"required"`
	Position     int    `json:"position" binding:"required,gt=0"`
	Notes        string `json:"notes"`
}

type RankingResponse struct {
	RankingNo string `json:"ranking_no"`
	DishID    string `json:"dish_id"`
	Position  int    `json:"position"`
	EventID   string `json:"event_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RankingEventPayload 排名事件体
// 对投递链路而言它只是一段不透明文本，结构只有生产方和消费方关心
type RankingEventPayload struct {
	RankingNo    string    `json:"ranking_no"`
	UserID       int64     `json:"user_id"`
	RestaurantID string    `json:"restaurant_id"`
	DishID       string    `json:"dish_id"`
	Position     int       `json:"position"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CreateRanking 创建排名
//
// 业务写入与发件箱事件在同一个事务里落库：排名存在则事件必然存在，
// 事务回滚则两者都不存在——对外的可见性完全交给后台处理器异步投递
func (s *RankingService) CreateRanking(ctx context.Context, req *CreateRankingRequest) (*RankingResponse, error) {
	// 幂等校验
	existing, err := s.rankingRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询排名记录失败: %w", err)
	}
	if existing != nil {
		return &RankingResponse{
			RankingNo: existing.RankingNo,
			DishID:    existing.DishID,
			Position:  existing.Position,
			Message:   "排名已存在",
		}, nil
	}

	// 按用户维度加锁，挡住同一用户的并发重复提交
	rankingLock := lock.NewRankingLock(s.redisClient, req.UserID, req.RequestID)
	if err := rankingLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer rankingLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.rankingRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询排名记录失败: %w", err)
	}
	if existing != nil {
		return &RankingResponse{
			RankingNo: existing.RankingNo,
			DishID:    existing.DishID,
			Position:  existing.Position,
			Message:   "排名已存在",
		}, nil
	}

	ranking := &model.Ranking{
		RankingNo:    idgen.GenerateRankingNo(),
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		RestaurantID: req.RestaurantID,
		DishID:       req.DishID,
		Position:     req.Position,
		Notes:        req.Notes,
	}

	var eventID string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.rankingRepo.Create(ctx, tx, ranking); err != nil {
			return fmt.Errorf("创建排名失败: %w", err)
		}

		payload, err := s.buildPayload(ranking)
		if err != nil {
			return err
		}

		// 入队失败必须让整个事务失败，绝不允许排名落库而事件丢失
		eventID, err = s.enqueuer.Enqueue(ctx, tx, model.EventTypeRankingCreated, ranking.DishID, payload)
		if err != nil {
			return fmt.Errorf("写入发件箱失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &RankingResponse{
		RankingNo: ranking.RankingNo,
		DishID:    ranking.DishID,
		Position:  ranking.Position,
		EventID:   eventID,
	}, nil
}

type UpdateRankingRequest struct {
	RankingNo string `json:"ranking_no" binding:"required"`
	Position  int    `json:"position" binding:"required,gt=0"`
	Notes     string `json:"notes"`
}

// UpdateRanking 调整排名位置，同样事务性地发出 RANKING_UPDATED
func (s *RankingService) UpdateRanking(ctx context.Context, req *UpdateRankingRequest) (*RankingResponse, error) {
	ranking, err := s.rankingRepo.GetByRankingNo(ctx, req.RankingNo)
	if err != nil {
		return nil, err
	}

	ranking.Position = req.Position
	ranking.Notes = req.Notes

	var eventID string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.rankingRepo.UpdatePosition(ctx, tx, req.RankingNo, req.Position, req.Notes); err != nil {
			return fmt.Errorf("更新排名失败: %w", err)
		}

		payload, err := s.buildPayload(ranking)
		if err != nil {
			return err
		}

		eventID, err = s.enqueuer.Enqueue(ctx, tx, model.EventTypeRankingUpdated, ranking.DishID, payload)
		if err != nil {
			return fmt.Errorf("写入发件箱失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &RankingResponse{
		RankingNo: ranking.RankingNo,
		DishID:    ranking.DishID,
		Position:  ranking.Position,
		EventID:   eventID,
	}, nil
}

func (s *RankingService) GetRanking(ctx context.Context, rankingNo string) (*model.Ranking, error) {
	return s.rankingRepo.GetByRankingNo(ctx, rankingNo)
}

func (s *RankingService) ListDishRankings(ctx context.Context, dishID string, limit int) ([]*model.Ranking, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.rankingRepo.ListByDish(ctx, dishID, limit)
}

func (s *RankingService) buildPayload(ranking *model.Ranking) (string, error) {
	payload, err := json.Marshal(RankingEventPayload{
		RankingNo:    ranking.RankingNo,
		UserID:       ranking.UserID,
		RestaurantID: ranking.RestaurantID,
		DishID:       ranking.DishID,
		Position:     ranking.Position,
		OccurredAt:   time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("序列化事件体失败: %w", err)
	}
	return string(payload), nil
}
