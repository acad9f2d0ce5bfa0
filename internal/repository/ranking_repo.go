package repository

import (
	"context"
	"errors"

	"bellyfed/internal/model"

	"gorm.io/gorm"
)

var (
	ErrRankingNotFound  = errors.New("排名记录不存在")
	ErrDuplicateRequest = errors.New("重复请求")
)

type RankingRepository struct {
	db *gorm.DB
}

func NewRankingRepository(db *gorm.DB) *RankingRepository {
	return &RankingRepository{db: db}
}

func (r *RankingRepository) Create(ctx context.Context, tx *gorm.DB, ranking *model.Ranking) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(ranking).Error
}

func (r *RankingRepository) GetByRankingNo(ctx context.Context, rankingNo string) (*model.Ranking, error) {
	var ranking model.Ranking
	err := r.db.WithContext(ctx).Where("ranking_no = ?", rankingNo).First(&ranking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRankingNotFound
		}
		return nil, err
	}
	return &ranking, nil
}

func (r *RankingRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Ranking, error) {
	var ranking model.Ranking
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&ranking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ranking, nil
}

func (r *RankingRepository) UpdatePosition(ctx context.Context, tx *gorm.DB, rankingNo string, position int, notes string) error {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).
		Model(&model.Ranking{}).
		Where("ranking_no = ?", rankingNo).
		Updates(map[string]interface{}{
			"position": position,
			"notes":    notes,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRankingNotFound
	}
	return nil
}

func (r *RankingRepository) ListByDish(ctx context.Context, dishID string, limit int) ([]*model.Ranking, error) {
	var rankings []*model.Ranking
	err := r.db.WithContext(ctx).
		Where("dish_id = ?", dishID).
		Order("position ASC, created_at ASC").
		Limit(limit).
		Find(&rankings).Error
	return rankings, err
}
