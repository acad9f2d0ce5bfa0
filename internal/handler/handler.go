package handler

import (
	"errors"
	"strconv"
	"time"

	"bellyfed/internal/config"
	"bellyfed/internal/repository"
	"bellyfed/internal/service"
	"bellyfed/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	rankingService *service.RankingService
	outboxRepo     *repository.OutboxRepository
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		rankingService: service.NewRankingService(db, rdb, cfg),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

// ============================================================
// 排名相关接口
// ============================================================

// CreateRanking 创建排名
// POST /api/v1/ranking/create
func (h *Handler) CreateRanking(c *gin.Context) {
	var req service.CreateRankingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.rankingService.CreateRanking(c.Request.Context(), &req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, resp)
}

// UpdateRanking 调整排名
// POST /api/v1/ranking/update
func (h *Handler) UpdateRanking(c *gin.Context) {
	var req service.UpdateRankingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.rankingService.UpdateRanking(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, repository.ErrRankingNotFound) {
			response.BusinessError(c, response.CodeRankingNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, resp)
}

// GetRanking 查询排名详情
// GET /api/v1/ranking/detail?ranking_no=xxx
func (h *Handler) GetRanking(c *gin.Context) {
	rankingNo := c.Query("ranking_no")
	if rankingNo == "" {
		response.ParamError(c, "ranking_no 参数错误")
		return
	}

	ranking, err := h.rankingService.GetRanking(c.Request.Context(), rankingNo)
	if err != nil {
		if errors.Is(err, repository.ErrRankingNotFound) {
			response.BusinessError(c, response.CodeRankingNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, ranking)
}

// ListDishRankings 查询某道菜的排名列表
// GET /api/v1/ranking/list?dish_id=xxx&limit=20
func (h *Handler) ListDishRankings(c *gin.Context) {
	dishID := c.Query("dish_id")
	if dishID == "" {
		response.ParamError(c, "dish_id 参数错误")
		return
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rankings, err := h.rankingService.ListDishRankings(c.Request.Context(), dishID, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"dish_id":  dishID,
		"rankings": rankings,
	})
}

// ============================================================
// 运维观测接口
// ============================================================

// OutboxStats 发件箱运行指标
// GET /api/v1/outbox/stats
//
// 投递链路卡死对终端用户是静默的，告警只能依赖这里的
// pending_count / dead_letter_count / oldest_pending_age_seconds
func (h *Handler) OutboxStats(c *gin.Context) {
	stats, err := h.outboxRepo.Stats(c.Request.Context(), time.Now())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}
