package handler

import (
	"bellyfed/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 排名相关
		ranking := api.Group("/ranking")
		{
			ranking.POST("/create", h.CreateRanking)
			ranking.POST("/update", h.UpdateRanking)
			ranking.GET("/detail", h.GetRanking)
			ranking.GET("/list", h.ListDishRankings)
		}

		// 发件箱运维指标
		outbox := api.Group("/outbox")
		{
			outbox.GET("/stats", h.OutboxStats)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
