package handler

import (
	"bonusledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, cfg)

	api := r.Group("/api/v1")
	{
		bonus := api.Group("/bonus")
		{
			bonus.GET("/balance", h.GetBalance)
			bonus.GET("/history", h.GetHistory)
			bonus.GET("/levels", h.GetLevels)
			bonus.POST("/spend", h.Spend)
			bonus.POST("/adjust", h.Adjust)
		}

		order := api.Group("/order")
		{
			order.POST("/status", h.OrderStatusChange)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
