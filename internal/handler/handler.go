package handler

import (
	"errors"
	"strconv"

	"bonusledger/internal/config"
	"bonusledger/internal/repository"
	"bonusledger/internal/service"
	"bonusledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	bonusService     *service.BonusService
	levelService     *service.LevelService
	lifecycleService *service.OrderLifecycleService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	notifier := service.Notifier(service.NewOutboxNotifier(db, cfg))
	levelService := service.NewLevelService(db, cfg, notifier)
	bonusService := service.NewBonusService(db, rdb, cfg, notifier, levelService)
	return &Handler{
		bonusService:     bonusService,
		levelService:     levelService,
		lifecycleService: service.NewOrderLifecycleService(db, bonusService),
	}
}

// writeError 业务错误到响应码的映射
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, service.ErrLockTimeout):
		response.BusinessError(c, response.CodeLockTimeout, "操作冲突，请稍后重试")
	case errors.Is(err, service.ErrBonusDisabled):
		response.BusinessError(c, response.CodeBonusDisabled, err.Error())
	case errors.Is(err, repository.ErrUserNotFound):
		response.BusinessError(c, response.CodeUserNotFound, err.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		response.BusinessError(c, response.CodeOrderStatusInvalid, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 积分查询接口
// ============================================================

// GetBalance 查询用户积分余额概览
// GET /api/v1/bonus/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	summary, err := h.bonusService.BalanceSummary(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, summary)
}

// GetHistory 分页查询积分明细
// GET /api/v1/bonus/history?user_id=xxx&page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.bonusService.History(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetLevels 查询用户等级概览
// GET /api/v1/bonus/levels?user_id=xxx
func (h *Handler) GetLevels(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	summary, err := h.levelService.LevelsSummary(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, summary)
}

// ============================================================
// 积分抵扣接口
// ============================================================

// SpendRequest 下单抵扣请求（订单模块在下单时调用）
type SpendRequest struct {
	OrderID int64 `json:"order_id" binding:"required"`
}

// Spend 按订单的 bonus_spent 扣减积分
// POST /api/v1/bonus/spend
//
// 重复调用幂等：已抵扣过的订单原样返回已记录的抵扣额
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	spent, err := h.bonusService.Spend(c.Request.Context(), req.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"order_id": req.OrderID, "spent": spent})
}

// ============================================================
// 人工调整接口
// ============================================================

// AdjustRequest 人工调整请求
type AdjustRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	Delta       int64  `json:"delta" binding:"required"` // 正数发放，负数扣减
	Description string `json:"description" binding:"required"`
	AdminID     int64  `json:"admin_id" binding:"required"`
}

// Adjust 管理员手工调整积分
// POST /api/v1/bonus/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	entry, err := h.bonusService.Adjust(c.Request.Context(), req.UserID, req.Delta, req.Description, req.AdminID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, entry)
}

// ============================================================
// 订单生命周期挂钩
// ============================================================

// OrderStatusRequest 订单状态流转请求（订单模块调用）
type OrderStatusRequest struct {
	OrderID int64  `json:"order_id" binding:"required"`
	Status  string `json:"status" binding:"required"`
}

// OrderStatusChange 订单状态流转
// POST /api/v1/order/status
//
// 【关键点】积分挂钩在这里触发：
// 完成 -> 发放 + 抵扣生效；回退 -> 收回发放；取消 -> 全量回滚。
// 锁冲突在服务内重试 3 次，仍失败则把冲突返回给调用方
func (h *Handler) OrderStatusChange(c *gin.Context) {
	var req OrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.lifecycleService.HandleStatusChange(c.Request.Context(), req.OrderID, req.Status); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"order_id": req.OrderID, "status": req.Status})
}
