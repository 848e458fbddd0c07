package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"societybilling/models"
	"societybilling/services"
	"societybilling/utils"
)

// Pinger проверяет доступность хранилища
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsController служебные маршруты: здоровье, метрики и ручной запуск задач
type OpsController struct {
	runner *services.BatchRunner
	db     Pinger
	loc    *time.Location
}

// NewOpsController создает новый экземпляр OpsController
func NewOpsController(runner *services.BatchRunner, db Pinger, loc *time.Location) *OpsController {
	return &OpsController{runner: runner, db: db, loc: loc}
}

// Register регистрирует маршруты контроллера
func (c *OpsController) Register(r gin.IRouter) {
	r.GET("/healthz", c.Health)
	r.GET("/metrics", c.Metrics)
	r.POST("/jobs/generate", c.TriggerGeneration)
	r.POST("/jobs/evaluate", c.TriggerEvaluation)
}

// Health проверяет доступность базы данных
func (c *OpsController) Health(ctx *gin.Context) {
	pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := c.db.Ping(pingCtx); err != nil {
		utils.LogError("Проверка здоровья не пройдена: %v", err)
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics возвращает снимок метрик процесса
func (c *OpsController) Metrics(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, utils.GetMetrics().GetMetricsSnapshot())
}

// TriggerGeneration запускает генерацию счетов за период; по умолчанию текущий месяц
func (c *OpsController) TriggerGeneration(ctx *gin.Context) {
	period := models.NewBillingPeriod(time.Now().In(c.loc))
	if ctx.Query("year") != "" || ctx.Query("month") != "" {
		year, errYear := strconv.Atoi(ctx.Query("year"))
		month, errMonth := strconv.Atoi(ctx.Query("month"))
		if errYear != nil || errMonth != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "year and month must be integers"})
			return
		}
		period = models.BillingPeriod{Year: year, Month: month}
	}

	report, err := c.runner.RunMonthlyGeneration(ctx.Request.Context(), period)
	if err != nil {
		c.jobError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

// TriggerEvaluation запускает пересчет задолженности на дату asOf
func (c *OpsController) TriggerEvaluation(ctx *gin.Context) {
	asOf, err := utils.ParseDate(ctx.Query("asOf"), time.Now().In(c.loc))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := c.runner.RunArrearsEvaluation(ctx.Request.Context(), asOf)
	if err != nil {
		c.jobError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (c *OpsController) jobError(ctx *gin.Context, err error) {
	var valErr *services.ValidationError
	switch {
	case errors.As(err, &valErr):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrJobRunning):
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = ctx.Error(err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
