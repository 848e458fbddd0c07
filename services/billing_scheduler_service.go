package services

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"societybilling/models"
	"societybilling/utils"
)

// BillingSchedulerService запускает ежемесячную генерацию счетов и ночной пересчет задолженности
type BillingSchedulerService struct {
	cron               *cron.Cron
	runner             *BatchRunner
	loc                *time.Location
	generationSchedule string
	arrearsSchedule    string
	jobTimeout         time.Duration
}

// NewBillingSchedulerService создает новый экземпляр BillingSchedulerService
func NewBillingSchedulerService(runner *BatchRunner, loc *time.Location, generationSchedule, arrearsSchedule string) *BillingSchedulerService {
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cron.PrintfLogger(zapPrintf{})
	return &BillingSchedulerService{
		cron:               cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		runner:             runner,
		loc:                loc,
		generationSchedule: generationSchedule,
		arrearsSchedule:    arrearsSchedule,
		jobTimeout:         6 * time.Hour,
	}
}

// zapPrintf передает сообщения cron в логгер приложения
type zapPrintf struct{}

func (zapPrintf) Printf(format string, v ...interface{}) {
	utils.LogInfo(format, v...)
}

// Start регистрирует задачи и запускает планировщик
func (s *BillingSchedulerService) Start() error {
	if _, err := s.cron.AddFunc(s.generationSchedule, s.generateCurrentPeriod); err != nil {
		return err
	}
	utils.LogInfo("Генерация счетов запланирована: %s", s.generationSchedule)

	if _, err := s.cron.AddFunc(s.arrearsSchedule, s.evaluateToday); err != nil {
		return err
	}
	utils.LogInfo("Пересчет задолженности запланирован: %s", s.arrearsSchedule)

	s.cron.Start()
	return nil
}

// Stop останавливает планировщик и ждет завершения запущенных задач
func (s *BillingSchedulerService) Stop() context.Context {
	return s.cron.Stop()
}

// generateCurrentPeriod выставляет счета за текущий месяц
func (s *BillingSchedulerService) generateCurrentPeriod() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	start := time.Now()
	period := models.NewBillingPeriod(utils.Today(s.loc))
	_, err := s.runner.RunMonthlyGeneration(ctx, period)
	if errors.Is(err, ErrJobRunning) {
		utils.LogInfo("Генерация счетов за %s уже выполняется другим экземпляром", period)
		return
	}
	utils.LogOperation(JobMonthlyGeneration, start, err)
}

// evaluateToday пересчитывает задолженность на текущую дату
func (s *BillingSchedulerService) evaluateToday() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.runner.RunArrearsEvaluation(ctx, utils.Today(s.loc))
	if errors.Is(err, ErrJobRunning) {
		utils.LogInfo("Пересчет задолженности уже выполняется другим экземпляром")
		return
	}
	utils.LogOperation(JobArrearsEvaluation, start, err)
}
