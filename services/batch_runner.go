package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"societybilling/config"
	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

// Названия пакетных задач
const (
	JobMonthlyGeneration = "monthly_generation"
	JobArrearsEvaluation = "arrears_evaluation"
	JobFinalizeBilling   = "finalize_billing"
)

// BatchFailure помещение, которое не удалось обработать
type BatchFailure struct {
	SocietyID uint   `json:"societyId"`
	UnitID    uint   `json:"unitId"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// BatchReport итог пакетного прогона
type BatchReport struct {
	RunID      string         `json:"runId"`
	Job        string         `json:"job"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Processed  int            `json:"processed"`
	Succeeded  int            `json:"succeeded"`
	Skipped    int            `json:"skipped"`
	Failures   []BatchFailure `json:"failures"`
}

// BatchOptions параметры пакетных прогонов
type BatchOptions struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	UnitTimeout  time.Duration
	LockTTL      time.Duration
}

// BatchOptionsFromConfig читает параметры прогонов из конфигурации
func BatchOptionsFromConfig(cfg *config.Config) BatchOptions {
	return BatchOptions{
		Workers:      cfg.Billing.Workers,
		MaxAttempts:  cfg.Billing.MaxAttempts,
		RetryBackoff: cfg.Billing.RetryBackoff,
		UnitTimeout:  cfg.Billing.StoreTimeout,
		LockTTL:      cfg.Redis.LockTTL,
	}
}

// unitOutcome результат обработки одного помещения
type unitOutcome int

const (
	outcomeDone unitOutcome = iota
	outcomeSkipped
)

type unitJob func(ctx context.Context, society models.Society, unit models.Unit) (unitOutcome, error)

// reportCollector потокобезопасно собирает BatchReport
type reportCollector struct {
	mu     sync.Mutex
	report BatchReport
}

func newReportCollector(job string, startedAt time.Time) *reportCollector {
	return &reportCollector{report: BatchReport{
		RunID:     uuid.NewString(),
		Job:       job,
		StartedAt: startedAt,
		Failures:  []BatchFailure{},
	}}
}

func (c *reportCollector) add(society models.Society, unit models.Unit, outcome unitOutcome, attempts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.report.Processed++
	switch {
	case err != nil:
		c.report.Failures = append(c.report.Failures, BatchFailure{
			SocietyID: society.ID,
			UnitID:    unit.ID,
			Error:     err.Error(),
			Attempts:  attempts,
		})
	case outcome == outcomeSkipped:
		c.report.Skipped++
	default:
		c.report.Succeeded++
	}
}

// addSocietyFailure фиксирует комплекс, данные которого не удалось прочитать
func (c *reportCollector) addSocietyFailure(society models.Society, attempts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.report.Failures = append(c.report.Failures, BatchFailure{
		SocietyID: society.ID,
		Error:     err.Error(),
		Attempts:  attempts,
	})
}

func (c *reportCollector) finish(finishedAt time.Time) *BatchReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.FinishedAt = finishedAt
	report := c.report
	return &report
}

// BatchRunner выполняет генерацию счетов и пересчет задолженности по всем помещениям
type BatchRunner struct {
	store      database.Store
	generator  *InvoiceGenerator
	evaluator  *ArrearsEvaluator
	exceptions *BillingExceptions
	lock       JobLock
	opts       BatchOptions
	now        func() time.Time
}

// NewBatchRunner создает новый экземпляр BatchRunner
func NewBatchRunner(
	store database.Store,
	generator *InvoiceGenerator,
	evaluator *ArrearsEvaluator,
	exceptions *BillingExceptions,
	lock JobLock,
	opts BatchOptions,
) *BatchRunner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}
	return &BatchRunner{
		store:      store,
		generator:  generator,
		evaluator:  evaluator,
		exceptions: exceptions,
		lock:       lock,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// withRetry повторяет fn при временных ошибках; каждая попытка ограничена по времени
func (r *BatchRunner) withRetry(ctx context.Context, fn func(ctx context.Context) (unitOutcome, error)) (unitOutcome, int, error) {
	var outcome unitOutcome
	var err error

	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if r.opts.UnitTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.opts.UnitTimeout)
		}
		outcome, err = fn(attemptCtx)
		cancel()

		if err == nil || IsPermanent(err) || ctx.Err() != nil || attempt == r.opts.MaxAttempts {
			return outcome, attempt, err
		}

		utils.LogDebug("Попытка %d из %d завершилась ошибкой, повтор: %v", attempt, r.opts.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return outcome, attempt, ctx.Err()
		case <-time.After(r.opts.RetryBackoff):
		}
	}
	return outcome, r.opts.MaxAttempts, err
}

// runUnits обрабатывает помещения параллельно; ошибка одного помещения не прерывает прогон
func (r *BatchRunner) runUnits(ctx context.Context, collector *reportCollector, society models.Society, units []models.Unit, job unitJob) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, unit := range units {
		unit := unit
		g.Go(func() error {
			outcome, attempts, err := r.withRetry(gctx, func(ctx context.Context) (unitOutcome, error) {
				return job(ctx, society, unit)
			})
			if err != nil {
				utils.LogWarn("Помещение %s (комплекс %d) не обработано после %d попыток: %v",
					unit.Label(), society.ID, attempts, err)
			}
			collector.add(society, unit, outcome, attempts, err)
			return nil
		})
	}
	_ = g.Wait()
}

// loadSociety повторяет чтение данных комплекса; итоговая ошибка попадает в отчет с UnitID = 0
func (r *BatchRunner) loadSociety(ctx context.Context, collector *reportCollector, society models.Society, fn func(ctx context.Context) error) bool {
	_, attempts, err := r.withRetry(ctx, func(ctx context.Context) (unitOutcome, error) {
		return outcomeDone, fn(ctx)
	})
	if err != nil {
		utils.LogError("Комплекс %d не обработан после %d попыток: %v", society.ID, attempts, err)
		collector.addSocietyFailure(society, attempts, err)
		return false
	}
	return true
}

func (r *BatchRunner) acquire(ctx context.Context, key string) (func(), error) {
	release, ok, err := r.lock.Acquire(ctx, key, r.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobRunning
	}
	return release, nil
}

func (r *BatchRunner) generateJob(period models.BillingPeriod) unitJob {
	return func(ctx context.Context, society models.Society, unit models.Unit) (unitOutcome, error) {
		_, err := r.generator.generateForUnit(ctx, society, unit, NewChargeSelection(nil, nil), period)
		var dupErr *DuplicateInvoiceError
		if errors.As(err, &dupErr) {
			return outcomeSkipped, nil
		}
		return outcomeDone, err
	}
}

// RunMonthlyGeneration выставляет счета за период всем помещениям запущенных комплексов
func (r *BatchRunner) RunMonthlyGeneration(ctx context.Context, period models.BillingPeriod) (*BatchReport, error) {
	if !period.Valid() {
		return nil, newValidationError("неверный расчетный период %s", period)
	}

	release, err := r.acquire(ctx, "generate:"+period.String())
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	collector := newReportCollector(JobMonthlyGeneration, r.now())
	utils.LogInfo("Запуск генерации счетов за %s, прогон %s", period, collector.report.RunID)

	societies, err := r.store.ListSocieties(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении комплексов: %w", err)
	}

	for _, society := range societies {
		if society.BillingFinalizedAt == nil {
			continue
		}
		var units []models.Unit
		ok := r.loadSociety(ctx, collector, society, func(ctx context.Context) error {
			var err error
			units, err = r.store.ListUnits(ctx, society.ID)
			if err != nil {
				return fmt.Errorf("ошибка при получении помещений: %w", err)
			}
			return nil
		})
		if !ok {
			continue
		}
		r.runUnits(ctx, collector, society, units, r.generateJob(period))
	}

	report := collector.finish(r.now())
	r.logReport(report, start)
	return report, nil
}

// RunArrearsEvaluation пересчитывает статусы и пени всех открытых счетов на дату asOf
func (r *BatchRunner) RunArrearsEvaluation(ctx context.Context, asOf time.Time) (*BatchReport, error) {
	asOf = utils.DateOnly(asOf)

	release, err := r.acquire(ctx, "evaluate:"+asOf.Format(utils.DateLayout))
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	collector := newReportCollector(JobArrearsEvaluation, r.now())
	utils.LogInfo("Запуск пересчета задолженности на %s, прогон %s", asOf.Format(utils.DateLayout), collector.report.RunID)

	societies, err := r.store.ListSocieties(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении комплексов: %w", err)
	}

	for _, society := range societies {
		var policy LateFeePolicy
		var units []models.Unit
		ok := r.loadSociety(ctx, collector, society, func(ctx context.Context) error {
			var err error
			if policy, err = r.societyPolicy(ctx, society.ID, asOf); err != nil {
				return err
			}
			if units, err = r.unitsWithOpenInvoices(ctx, society.ID); err != nil {
				return fmt.Errorf("ошибка при получении помещений: %w", err)
			}
			return nil
		})
		if !ok {
			continue
		}

		r.runUnits(ctx, collector, society, units, func(ctx context.Context, _ models.Society, unit models.Unit) (unitOutcome, error) {
			var events []models.EscalationEvent
			err := r.store.Transaction(ctx, func(tx database.Store) error {
				var err error
				_, events, err = accrueLateFeesTx(ctx, tx, unit.ID, asOf, policy, 0, MethodSystem, r.now())
				return err
			})
			for range events {
				utils.GetMetrics().RecordLateFee()
			}
			return outcomeDone, err
		})
	}

	report := collector.finish(r.now())
	r.logReport(report, start)
	return report, nil
}

// societyPolicy возвращает политику пени; отсутствие политики фиксируется в исключениях, статусы все равно обновляются
func (r *BatchRunner) societyPolicy(ctx context.Context, societyID uint, asOf time.Time) (LateFeePolicy, error) {
	key := database.ExceptionKey{
		SocietyID: societyID,
		Kind:      models.ExceptionMissingLateFeeConfig,
		Period:    models.NewBillingPeriod(asOf),
	}

	cfg, err := r.evaluator.rules.GetLateFeeConfig(ctx, societyID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		cfgErr := &ConfigurationError{
			Kind:      models.ExceptionMissingLateFeeConfig,
			SocietyID: societyID,
			Message:   "не настроена политика пени",
		}
		if recErr := r.exceptions.Record(ctx, cfgErr, key.Period); recErr != nil {
			utils.LogError("Не удалось сохранить исключение биллинга: %v", recErr)
		}
		return LateFeePolicy{}, nil
	case err != nil:
		return LateFeePolicy{}, fmt.Errorf("ошибка при получении политики пени: %w", err)
	}

	if err := r.exceptions.Resolve(ctx, key); err != nil {
		utils.LogError("Не удалось закрыть исключения комплекса %d: %v", societyID, err)
	}
	return NewLateFeePolicy(cfg), nil
}

func (r *BatchRunner) unitsWithOpenInvoices(ctx context.Context, societyID uint) ([]models.Unit, error) {
	invoices, err := r.store.ListInvoices(ctx, database.InvoiceFilter{SocietyID: societyID, OpenOnly: true})
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, nil
	}

	withOpen := make(map[uint]bool, len(invoices))
	for _, inv := range invoices {
		withOpen[inv.UnitID] = true
	}

	units, err := r.store.ListUnits(ctx, societyID)
	if err != nil {
		return nil, err
	}
	result := make([]models.Unit, 0, len(withOpen))
	for _, u := range units {
		if withOpen[u.ID] {
			result = append(result, u)
		}
	}
	return result, nil
}

// FinalizeDTO запрос на первичную генерацию счетов
type FinalizeDTO struct {
	Year  int `json:"year" validate:"omitempty,gte=2000,lte=2100"`
	Month int `json:"month" validate:"omitempty,gte=1,lte=12"`
}

// FinalizeBilling запускает биллинг комплекса: выставляет первые счета всем помещениям
func (r *BatchRunner) FinalizeBilling(ctx context.Context, societyID uint, period models.BillingPeriod) (*BatchReport, error) {
	if !period.Valid() {
		return nil, newValidationError("неверный расчетный период %s", period)
	}

	release, err := r.acquire(ctx, fmt.Sprintf("finalize:%d", societyID))
	if err != nil {
		return nil, err
	}
	defer release()

	society, err := r.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}
	if society.BillingFinalizedAt != nil {
		return nil, ErrAlreadyFinalized
	}

	start := time.Now()
	collector := newReportCollector(JobFinalizeBilling, r.now())

	// Комплекс отмечается запущенным только после чтения помещений: при сбое вызов можно повторить
	var units []models.Unit
	if _, _, err := r.withRetry(ctx, func(ctx context.Context) (unitOutcome, error) {
		var err error
		units, err = r.store.ListUnits(ctx, society.ID)
		return outcomeDone, err
	}); err != nil {
		return nil, fmt.Errorf("ошибка при получении помещений: %w", err)
	}

	finalizedAt := r.now()
	society.BillingFinalizedAt = &finalizedAt
	if err := r.store.SaveSociety(ctx, society); err != nil {
		return nil, fmt.Errorf("ошибка при сохранении комплекса: %w", err)
	}

	r.runUnits(ctx, collector, *society, units, r.generateJob(period))

	report := collector.finish(r.now())
	r.logReport(report, start)
	return report, nil
}

func (r *BatchRunner) logReport(report *BatchReport, start time.Time) {
	utils.GetMetrics().RecordBatchRun(len(report.Failures))
	utils.Logger().Infow("batch run finished",
		"job", report.Job,
		"run_id", report.RunID,
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
		"duration", time.Since(start),
	)
}
