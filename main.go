package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"societybilling/config"
	"societybilling/controllers"
	"societybilling/database"
	"societybilling/services"
	"societybilling/utils"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Ошибка запуска сервиса: %v", err)
	}
}

func run() error {
	// Инициализируем конфигурацию
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	if err := utils.InitLogger(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer utils.SyncLogger()

	// Суммы передаются в JSON числами
	decimal.MarshalJSONWithoutQuotes = true

	// Инициализируем подключение к базе данных
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}
	defer db.Close()

	lock, closeLock, err := services.NewJobLock(cfg)
	if err != nil {
		return err
	}
	defer closeLock()

	// Сервисы биллинга
	loc := cfg.Billing.Location
	emailService := services.NewEmailService(cfg)
	rules := services.NewRuleStore(db)
	exceptions := services.NewBillingExceptions(db)
	generator := services.NewInvoiceGenerator(db, rules, exceptions)
	evaluator := services.NewArrearsEvaluator(db, rules, exceptions)
	classifier := services.NewDefaulterClassifier(db)
	ledger := services.NewEscalationLedger(db, evaluator, emailService, loc)
	runner := services.NewBatchRunner(db, generator, evaluator, exceptions, lock, services.BatchOptionsFromConfig(cfg))

	// Запускаем планировщик
	scheduler := services.NewBillingSchedulerService(runner, loc, cfg.Billing.GenerationSchedule, cfg.Billing.ArrearsSchedule)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("ошибка запуска планировщика: %w", err)
	}
	utils.LogInfo("Планировщик биллинга запущен")

	api := controllers.NewAPIRouter([]byte(cfg.JWT.SecretKey),
		controllers.NewBillingConfigController(rules, runner, exceptions, services.NewTallyExporter(db), loc),
		controllers.NewInvoiceController(generator, evaluator, ledger, loc),
		controllers.NewDefaulterController(classifier, ledger, loc),
	)
	ops := controllers.NewOpsRouter(
		controllers.NewOpsController(runner, db, loc),
		utils.NewRateLimiter(100, time.Minute),
	)

	servers := []*http.Server{
		newHTTPServer(cfg, cfg.Server.Port, api),
		newHTTPServer(cfg, cfg.Server.OpsPort, ops),
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			utils.LogInfo("Сервер запущен на %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("ошибка сервера %s: %w", srv.Addr, err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		utils.LogInfo("Получен сигнал %s, завершаем работу", sig)
	case err = <-errCh:
		utils.LogError("%v", err)
	}

	shutdown(servers, scheduler)
	return err
}

// newHTTPServer создает HTTP-сервер с таймаутами из конфигурации
func newHTTPServer(cfg *config.Config, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// shutdown останавливает серверы и дожидается завершения задач планировщика
func shutdown(servers []*http.Server, scheduler *services.BillingSchedulerService) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			utils.LogError("Ошибка остановки сервера %s: %v", srv.Addr, err)
		}
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		utils.LogWarn("Задачи планировщика не завершились за отведенное время")
	}
}
