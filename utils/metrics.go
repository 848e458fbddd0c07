package utils

import (
	"sync"
	"time"
)

// Metrics содержит метрики приложения
type Metrics struct {
	mu sync.RWMutex

	// Метрики запросов
	TotalRequests   int64
	FailedRequests  int64
	RequestLatency  time.Duration
	AverageLatency  time.Duration
	LastRequestTime time.Time

	// Метрики биллинга
	InvoicesGenerated int64
	InvoicesVoided    int64
	LateFeesApplied   int64
	RemindersSent     int64
	PaymentsRecorded  int64
	InvoicesSettled   int64

	// Метрики пакетных задач
	BatchRuns        int64
	BatchUnitsFailed int64
	LastBatchRun     time.Time

	// Метрики ошибок
	ErrorCount    int64
	LastErrorTime time.Time
	ErrorTypes    map[string]int64
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics возвращает экземпляр метрик
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			ErrorTypes: make(map[string]int64),
		}
	})
	return metrics
}

// RecordRequest записывает метрики запроса
func (m *Metrics) RecordRequest(duration time.Duration, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	m.RequestLatency += duration
	m.AverageLatency = m.RequestLatency / time.Duration(m.TotalRequests)
	m.LastRequestTime = time.Now()

	if status >= 500 {
		m.FailedRequests++
	}
}

// RecordInvoiceGenerated учитывает созданный счет
func (m *Metrics) RecordInvoiceGenerated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvoicesGenerated++
}

// RecordInvoiceVoided учитывает аннулированный счет
func (m *Metrics) RecordInvoiceVoided() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvoicesVoided++
}

// RecordLateFee учитывает начисление пени
func (m *Metrics) RecordLateFee() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LateFeesApplied++
}

// RecordReminder учитывает отправленное напоминание
func (m *Metrics) RecordReminder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemindersSent++
}

// RecordPayment учитывает платеж; settled: счет полностью погашен
func (m *Metrics) RecordPayment(settled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PaymentsRecorded++
	if settled {
		m.InvoicesSettled++
	}
}

// RecordBatchRun учитывает завершенный пакетный прогон
func (m *Metrics) RecordBatchRun(failedUnits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchRuns++
	m.BatchUnitsFailed += int64(failedUnits)
	m.LastBatchRun = time.Now()
}

// RecordError записывает метрики ошибки
func (m *Metrics) RecordError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ErrorCount++
	m.LastErrorTime = time.Now()
	if errorType == "" {
		errorType = "unknown"
	}
	m.ErrorTypes[errorType]++
}

// GetMetricsSnapshot возвращает снимок текущих метрик
func (m *Metrics) GetMetricsSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errorTypes := make(map[string]int64, len(m.ErrorTypes))
	for k, v := range m.ErrorTypes {
		errorTypes[k] = v
	}

	return map[string]interface{}{
		"total_requests":     m.TotalRequests,
		"failed_requests":    m.FailedRequests,
		"average_latency":    m.AverageLatency.String(),
		"invoices_generated": m.InvoicesGenerated,
		"invoices_voided":    m.InvoicesVoided,
		"late_fees_applied":  m.LateFeesApplied,
		"reminders_sent":     m.RemindersSent,
		"payments_recorded":  m.PaymentsRecorded,
		"invoices_settled":   m.InvoicesSettled,
		"batch_runs":         m.BatchRuns,
		"batch_units_failed": m.BatchUnitsFailed,
		"last_batch_run":     m.LastBatchRun,
		"error_count":        m.ErrorCount,
		"last_error_time":    m.LastErrorTime,
		"error_types":        errorTypes,
	}
}
