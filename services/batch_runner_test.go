package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"societybilling/database"
	"societybilling/models"
)

func (f *fixture) finalize(t *testing.T) {
	t.Helper()
	at := f.store.now()
	f.society.BillingFinalizedAt = &at
	require.NoError(t, f.store.SaveSociety(context.Background(), &f.society))
}

func TestRunMonthlyGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finalize(t)
	f.flatRule(t, "2BHK", "1500")

	ok := f.unit(t, "A", "101", "2BHK", "900")
	flaky := f.unit(t, "A", "102", "2BHK", "900")
	billed := f.unit(t, "A", "103", "2BHK", "900")
	shop := f.unit(t, "S", "1", "SHOP", "300")
	f.invoice(t, billed, 2026, 11)
	f.store.failFind[flaky.ID] = 1

	// Незапущенный комплекс пропускается
	other := models.Society{Name: "Lake View", Currency: "INR", DueDayOfMonth: 5}
	require.NoError(t, f.store.SaveSociety(ctx, &other))
	f.store.addUnit(models.Unit{SocietyID: other.ID, Block: "B", Number: "1", UnitType: "2BHK"})

	report, err := f.runner.RunMonthlyGeneration(ctx, models.BillingPeriod{Year: 2026, Month: 11})
	require.NoError(t, err)

	assert.Equal(t, JobMonthlyGeneration, report.Job)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, shop.ID, report.Failures[0].UnitID)
	assert.Equal(t, 1, report.Failures[0].Attempts, "ошибка конфигурации не повторяется")

	for _, u := range []models.Unit{ok, flaky} {
		inv, err := f.store.FindActiveInvoice(ctx, u.ID, models.BillingPeriod{Year: 2026, Month: 11})
		require.NoError(t, err)
		assert.Equal(t, "1500", inv.TotalAmount.String())
	}

	exceptions, err := f.exceptions.List(ctx, f.society.ID, true)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, models.ExceptionMissingRule, exceptions[0].Kind)
	require.NotNil(t, exceptions[0].UnitID)
	assert.Equal(t, shop.ID, *exceptions[0].UnitID)

	invoices, err := f.store.ListInvoices(ctx, database.InvoiceFilter{SocietyID: other.ID})
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestRunMonthlyGeneration_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.finalize(t)
	f.flatRule(t, "ALL", "1500")
	unit := f.unit(t, "A", "101", "2BHK", "900")
	f.store.failFind[unit.ID] = 5

	report, err := f.runner.RunMonthlyGeneration(context.Background(), models.BillingPeriod{Year: 2026, Month: 11})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 3, report.Failures[0].Attempts)
	assert.Contains(t, report.Failures[0].Error, errTransient.Error())
}

func TestRunMonthlyGeneration_InvalidPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.RunMonthlyGeneration(context.Background(), models.BillingPeriod{Year: 2026, Month: 13})
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestRunArrearsEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.flatRule(t, "ALL", "2000")
	a := f.unit(t, "A", "101", "2BHK", "900")
	b := f.unit(t, "B", "202", "2BHK", "900")
	invA := f.invoice(t, a, 2026, 9)
	invB := f.invoice(t, b, 2026, 9)

	// Без политики пени статусы все равно обновляются
	report, err := f.runner.RunArrearsEvaluation(ctx, date(2026, 9, 22))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Empty(t, report.Failures)
	assert.Equal(t, models.InvoiceStatusOverdue, f.reload(t, invA.ID).Status)
	assert.True(t, f.reload(t, invA.ID).LateFeeAccrued.IsZero())

	exceptions, err := f.exceptions.List(ctx, f.society.ID, true)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, models.ExceptionMissingLateFeeConfig, exceptions[0].Kind)
	assert.Nil(t, exceptions[0].UnitID)

	// Повторный прогон не дублирует исключение
	_, err = f.runner.RunArrearsEvaluation(ctx, date(2026, 9, 23))
	require.NoError(t, err)
	exceptions, err = f.exceptions.List(ctx, f.society.ID, true)
	require.NoError(t, err)
	assert.Len(t, exceptions, 1)

	f.lateFee(t, models.LateFeeTypePerDay, "50", 5)
	_, err = f.ledger.RecordPayment(ctx, f.society.ID, invB.ID, PaymentDTO{Amount: dec("2000"), Method: "UPI"}, 1)
	require.NoError(t, err)

	report, err = f.runner.RunArrearsEvaluation(ctx, date(2026, 9, 24))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed, "оплаченные счета не пересчитываются")
	assert.Equal(t, "450.00", f.reload(t, invA.ID).LateFeeAccrued.StringFixed(2))

	applied := f.store.eventsOf(models.EscalationLateFeeApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, uint(0), applied[0].OperatorID)
	assert.Equal(t, MethodSystem, applied[0].Method)

	exceptions, err = f.exceptions.List(ctx, f.society.ID, true)
	require.NoError(t, err)
	assert.Empty(t, exceptions)
}

func TestFinalizeBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.flatRule(t, "ALL", "1200")
	f.unit(t, "A", "101", "2BHK", "900")
	f.unit(t, "A", "102", "3BHK", "1200")
	period := models.BillingPeriod{Year: 2026, Month: 10}

	report, err := f.runner.FinalizeBilling(ctx, f.society.ID, period)
	require.NoError(t, err)
	assert.Equal(t, JobFinalizeBilling, report.Job)
	assert.Equal(t, 2, report.Succeeded)

	society, err := f.store.GetSociety(ctx, f.society.ID)
	require.NoError(t, err)
	require.NotNil(t, society.BillingFinalizedAt)

	_, err = f.runner.FinalizeBilling(ctx, f.society.ID, period)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	_, err = f.runner.FinalizeBilling(ctx, 999, period)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeBilling_LockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, ok, err := f.runner.lock.Acquire(ctx, fmt.Sprintf("finalize:%d", f.society.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.runner.FinalizeBilling(ctx, f.society.ID, models.BillingPeriod{Year: 2026, Month: 10})
	assert.ErrorIs(t, err, ErrJobRunning)

	release()
	_, err = f.runner.FinalizeBilling(ctx, f.society.ID, models.BillingPeriod{Year: 2026, Month: 10})
	assert.NoError(t, err)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.runner.opts.RetryBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, attempts, err := f.runner.withRetry(ctx, func(context.Context) (unitOutcome, error) {
		calls++
		cancel()
		return outcomeDone, errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestFinalizeBilling_UnitListingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.flatRule(t, "ALL", "1200")
	f.unit(t, "A", "101", "2BHK", "900")
	f.unit(t, "A", "102", "3BHK", "1200")
	period := models.BillingPeriod{Year: 2026, Month: 10}

	// Все попытки чтения помещений неудачны: комплекс остается незапущенным
	f.store.failListUnits[f.society.ID] = 3
	_, err := f.runner.FinalizeBilling(ctx, f.society.ID, period)
	require.ErrorIs(t, err, errTransient)

	society, err := f.store.GetSociety(ctx, f.society.ID)
	require.NoError(t, err)
	assert.Nil(t, society.BillingFinalizedAt)

	// Повторный вызов выставляет счета; единичный сбой покрывается повтором
	f.store.failListUnits[f.society.ID] = 1
	report, err := f.runner.FinalizeBilling(ctx, f.society.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	invoices, err := f.store.ListInvoices(ctx, database.InvoiceFilter{SocietyID: f.society.ID})
	require.NoError(t, err)
	assert.Len(t, invoices, 2)
}

func TestRunMonthlyGeneration_SocietyFailureReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finalize(t)
	f.flatRule(t, "ALL", "1500")
	f.unit(t, "A", "101", "2BHK", "900")
	period := models.BillingPeriod{Year: 2026, Month: 11}

	f.store.failListUnits[f.society.ID] = 1
	report, err := f.runner.RunMonthlyGeneration(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, report.Failures)

	f.store.failListUnits[f.society.ID] = 3
	report, err = f.runner.RunMonthlyGeneration(ctx, models.BillingPeriod{Year: 2026, Month: 12})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, f.society.ID, report.Failures[0].SocietyID)
	assert.Equal(t, uint(0), report.Failures[0].UnitID)
	assert.Equal(t, 3, report.Failures[0].Attempts)
	assert.Contains(t, report.Failures[0].Error, errTransient.Error())
}

func TestRunArrearsEvaluation_SocietyFailureReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.flatRule(t, "ALL", "2000")
	unit := f.unit(t, "A", "101", "2BHK", "900")
	inv := f.invoice(t, unit, 2026, 9)

	f.store.failListUnits[f.society.ID] = 3
	report, err := f.runner.RunArrearsEvaluation(ctx, date(2026, 9, 22))
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, f.society.ID, report.Failures[0].SocietyID)
	assert.Equal(t, uint(0), report.Failures[0].UnitID)
	assert.Equal(t, models.InvoiceStatusPending, f.reload(t, inv.ID).Status)

	report, err = f.runner.RunArrearsEvaluation(ctx, date(2026, 9, 23))
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, models.InvoiceStatusOverdue, f.reload(t, inv.ID).Status)
}
