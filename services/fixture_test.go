package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"societybilling/models"
)

type fixture struct {
	store      *memStore
	rules      *RuleStore
	exceptions *BillingExceptions
	generator  *InvoiceGenerator
	evaluator  *ArrearsEvaluator
	classifier *DefaulterClassifier
	ledger     *EscalationLedger
	runner     *BatchRunner
	notifier   *fakeNotifier
	society    models.Society
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	society := models.Society{Name: "Green Valley", Currency: "INR", DueDayOfMonth: 10}
	require.NoError(t, store.SaveSociety(context.Background(), &society))

	f := &fixture{store: store, society: society, notifier: &fakeNotifier{}}
	f.rules = NewRuleStore(store)
	f.exceptions = NewBillingExceptions(store)
	f.exceptions.now = store.now
	f.generator = NewInvoiceGenerator(store, f.rules, f.exceptions)
	f.generator.now = store.now
	f.evaluator = NewArrearsEvaluator(store, f.rules, f.exceptions)
	f.classifier = NewDefaulterClassifier(store)
	f.ledger = NewEscalationLedger(store, f.evaluator, f.notifier, time.UTC)
	f.ledger.now = store.now
	f.runner = NewBatchRunner(store, f.generator, f.evaluator, f.exceptions, NewLocalJobLock(), BatchOptions{
		Workers:     4,
		MaxAttempts: 3,
		UnitTimeout: time.Second,
	})
	f.runner.now = store.now
	return f
}

func (f *fixture) unit(t *testing.T, block, number, unitType, area string) models.Unit {
	t.Helper()
	return f.store.addUnit(models.Unit{
		SocietyID:  f.society.ID,
		Block:      block,
		Number:     number,
		UnitType:   unitType,
		Area:       dec(area),
		OwnerName:  "Owner " + block + number,
		OwnerEmail: block + number + "@example.com",
	})
}

func (f *fixture) flatRule(t *testing.T, unitType, amount string) *models.MaintenanceRule {
	t.Helper()
	rule, err := f.rules.CreateMaintenanceRule(context.Background(), f.society.ID, MaintenanceRuleDTO{
		UnitType: unitType,
		Mode:     models.CalculationModeFlat,
		Amount:   dec(amount),
	})
	require.NoError(t, err)
	return rule
}

func (f *fixture) lateFee(t *testing.T, feeType models.LateFeeType, amount string, grace int) {
	t.Helper()
	_, err := f.rules.UpdateLateFeeConfig(context.Background(), f.society.ID, LateFeeConfigDTO{
		IsActive:        true,
		GracePeriodDays: grace,
		FeeType:         feeType,
		Amount:          dec(amount),
	})
	require.NoError(t, err)
}

func (f *fixture) invoice(t *testing.T, unit models.Unit, year, month int) *models.Invoice {
	t.Helper()
	res, err := f.generator.GenerateInvoice(context.Background(), f.society.ID, unit.ID, GenerateInvoiceDTO{Year: year, Month: month})
	require.NoError(t, err)
	return res.Invoice
}

func (f *fixture) reload(t *testing.T, id uint) *models.Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}
