package services

import (
	"context"
	"fmt"

	"github.com/beevik/etree"

	"societybilling/database"
	"societybilling/models"
)

// Имена леджеров Tally
const (
	tallyVoucherType  = "Sales"
	tallyIncomeLedger = "Maintenance Income"
)

// TallyExporter выгружает счета периода в XML-формате импорта Tally
type TallyExporter struct {
	store database.Store
}

// NewTallyExporter создает новый экземпляр TallyExporter
func NewTallyExporter(store database.Store) *TallyExporter {
	return &TallyExporter{store: store}
}

// Export формирует XML с одним ваучером на каждый неаннулированный счет периода
func (e *TallyExporter) Export(ctx context.Context, societyID uint, period models.BillingPeriod) ([]byte, error) {
	if !period.Valid() {
		return nil, newValidationError("неверный расчетный период %s", period)
	}

	society, err := e.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}

	invoices, err := e.store.ListInvoices(ctx, database.InvoiceFilter{SocietyID: societyID, Period: &period})
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении счетов: %w", err)
	}

	units, err := e.store.ListUnits(ctx, societyID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении помещений: %w", err)
	}
	labels := make(map[uint]string, len(units))
	for _, u := range units {
		labels[u.ID] = u.Label()
	}

	doc := buildTallyDocument(*society, invoices, labels)
	doc.Indent(2)
	return doc.WriteToBytes()
}

// buildTallyDocument строит документ ENVELOPE для импорта ваучеров
func buildTallyDocument(society models.Society, invoices []models.Invoice, labels map[uint]string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	envelope := doc.CreateElement("ENVELOPE")
	header := envelope.CreateElement("HEADER")
	header.CreateElement("TALLYREQUEST").SetText("Import Data")

	importData := envelope.CreateElement("BODY").CreateElement("IMPORTDATA")
	requestDesc := importData.CreateElement("REQUESTDESC")
	requestDesc.CreateElement("REPORTNAME").SetText("Vouchers")
	requestDesc.CreateElement("STATICVARIABLES").CreateElement("SVCURRENTCOMPANY").SetText(society.Name)

	requestData := importData.CreateElement("REQUESTDATA")
	for _, inv := range invoices {
		if inv.VoidedAt != nil {
			continue
		}
		message := requestData.CreateElement("TALLYMESSAGE")
		message.CreateAttr("xmlns:UDF", "TallyUDF")
		appendVoucher(message, inv, partyLedger(inv, labels))
	}
	return doc
}

func partyLedger(inv models.Invoice, labels map[uint]string) string {
	if label, ok := labels[inv.UnitID]; ok && label != "" {
		return label
	}
	return fmt.Sprintf("Unit %d", inv.UnitID)
}

func appendVoucher(parent *etree.Element, inv models.Invoice, party string) {
	voucher := parent.CreateElement("VOUCHER")
	voucher.CreateAttr("VCHTYPE", tallyVoucherType)
	voucher.CreateAttr("ACTION", "Create")

	voucher.CreateElement("DATE").SetText(inv.CreatedAt.Format("20060102"))
	voucher.CreateElement("EFFECTIVEDATE").SetText(inv.DueDate.Format("20060102"))
	voucher.CreateElement("VOUCHERTYPENAME").SetText(tallyVoucherType)
	voucher.CreateElement("VOUCHERNUMBER").SetText(fmt.Sprintf("INV-%d", inv.ID))
	voucher.CreateElement("PARTYLEDGERNAME").SetText(party)
	voucher.CreateElement("NARRATION").SetText(fmt.Sprintf("Maintenance %s, %s", inv.BillingPeriod, party))

	// Дебет покупателя: отрицательная сумма в нотации Tally
	partyEntry := voucher.CreateElement("ALLLEDGERENTRIES.LIST")
	partyEntry.CreateElement("LEDGERNAME").SetText(party)
	partyEntry.CreateElement("ISDEEMEDPOSITIVE").SetText("Yes")
	partyEntry.CreateElement("AMOUNT").SetText(inv.TotalAmount.Neg().StringFixed(2))

	for _, line := range inv.LineItems {
		ledger := line.Description
		if line.SourceType == models.LineItemSourceMaintenance {
			ledger = tallyIncomeLedger
		}
		entry := voucher.CreateElement("ALLLEDGERENTRIES.LIST")
		entry.CreateElement("LEDGERNAME").SetText(ledger)
		entry.CreateElement("ISDEEMEDPOSITIVE").SetText("No")
		entry.CreateElement("AMOUNT").SetText(line.Amount.StringFixed(2))
	}
}
