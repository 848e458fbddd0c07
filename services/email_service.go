package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"

	"societybilling/config"
	"societybilling/utils"
)

// Notifier отправляет жителям уведомления о задолженности и платежах
type Notifier interface {
	SendArrearsReminder(to string, reminder ArrearsReminder) error
	SendPaymentReceipt(to string, receipt PaymentReceipt) error
}

// ArrearsReminder данные письма-напоминания
type ArrearsReminder struct {
	SocietyName string
	UnitLabel   string
	OwnerName   string
	Outstanding decimal.Decimal
	LateFees    decimal.Decimal
	OldestDue   time.Time
	Currency    string
}

// PaymentReceipt данные квитанции об оплате
type PaymentReceipt struct {
	SocietyName string
	UnitLabel   string
	InvoiceID   uint
	Period      string
	Amount      decimal.Decimal
	PaidOn      time.Time
	Currency    string
}

// EmailService предоставляет методы для отправки email
type EmailService struct {
	dialer  *gomail.Dialer
	from    string
	enabled bool
	send    func(m *gomail.Message) error
}

// NewEmailService создает новый экземпляр EmailService
func NewEmailService(cfg *config.Config) *EmailService {
	dialer := gomail.NewDialer(
		cfg.SMTP.Host,
		cfg.SMTP.Port,
		cfg.SMTP.Username,
		cfg.SMTP.Password,
	)

	return &EmailService{
		dialer:  dialer,
		from:    cfg.SMTP.From,
		enabled: cfg.SMTP.Enabled,
		send:    func(m *gomail.Message) error { return dialer.DialAndSend(m) },
	}
}

// SendEmail отправляет email; при выключенном SMTP письмо только логируется
func (s *EmailService) SendEmail(to, subject, body string) error {
	if to == "" {
		return newValidationError("у владельца помещения не указан email")
	}
	if !s.enabled {
		utils.LogInfo("SMTP отключен, письмо %q для %s не отправлено", subject, to)
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := s.send(m); err != nil {
		return fmt.Errorf("ошибка отправки email: %v", err)
	}

	return nil
}

// SendArrearsReminder отправляет напоминание о задолженности
func (s *EmailService) SendArrearsReminder(to string, r ArrearsReminder) error {
	subject := fmt.Sprintf("%s: задолженность по помещению %s", r.SocietyName, r.UnitLabel)
	body := fmt.Sprintf(`
		<h2>Напоминание о задолженности</h2>
		<p>Уважаемый(ая) %s,</p>
		<p>По помещению %s числится задолженность по эксплуатационным взносам.</p>
		<p>Основной долг: %s %s</p>
		<p>Пеня: %s %s</p>
		<p>Самый ранний неоплаченный срок: %s</p>
		<p>Просим погасить задолженность в ближайшее время.</p>
		<p>С уважением,<br>Правление %s</p>
	`, r.OwnerName, r.UnitLabel,
		r.Outstanding.StringFixed(2), r.Currency,
		r.LateFees.StringFixed(2), r.Currency,
		r.OldestDue.Format("02.01.2006"), r.SocietyName)

	return s.SendEmail(to, subject, body)
}

// SendPaymentReceipt отправляет квитанцию о полной оплате счета
func (s *EmailService) SendPaymentReceipt(to string, r PaymentReceipt) error {
	subject := fmt.Sprintf("%s: счет №%d оплачен", r.SocietyName, r.InvoiceID)
	body := fmt.Sprintf(`
		<h2>Счет оплачен</h2>
		<p>Помещение: %s</p>
		<p>Период: %s</p>
		<p>Последний платеж: %s %s от %s</p>
		<p>Спасибо за своевременную оплату!</p>
	`, r.UnitLabel, r.Period, r.Amount.StringFixed(2), r.Currency, r.PaidOn.Format("02.01.2006"))

	return s.SendEmail(to, subject, body)
}
