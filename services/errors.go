package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
)

var (
	// ErrNotFound объект не найден
	ErrNotFound = database.ErrNotFound
	// ErrDuplicateReminder напоминание этим способом уже отправлено сегодня
	ErrDuplicateReminder = errors.New("напоминание этим способом уже отправлено сегодня")
	// ErrAlreadyFinalized первичная генерация счетов уже выполнена
	ErrAlreadyFinalized = errors.New("биллинг комплекса уже запущен")
	// ErrInvoiceNotOpen счет оплачен или аннулирован
	ErrInvoiceNotOpen = errors.New("счет закрыт или аннулирован")
	// ErrInvoiceLocked по счету есть платежи, перевыпуск невозможен
	ErrInvoiceLocked = errors.New("по счету есть платежи, перевыпуск невозможен")
	// ErrJobRunning задача уже выполняется другим экземпляром
	ErrJobRunning = errors.New("задача уже выполняется")
)

// ConfigurationError отсутствует правило или политика, необходимые для расчета
type ConfigurationError struct {
	Kind      models.BillingExceptionKind
	SocietyID uint
	UnitID    uint
	Message   string
}

func (e *ConfigurationError) Error() string {
	return "ошибка конфигурации биллинга: " + e.Message
}

// DuplicateInvoiceError счет за период уже существует
type DuplicateInvoiceError struct {
	UnitID    uint
	Period    models.BillingPeriod
	InvoiceID uint
}

func (e *DuplicateInvoiceError) Error() string {
	return fmt.Sprintf("счет помещения %d за период %s уже существует", e.UnitID, e.Period)
}

// OverpaymentError сумма платежа превышает остаток по счету
type OverpaymentError struct {
	InvoiceID uint
	Amount    decimal.Decimal
	Balance   decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("сумма платежа %s превышает остаток %s по счету %d",
		e.Amount.StringFixed(2), e.Balance.StringFixed(2), e.InvoiceID)
}

// ValidationError некорректные входные данные
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Messages: []string{fmt.Sprintf(format, args...)}}
}

// newValidator создает валидатор, использующий имена полей из json-тегов
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct проверяет DTO и собирает сообщения по каждому нарушенному тегу
func validateStruct(v *validator.Validate, dto interface{}) error {
	err := v.Struct(dto)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ValidationError{Messages: []string{err.Error()}}
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, fieldMessage(fe))
	}
	return &ValidationError{Messages: messages}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("поле %s обязательно", fe.Field())
	case "gte":
		return fmt.Sprintf("поле %s должно быть не меньше %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("поле %s должно быть не больше %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("поле %s должно быть больше %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("поле %s должно быть одним из: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("поле %s не должно превышать %s символов", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("поле %s не прошло проверку %s", fe.Field(), fe.Tag())
	}
}

// IsPermanent сообщает, что повтор операции не изменит результат
func IsPermanent(err error) bool {
	var cfgErr *ConfigurationError
	var dupErr *DuplicateInvoiceError
	var valErr *ValidationError
	var overErr *OverpaymentError
	return errors.As(err, &cfgErr) ||
		errors.As(err, &dupErr) ||
		errors.As(err, &valErr) ||
		errors.As(err, &overErr) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvoiceNotOpen) ||
		errors.Is(err, ErrInvoiceLocked)
}
