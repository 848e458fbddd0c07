package utils

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout формат календарной даты в API
const DateLayout = "2006-01-02"

// DateOnly отбрасывает время суток, оставляя календарную дату в UTC
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today возвращает текущую календарную дату в заданном часовом поясе
func Today(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return DateOnly(time.Now().In(loc))
}

// DaysBetween возвращает количество календарных дней от from до to (может быть отрицательным)
func DaysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)).Hours() / 24)
}

// ParseDate разбирает дату формата YYYY-MM-DD; пустая строка означает fallback
func ParseDate(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return DateOnly(fallback), nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("неверный формат даты %q, ожидается YYYY-MM-DD", value)
	}
	return t, nil
}

// RoundMoney округляет сумму до копеек (half-up для неотрицательных сумм)
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
