package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

// MaintenanceRuleDTO данные для создания или изменения правила взноса
type MaintenanceRuleDTO struct {
	UnitType    string                 `json:"unitType" validate:"required,max=30"`
	Mode        models.CalculationMode `json:"mode" validate:"required,oneof=FLAT AREA"`
	Amount      decimal.Decimal        `json:"amount"`
	RatePerArea decimal.Decimal        `json:"ratePerArea"`
	IsActive    *bool                  `json:"isActive"`
}

// ChargeHeadDTO данные статьи начислений
type ChargeHeadDTO struct {
	Name          string              `json:"name" validate:"required,max=100"`
	DefaultAmount decimal.Decimal     `json:"defaultAmount"`
	Method        models.ChargeMethod `json:"method" validate:"required,oneof=FIXED VARIABLE"`
	IsOptional    bool                `json:"isOptional"`
	IsActive      *bool               `json:"isActive"`
	SortOrder     int                 `json:"sortOrder" validate:"gte=0"`
}

// LateFeeConfigDTO данные политики пени
type LateFeeConfigDTO struct {
	IsActive        bool               `json:"isActive"`
	GracePeriodDays int                `json:"gracePeriodDays" validate:"gte=0,lte=365"`
	FeeType         models.LateFeeType `json:"feeType" validate:"required,oneof=FIXED PERCENTAGE PER_DAY"`
	Amount          decimal.Decimal    `json:"amount"`
	MaxCap          *decimal.Decimal   `json:"maxCap"`
}

// BillingSettingsDTO настройки выставления счетов комплекса
type BillingSettingsDTO struct {
	DueDayOfMonth int `json:"dueDayOfMonth" validate:"required,gte=1,lte=28"`
}

// BillingConfig текущая конфигурация биллинга комплекса
type BillingConfig struct {
	Society          models.Society           `json:"society"`
	MaintenanceRules []models.MaintenanceRule `json:"maintenanceRules"`
	ChargeHeads      []models.ChargeHead      `json:"chargeHeads"`
	LateFeeConfig    *models.LateFeeConfig    `json:"lateFeeConfig"`
}

// RuleStore хранит правила расчета взносов, статьи начислений и политику пени
type RuleStore struct {
	store     database.Store
	validator *validator.Validate
}

// NewRuleStore создает новый экземпляр RuleStore
func NewRuleStore(store database.Store) *RuleStore {
	return &RuleStore{
		store:     store,
		validator: newValidator(),
	}
}

func normalizeUnitType(unitType string) string {
	return strings.ToUpper(strings.TrimSpace(unitType))
}

// resolveRule выбирает активное правило: точное совпадение типа, затем правило ALL
func resolveRule(rules []models.MaintenanceRule, unitType string) *models.MaintenanceRule {
	unitType = normalizeUnitType(unitType)
	var fallback *models.MaintenanceRule

	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive {
			continue
		}
		scope := normalizeUnitType(rule.UnitType)
		if scope == unitType && unitType != models.UnitTypeAll {
			return rule
		}
		if scope == models.UnitTypeAll && fallback == nil {
			fallback = rule
		}
	}
	return fallback
}

// ResolveMaintenanceRule возвращает правило, применимое к типу помещения
func (s *RuleStore) ResolveMaintenanceRule(ctx context.Context, societyID uint, unitType string) (*models.MaintenanceRule, error) {
	rules, err := s.store.ListMaintenanceRules(ctx, societyID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении правил взноса: %w", err)
	}

	// При равной специфичности выигрывает правило с меньшим ID
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	rule := resolveRule(rules, unitType)
	if rule == nil {
		return nil, &ConfigurationError{
			Kind:      models.ExceptionMissingRule,
			SocietyID: societyID,
			Message:   fmt.Sprintf("нет активного правила взноса для типа помещения %s", normalizeUnitType(unitType)),
		}
	}
	return rule, nil
}

// ListActiveChargeHeads возвращает активные статьи начислений в порядке вывода
func (s *RuleStore) ListActiveChargeHeads(ctx context.Context, societyID uint) ([]models.ChargeHead, error) {
	heads, err := s.store.ListChargeHeads(ctx, societyID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении статей начислений: %w", err)
	}

	active := make([]models.ChargeHead, 0, len(heads))
	for _, h := range heads {
		if h.IsActive {
			active = append(active, h)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].SortOrder != active[j].SortOrder {
			return active[i].SortOrder < active[j].SortOrder
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}

// GetLateFeeConfig возвращает политику пени; ErrNotFound, если она не настроена
func (s *RuleStore) GetLateFeeConfig(ctx context.Context, societyID uint) (*models.LateFeeConfig, error) {
	return s.store.GetLateFeeConfig(ctx, societyID)
}

// GetBillingConfig возвращает полную конфигурацию биллинга комплекса
func (s *RuleStore) GetBillingConfig(ctx context.Context, societyID uint) (*BillingConfig, error) {
	society, err := s.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}

	rules, err := s.store.ListMaintenanceRules(ctx, societyID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении правил взноса: %w", err)
	}

	heads, err := s.store.ListChargeHeads(ctx, societyID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении статей начислений: %w", err)
	}

	lateFee, err := s.store.GetLateFeeConfig(ctx, societyID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("ошибка при получении политики пени: %w", err)
	}

	return &BillingConfig{
		Society:          *society,
		MaintenanceRules: rules,
		ChargeHeads:      heads,
		LateFeeConfig:    lateFee,
	}, nil
}

// validateRule проверяет суммы правила в зависимости от способа расчета
func validateRule(dto MaintenanceRuleDTO) error {
	if dto.Amount.IsNegative() || dto.RatePerArea.IsNegative() {
		return newValidationError("суммы правила не могут быть отрицательными")
	}
	switch dto.Mode {
	case models.CalculationModeFlat:
		if !dto.Amount.IsPositive() {
			return newValidationError("для правила FLAT поле amount должно быть больше 0")
		}
	case models.CalculationModeArea:
		if !dto.RatePerArea.IsPositive() {
			return newValidationError("для правила AREA поле ratePerArea должно быть больше 0")
		}
	}
	return nil
}

// checkActiveScope запрещает второе активное правило для того же типа помещения
func (s *RuleStore) checkActiveScope(ctx context.Context, societyID uint, unitType string, exceptID uint) error {
	rules, err := s.store.ListMaintenanceRules(ctx, societyID)
	if err != nil {
		return fmt.Errorf("ошибка при получении правил взноса: %w", err)
	}
	for _, r := range rules {
		if r.ID != exceptID && r.IsActive && normalizeUnitType(r.UnitType) == unitType {
			return newValidationError("активное правило для типа помещения %s уже существует", unitType)
		}
	}
	return nil
}

func applyRuleDTO(rule *models.MaintenanceRule, dto MaintenanceRuleDTO) {
	rule.UnitType = normalizeUnitType(dto.UnitType)
	rule.Mode = dto.Mode
	// Значимо только одно из полей amount/ratePerArea
	if dto.Mode == models.CalculationModeFlat {
		rule.Amount = utils.RoundMoney(dto.Amount)
		rule.RatePerArea = decimal.Zero
	} else {
		rule.Amount = decimal.Zero
		rule.RatePerArea = dto.RatePerArea.Round(4)
	}
	if dto.IsActive != nil {
		rule.IsActive = *dto.IsActive
	}
}

func duplicateScope(err error, unitType string) error {
	if errors.Is(err, database.ErrDuplicateKey) {
		return newValidationError("активное правило для типа помещения %s уже существует", unitType)
	}
	return err
}

// CreateMaintenanceRule создает правило взноса
func (s *RuleStore) CreateMaintenanceRule(ctx context.Context, societyID uint, dto MaintenanceRuleDTO) (*models.MaintenanceRule, error) {
	// Валидируем входные данные
	if err := validateStruct(s.validator, dto); err != nil {
		return nil, err
	}
	if err := validateRule(dto); err != nil {
		return nil, err
	}

	rule := &models.MaintenanceRule{SocietyID: societyID, IsActive: true}
	applyRuleDTO(rule, dto)

	if rule.IsActive {
		if err := s.checkActiveScope(ctx, societyID, rule.UnitType, 0); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateMaintenanceRule(ctx, rule); err != nil {
		return nil, duplicateScope(err, rule.UnitType)
	}

	utils.LogInfo("Создано правило взноса %d (%s, %s) комплекса %d", rule.ID, rule.UnitType, rule.Mode, societyID)
	return rule, nil
}

// UpdateMaintenanceRule изменяет правило; ранее выставленные счета не затрагиваются
func (s *RuleStore) UpdateMaintenanceRule(ctx context.Context, societyID, ruleID uint, dto MaintenanceRuleDTO) (*models.MaintenanceRule, error) {
	if err := validateStruct(s.validator, dto); err != nil {
		return nil, err
	}
	if err := validateRule(dto); err != nil {
		return nil, err
	}

	rule, err := s.store.GetMaintenanceRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.SocietyID != societyID {
		return nil, ErrNotFound
	}

	applyRuleDTO(rule, dto)
	if rule.IsActive {
		if err := s.checkActiveScope(ctx, societyID, rule.UnitType, rule.ID); err != nil {
			return nil, err
		}
	}

	if err := s.store.SaveMaintenanceRule(ctx, rule); err != nil {
		return nil, duplicateScope(err, rule.UnitType)
	}
	return rule, nil
}

// DeactivateMaintenanceRule отключает правило
func (s *RuleStore) DeactivateMaintenanceRule(ctx context.Context, societyID, ruleID uint) (*models.MaintenanceRule, error) {
	rule, err := s.store.GetMaintenanceRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.SocietyID != societyID {
		return nil, ErrNotFound
	}

	rule.IsActive = false
	if err := s.store.SaveMaintenanceRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("ошибка при отключении правила: %w", err)
	}

	utils.LogInfo("Правило взноса %d комплекса %d отключено", rule.ID, societyID)
	return rule, nil
}

func validateChargeHead(dto ChargeHeadDTO) error {
	if dto.DefaultAmount.IsNegative() {
		return newValidationError("поле defaultAmount не может быть отрицательным")
	}
	if dto.Method == models.ChargeMethodFixed && !dto.DefaultAmount.IsPositive() {
		return newValidationError("для статьи FIXED поле defaultAmount должно быть больше 0")
	}
	return nil
}

func applyChargeHeadDTO(head *models.ChargeHead, dto ChargeHeadDTO) {
	head.Name = strings.TrimSpace(dto.Name)
	head.DefaultAmount = utils.RoundMoney(dto.DefaultAmount)
	head.Method = dto.Method
	head.IsOptional = dto.IsOptional
	head.SortOrder = dto.SortOrder
	if dto.IsActive != nil {
		head.IsActive = *dto.IsActive
	}
}

// CreateChargeHead создает статью начислений
func (s *RuleStore) CreateChargeHead(ctx context.Context, societyID uint, dto ChargeHeadDTO) (*models.ChargeHead, error) {
	if err := validateStruct(s.validator, dto); err != nil {
		return nil, err
	}
	if err := validateChargeHead(dto); err != nil {
		return nil, err
	}

	head := &models.ChargeHead{SocietyID: societyID, IsActive: true}
	applyChargeHeadDTO(head, dto)

	if err := s.store.CreateChargeHead(ctx, head); err != nil {
		return nil, fmt.Errorf("ошибка при создании статьи начислений: %w", err)
	}
	return head, nil
}

// UpdateChargeHead изменяет статью начислений
func (s *RuleStore) UpdateChargeHead(ctx context.Context, societyID, headID uint, dto ChargeHeadDTO) (*models.ChargeHead, error) {
	if err := validateStruct(s.validator, dto); err != nil {
		return nil, err
	}
	if err := validateChargeHead(dto); err != nil {
		return nil, err
	}

	head, err := s.store.GetChargeHead(ctx, headID)
	if err != nil {
		return nil, err
	}
	if head.SocietyID != societyID {
		return nil, ErrNotFound
	}

	applyChargeHeadDTO(head, dto)
	if err := s.store.SaveChargeHead(ctx, head); err != nil {
		return nil, fmt.Errorf("ошибка при сохранении статьи начислений: %w", err)
	}
	return head, nil
}

// DeactivateChargeHead отключает статью начислений
func (s *RuleStore) DeactivateChargeHead(ctx context.Context, societyID, headID uint) (*models.ChargeHead, error) {
	head, err := s.store.GetChargeHead(ctx, headID)
	if err != nil {
		return nil, err
	}
	if head.SocietyID != societyID {
		return nil, ErrNotFound
	}

	head.IsActive = false
	if err := s.store.SaveChargeHead(ctx, head); err != nil {
		return nil, fmt.Errorf("ошибка при отключении статьи начислений: %w", err)
	}
	return head, nil
}

// UpdateLateFeeConfig создает или заменяет политику пени комплекса
func (s *RuleStore) UpdateLateFeeConfig(ctx context.Context, societyID uint, dto LateFeeConfigDTO) (*models.LateFeeConfig, error) {
	if err := validateStruct(s.validator, dto); err != nil {
		return nil, err
	}
	if dto.Amount.IsNegative() {
		return nil, newValidationError("поле amount не может быть отрицательным")
	}
	if dto.FeeType == models.LateFeeTypePercentage && dto.Amount.GreaterThan(decimal.NewFromInt(100)) {
		return nil, newValidationError("процент пени не может превышать 100")
	}
	if dto.MaxCap != nil && !dto.MaxCap.IsPositive() {
		return nil, newValidationError("поле maxCap должно быть больше 0")
	}

	cfg, err := s.store.GetLateFeeConfig(ctx, societyID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("ошибка при получении политики пени: %w", err)
		}
		cfg = &models.LateFeeConfig{SocietyID: societyID}
	}

	cfg.IsActive = dto.IsActive
	cfg.GracePeriodDays = dto.GracePeriodDays
	cfg.FeeType = dto.FeeType
	cfg.Amount = utils.RoundMoney(dto.Amount)
	cfg.MaxCap = decimal.NullDecimal{}
	if dto.MaxCap != nil {
		cfg.MaxCap = decimal.NewNullDecimal(utils.RoundMoney(*dto.MaxCap))
	}

	if err := s.store.SaveLateFeeConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ошибка при сохранении политики пени: %w", err)
	}

	utils.LogInfo("Политика пени комплекса %d обновлена: %s %s, льготный период %d дн.",
		societyID, cfg.FeeType, cfg.Amount.String(), cfg.GracePeriodDays)
	return cfg, nil
}

// UpdateBillingSettings меняет день оплаты; действует для будущих счетов
func (s *RuleStore) UpdateBillingSettings(ctx context.Context, societyID uint, dto BillingSettingsDTO) (*models.Society, error) {
	if err := validateStruct(s.validator, dto); err != nil {
		return nil, err
	}

	society, err := s.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}

	society.DueDayOfMonth = dto.DueDayOfMonth
	if err := s.store.SaveSociety(ctx, society); err != nil {
		return nil, fmt.Errorf("ошибка при сохранении настроек комплекса: %w", err)
	}
	return society, nil
}
