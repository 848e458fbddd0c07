package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config представляет конфигурацию приложения
type Config struct {
	Server struct {
		Port         int
		OpsPort      int
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}
	DB struct {
		Host           string
		Port           int
		User           string
		Password       string
		DBName         string
		SSLMode        string
		MigrationsPath string
	}
	JWT struct {
		SecretKey string
	}
	SMTP struct {
		Enabled  bool
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		LockTTL  time.Duration
	}
	Billing struct {
		GenerationSchedule string // cron: ежемесячная генерация счетов
		ArrearsSchedule    string // cron: ночной пересчёт задолженности
		Workers            int
		MaxAttempts        int
		RetryBackoff       time.Duration
		StoreTimeout       time.Duration
		Location           *time.Location
	}
	Log struct {
		Level       string
		Development bool
	}
}

// NewConfig создает новый экземпляр конфигурации
func NewConfig() (*Config, error) {
	// .env необязателен, переменные окружения имеют приоритет
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{}

	// Настройки сервера
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.OpsPort = v.GetInt("OPS_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")

	// Настройки базы данных
	cfg.DB.Host = v.GetString("DB_HOST")
	cfg.DB.Port = v.GetInt("DB_PORT")
	cfg.DB.User = v.GetString("DB_USER")
	cfg.DB.Password = v.GetString("DB_PASSWORD")
	cfg.DB.DBName = v.GetString("DB_NAME")
	cfg.DB.SSLMode = v.GetString("DB_SSLMODE")
	cfg.DB.MigrationsPath = v.GetString("DB_MIGRATIONS_PATH")

	// Настройки JWT
	cfg.JWT.SecretKey = v.GetString("JWT_SECRET_KEY")

	// Настройки SMTP
	cfg.SMTP.Enabled = v.GetBool("SMTP_ENABLED")
	cfg.SMTP.Host = v.GetString("SMTP_HOST")
	cfg.SMTP.Port = v.GetInt("SMTP_PORT")
	cfg.SMTP.Username = v.GetString("SMTP_USERNAME")
	cfg.SMTP.Password = v.GetString("SMTP_PASSWORD")
	cfg.SMTP.From = v.GetString("SMTP_FROM")

	// Настройки Redis (пустой адрес отключает распределённую блокировку задач)
	cfg.Redis.Addr = v.GetString("REDIS_ADDR")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.LockTTL = v.GetDuration("REDIS_LOCK_TTL")

	// Настройки биллинга
	cfg.Billing.GenerationSchedule = v.GetString("BILLING_GENERATION_SCHEDULE")
	cfg.Billing.ArrearsSchedule = v.GetString("BILLING_ARREARS_SCHEDULE")
	cfg.Billing.Workers = v.GetInt("BILLING_WORKERS")
	cfg.Billing.MaxAttempts = v.GetInt("BILLING_MAX_ATTEMPTS")
	cfg.Billing.RetryBackoff = v.GetDuration("BILLING_RETRY_BACKOFF")
	cfg.Billing.StoreTimeout = v.GetDuration("BILLING_STORE_TIMEOUT")

	location, err := time.LoadLocation(v.GetString("BILLING_TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("неверный часовой пояс биллинга: %v", err)
	}
	cfg.Billing.Location = location

	// Настройки логирования
	cfg.Log.Level = strings.ToLower(v.GetString("LOG_LEVEL"))
	cfg.Log.Development = v.GetBool("LOG_DEVELOPMENT")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults задает значения по умолчанию
func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("OPS_PORT", 8081)
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "society_billing")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MIGRATIONS_PATH", "migrations")

	v.SetDefault("JWT_SECRET_KEY", "your-secret-key-here")

	v.SetDefault("SMTP_ENABLED", false)
	v.SetDefault("SMTP_HOST", "smtp.gmail.com")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USERNAME", "your-email@gmail.com")
	v.SetDefault("SMTP_PASSWORD", "your-app-password")
	v.SetDefault("SMTP_FROM", "your-email@gmail.com")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_LOCK_TTL", "30m")

	v.SetDefault("BILLING_GENERATION_SCHEDULE", "0 2 1 * *") // 02:00 первого числа
	v.SetDefault("BILLING_ARREARS_SCHEDULE", "30 1 * * *")   // 01:30 каждую ночь
	v.SetDefault("BILLING_WORKERS", 8)
	v.SetDefault("BILLING_MAX_ATTEMPTS", 3)
	v.SetDefault("BILLING_RETRY_BACKOFF", "2s")
	v.SetDefault("BILLING_STORE_TIMEOUT", "10s")
	v.SetDefault("BILLING_TIMEZONE", "Asia/Kolkata")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
}

// validate проверяет согласованность конфигурации
func (c *Config) validate() error {
	var problems []string

	if c.Server.Port <= 0 {
		problems = append(problems, "неверный порт сервера")
	}
	if c.Server.OpsPort <= 0 || c.Server.OpsPort == c.Server.Port {
		problems = append(problems, "неверный служебный порт")
	}
	if c.DB.Port <= 0 {
		problems = append(problems, "неверный порт базы данных")
	}
	if c.SMTP.Enabled && c.SMTP.Port <= 0 {
		problems = append(problems, "неверный порт SMTP")
	}
	if c.Billing.Workers < 1 {
		problems = append(problems, "BILLING_WORKERS должен быть не меньше 1")
	}
	if c.Billing.MaxAttempts < 1 {
		problems = append(problems, "BILLING_MAX_ATTEMPTS должен быть не меньше 1")
	}
	if c.Billing.StoreTimeout <= 0 {
		problems = append(problems, "BILLING_STORE_TIMEOUT должен быть положительным")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Billing.GenerationSchedule); err != nil {
		problems = append(problems, fmt.Sprintf("неверное расписание генерации счетов: %v", err))
	}
	if _, err := parser.Parse(c.Billing.ArrearsSchedule); err != nil {
		problems = append(problems, fmt.Sprintf("неверное расписание пересчёта задолженности: %v", err))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// DSN возвращает строку подключения к Postgres для GORM
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.DBName,
		c.DB.SSLMode,
	)
}

// MigrationURL возвращает URL базы данных для golang-migrate
func (c *Config) MigrationURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User,
		c.DB.Password,
		c.DB.Host,
		c.DB.Port,
		c.DB.DBName,
		c.DB.SSLMode,
	)
}
