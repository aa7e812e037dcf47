package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"advisly/booking/internal/domain"
)

type Config struct {
	ProviderBaseURL string
	ProviderToken   string
	ProviderTimeout time.Duration

	QuotaDailyLimit  int
	RateMinInterval  time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	ListMaxPages     int
	ListPageSize     int

	BrowseTTL         time.Duration
	CacheDatabaseURL  string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	WorkdayOpen  domain.Clock
	WorkdayClose domain.Clock
	Timezone     *time.Location

	SlotDuration time.Duration
	ScanStep     time.Duration
	LockTTL      time.Duration

	LogLevel string
}

func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADVISLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider.base_url", "https://www.googleapis.com/calendar/v3")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("quota.daily_limit", 5000)
	v.SetDefault("rate.min_interval", "300ms")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("list.max_pages", 10)
	v.SetDefault("list.page_size", 250)
	v.SetDefault("cache.browse_ttl", "10m")
	v.SetDefault("cache.database_url", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("workday.open", "08:00")
	v.SetDefault("workday.close", "20:00")
	v.SetDefault("workday.timezone", "UTC")
	v.SetDefault("slots.duration", "2h")
	v.SetDefault("slots.step", "30m")
	v.SetDefault("lock.ttl", "5m")
	v.SetDefault("log.level", "info")

	_ = v.BindEnv("provider.base_url", "ADVISLY_PROVIDER_BASE_URL")
	_ = v.BindEnv("provider.token", "ADVISLY_PROVIDER_TOKEN", "CALENDAR_TOKEN")
	_ = v.BindEnv("provider.timeout", "ADVISLY_PROVIDER_TIMEOUT")
	_ = v.BindEnv("quota.daily_limit", "ADVISLY_QUOTA_DAILY_LIMIT")
	_ = v.BindEnv("rate.min_interval", "ADVISLY_RATE_MIN_INTERVAL")
	_ = v.BindEnv("retry.max_attempts", "ADVISLY_RETRY_MAX_ATTEMPTS")
	_ = v.BindEnv("retry.base_delay", "ADVISLY_RETRY_BASE_DELAY")
	_ = v.BindEnv("list.max_pages", "ADVISLY_LIST_MAX_PAGES")
	_ = v.BindEnv("list.page_size", "ADVISLY_LIST_PAGE_SIZE")
	_ = v.BindEnv("cache.browse_ttl", "ADVISLY_CACHE_BROWSE_TTL")
	_ = v.BindEnv("cache.database_url", "ADVISLY_CACHE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("database.max_open_conns", "ADVISLY_DATABASE_MAX_OPEN_CONNS")
	_ = v.BindEnv("database.max_idle_conns", "ADVISLY_DATABASE_MAX_IDLE_CONNS")
	_ = v.BindEnv("database.conn_max_lifetime", "ADVISLY_DATABASE_CONN_MAX_LIFETIME")
	_ = v.BindEnv("database.conn_max_idle_time", "ADVISLY_DATABASE_CONN_MAX_IDLE_TIME")
	_ = v.BindEnv("workday.open", "ADVISLY_WORKDAY_OPEN")
	_ = v.BindEnv("workday.close", "ADVISLY_WORKDAY_CLOSE")
	_ = v.BindEnv("workday.timezone", "ADVISLY_WORKDAY_TIMEZONE", "TZ")
	_ = v.BindEnv("slots.duration", "ADVISLY_SLOTS_DURATION")
	_ = v.BindEnv("slots.step", "ADVISLY_SLOTS_STEP")
	_ = v.BindEnv("lock.ttl", "ADVISLY_LOCK_TTL")
	_ = v.BindEnv("log.level", "ADVISLY_LOG_LEVEL", "LOG_LEVEL")

	providerTimeout, err := time.ParseDuration(v.GetString("provider.timeout"))
	if err != nil {
		return Config{}, err
	}
	minInterval, err := time.ParseDuration(v.GetString("rate.min_interval"))
	if err != nil {
		return Config{}, err
	}
	baseDelay, err := time.ParseDuration(v.GetString("retry.base_delay"))
	if err != nil {
		return Config{}, err
	}
	browseTTL, err := time.ParseDuration(v.GetString("cache.browse_ttl"))
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		return Config{}, err
	}
	connMaxIdleTime, err := time.ParseDuration(v.GetString("database.conn_max_idle_time"))
	if err != nil {
		return Config{}, err
	}
	slotDuration, err := time.ParseDuration(v.GetString("slots.duration"))
	if err != nil {
		return Config{}, err
	}
	scanStep, err := time.ParseDuration(v.GetString("slots.step"))
	if err != nil {
		return Config{}, err
	}
	lockTTL, err := time.ParseDuration(v.GetString("lock.ttl"))
	if err != nil {
		return Config{}, err
	}

	open, err := domain.ParseClock(v.GetString("workday.open"))
	if err != nil {
		return Config{}, err
	}
	closeAt, err := domain.ParseClock(v.GetString("workday.close"))
	if err != nil {
		return Config{}, err
	}

	tz, err := time.LoadLocation(v.GetString("workday.timezone"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		ProviderBaseURL:   strings.TrimRight(v.GetString("provider.base_url"), "/"),
		ProviderToken:     v.GetString("provider.token"),
		ProviderTimeout:   providerTimeout,
		QuotaDailyLimit:   v.GetInt("quota.daily_limit"),
		RateMinInterval:   minInterval,
		RetryMaxAttempts:  v.GetInt("retry.max_attempts"),
		RetryBaseDelay:    baseDelay,
		ListMaxPages:      v.GetInt("list.max_pages"),
		ListPageSize:      v.GetInt("list.page_size"),
		BrowseTTL:         browseTTL,
		CacheDatabaseURL:  v.GetString("cache.database_url"),
		DBMaxOpenConns:    v.GetInt("database.max_open_conns"),
		DBMaxIdleConns:    v.GetInt("database.max_idle_conns"),
		DBConnMaxLifetime: connMaxLifetime,
		DBConnMaxIdleTime: connMaxIdleTime,
		WorkdayOpen:       open,
		WorkdayClose:      closeAt,
		Timezone:          tz,
		SlotDuration:      slotDuration,
		ScanStep:          scanStep,
		LockTTL:           lockTTL,
		LogLevel:          v.GetString("log.level"),
	}, nil
}
