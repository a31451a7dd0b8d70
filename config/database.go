package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	godotenv.Load()
}

// DBSettings is the ledger database the migration writes into.
type DBSettings struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	TimeZone string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DBSettingsFromEnv reads DB_* variables. A host of the form /cloudsql/<instance> is
// dialed over the Cloud SQL unix socket.
func DBSettingsFromEnv() DBSettings {
	return DBSettings{
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
		Name:     os.Getenv("DB_NAME"),
		TimeZone: envOr("DB_TIME_ZONE", "Europe/Amsterdam"),

		// A run holds one connection for its batch transaction plus short reads for
		// lookups, so the pool stays small.
		MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

// DSN renders the go-sql-driver DSN. Dates in E-Boekhouden are local Dutch dates, so
// DATE columns are parsed in TimeZone.
func (s DBSettings) DSN() string {
	network, address := "tcp", s.Host+":"+s.Port
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		network, address = "unix", s.Host
	}
	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("charset", "utf8mb4")
	params.Set("multiStatements", "true")
	if s.TimeZone != "" {
		params.Set("loc", s.TimeZone)
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?%s", s.User, s.Password, network, address, s.Name, params.Encode())
}

// ConnectDatabaseWithRetry opens the database and installs the otel and tenant guard
// plugins. maxAttempts <= 0 retries until it succeeds, which is what the service wants
// while it already answers health checks; the CLIs give up.
func ConnectDatabaseWithRetry(maxAttempts int) error {
	settings := DBSettingsFromEnv()
	if settings.Name == "" {
		return errors.New("DB_NAME is not set")
	}

	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		conn, err := gorm.Open(mysql.Open(settings.DSN()), gormConfig())
		if err == nil {
			err = tunePool(conn, settings)
		}
		if err == nil {
			if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
				logg.WithFields(logrus.Fields{"field": "database"}).Warnf("otelgorm plugin not installed: %v", pluginErr)
			}
			if err = conn.Use(NewTenantGuardPlugin()); err == nil {
				db = conn
				logg.WithFields(logrus.Fields{"attempt": attempt, "database": settings.Name}).Info("connected to database")
				return nil
			}
		}
		lastErr = err
		sleep := backoff(attempt)
		logg.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).Warnf("database connect failed: %v", err)
		time.Sleep(sleep)
	}
	return fmt.Errorf("database: gave up after %d attempts: %w", maxAttempts, lastErr)
}

func tunePool(conn *gorm.DB, s DBSettings) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if s.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.MaxOpenConns)
	}
	if s.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(s.MaxIdleConns)
	}
	if s.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
	}
	if s.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
	}
	return sqlDB.Ping()
}

// backoff doubles from 2s and caps at 30s.
func backoff(attempt int) time.Duration {
	if attempt > 5 {
		return 30 * time.Second
	}
	d := time.Second << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormLogger(),
		NamingStrategy: &schema.NamingStrategy{
			SingularTable: false,
		},
	}
}

// gormLogger sends SQL logs through logrus. GORM_LOG_LEVEL=info logs every statement,
// which is useful when replaying a single mutation batch.
func gormLogger() logger.Interface {
	level := logger.Error
	switch strings.ToLower(strings.TrimSpace(os.Getenv("GORM_LOG_LEVEL"))) {
	case "silent":
		level = logger.Silent
	case "warn":
		level = logger.Warn
	case "info":
		level = logger.Info
	}
	slow := time.Duration(intFromEnv("GORM_SLOW_QUERY_MS", 1000)) * time.Millisecond
	return logger.New(logg.WithField("component", "gorm"), logger.Config{
		LogLevel:                  level,
		SlowThreshold:             slow,
		IgnoreRecordNotFoundError: true,
	})
}
