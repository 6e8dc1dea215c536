package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
	// Zone names in AGGREGATE_TIMEZONE resolve without a system zoneinfo.
	_ "time/tzdata"
)

// ErrMissing is returned when a mandatory setting is absent.
var ErrMissing = errors.New("missing mandatory setting")

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// Database
	DBDriver   string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// DBMaxConns is the number of connections opened eagerly by the pool.
	DBMaxConns int
	// WorkerThreads is the number of dispatcher workers.
	WorkerThreads int

	// MQTT
	MQTTBroker     string
	MQTTPort       int
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTShareGroup string

	// Redis live state; disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LiveStateTTL  time.Duration

	// AggregateLocation is where daily aggregates start and end.
	AggregateLocation *time.Location
}

func LoadFromEnv() (Config, error) {
	appEnv := env("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:         appEnv,
		LogLevel:       level,
		HTTPAddr:       env("HTTP_ADDR", ":8080"),
		DBDriver:       env("DB_DRIVER", DriverPostgres),
		DBHost:         env("DB_HOST", ""),
		DBUser:         env("DB_USER", ""),
		DBPassword:     env("DB_PASSWORD", ""),
		DBName:         env("DB_NAME", ""),
		SQLitePath:     env("SQLITE_PATH", "../dev/sqlite/app.db"),
		MQTTBroker:     env("MQTT_BROKER", "localhost"),
		MQTTClientID:   env("MQTT_CLIENT_ID", "weather-collector"),
		MQTTUsername:   env("MQTT_USERNAME", ""),
		MQTTPassword:   env("MQTT_PASSWORD", ""),
		MQTTShareGroup: env("MQTT_SHARE_GROUP", ""),
		RedisAddr:      env("REDIS_ADDR", ""),
		RedisPassword:  env("REDIS_PASSWORD", ""),
	}

	switch cfg.DBDriver {
	case DriverPostgres:
		var missing []string
		for _, kv := range []struct{ key, val string }{
			{"DB_HOST", cfg.DBHost},
			{"DB_USER", cfg.DBUser},
			{"DB_PASSWORD", cfg.DBPassword},
			{"DB_NAME", cfg.DBName},
			{"DB_PORT", os.Getenv("DB_PORT")},
		} {
			if strings.TrimSpace(kv.val) == "" {
				missing = append(missing, kv.key)
			}
		}
		if len(missing) > 0 {
			return Config{}, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
		}
	case DriverSQLite:
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q (allowed: %s, %s)", cfg.DBDriver, DriverPostgres, DriverSQLite)
	}

	if cfg.DBPort, err = envInt("DB_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxConns, err = envPositiveInt("DB_MAX_CONNS", runtime.NumCPU()); err != nil {
		return Config{}, err
	}
	if cfg.WorkerThreads, err = envPositiveInt("WORKER_THREADS", runtime.NumCPU()); err != nil {
		return Config{}, err
	}
	if cfg.MQTTPort, err = envInt("MQTT_PORT", 1883); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	ttlStr := env("LIVE_STATE_TTL", "10m")
	cfg.LiveStateTTL, err = time.ParseDuration(ttlStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid LIVE_STATE_TTL %q: %w", ttlStr, err)
	}

	tz := env("AGGREGATE_TIMEZONE", "UTC")
	cfg.AggregateLocation, err = time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid AGGREGATE_TIMEZONE %q: %w", tz, err)
	}

	return cfg, nil
}

// PostgresURL builds the connection string used by every pooled connection.
// User and password are escaped, so any character is allowed in them.
func (c Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// envPositiveInt treats zero and negative values as "use the default",
// which is the detected core count for pool and worker sizes.
func envPositiveInt(key string, fallback int) (int, error) {
	n, err := envInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		n = fallback
	}
	if n <= 0 {
		n = 1
	}
	return n, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
