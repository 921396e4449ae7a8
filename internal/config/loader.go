package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/journaled/internal/db"
	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/journal"

	"github.com/spf13/viper"
)

// Drivers accepted by database.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Journal    JournalConfig
	Activity   ActivityConfig
	Formatters map[domain.EntityKind]map[string]domain.FormatterTag
}

type DatabaseConfig struct {
	Driver     string
	Postgres   db.Config
	SQLitePath string
	Migrate    bool
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type JournalConfig struct {
	MaxRetries     int
	ExcludedFields []string
	Collections    []CollectionConfig
}

// CollectionConfig describes a journaled collection. Key and Value are empty
// for plain sets such as tags.
type CollectionConfig struct {
	Name  string
	Key   string
	Value string
}

// ParseCollection reads "name" or "name:key_field:value_field".
func ParseCollection(value string) (CollectionConfig, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return CollectionConfig{Name: parts[0]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "":
		return CollectionConfig{Name: parts[0], Key: parts[1], Value: parts[2]}, nil
	}
	return CollectionConfig{}, fmt.Errorf("%w: collection %q must look like name or name:key:value", domain.ErrValidation, value)
}

type ActivityConfig struct {
	Brokers    []string
	Topic      string
	BufferSize int
}

// FormatterRegistry builds the registry described by the formatters section.
func (c Config) FormatterRegistry() *domain.FormatterRegistry {
	registry := domain.NewFormatterRegistry()
	for kind, fields := range c.Formatters {
		registry.Register(kind, fields)
	}
	return registry
}

func setDefaults(v *viper.Viper) {
	pg := db.DefaultConfig()
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", pg.Host)
	v.SetDefault("database.port", pg.Port)
	v.SetDefault("database.user", pg.User)
	v.SetDefault("database.password", pg.Password)
	v.SetDefault("database.dbname", pg.DBName)
	v.SetDefault("database.sslmode", pg.SSLMode)
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.sqlite_path", "journaled.db")
	v.SetDefault("database.migrate", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("journal.max_retries", 3)
	v.SetDefault("journal.excluded_fields", journal.DefaultExcludedFields)
	v.SetDefault("journal.collections", []string{"tags", "custom_values:custom_field_id:value"})

	v.SetDefault("activity.brokers", []string{})
	v.SetDefault("activity.topic", "journal.activity")
	v.SetDefault("activity.buffer_size", 256)
}

// Load reads config.yaml from path (a directory or a file), then applies
// JOURNAL_* environment overrides, e.g. JOURNAL_DATABASE_HOST. A missing
// file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		v.SetConfigFile(path)
	default:
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if path == "" {
			path = "."
		}
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("JOURNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("no config file found, using defaults and env vars", "path", path)
	} else {
		slog.Debug("loaded config file", "file", v.ConfigFileUsed())
	}

	cfg := Config{
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			Postgres: db.Config{
				Host:     v.GetString("database.host"),
				Port:     v.GetInt("database.port"),
				User:     v.GetString("database.user"),
				Password: v.GetString("database.password"),
				DBName:   v.GetString("database.dbname"),
				SSLMode:  v.GetString("database.sslmode"),
				MaxConns: v.GetInt32("database.max_conns"),
			},
			SQLitePath: v.GetString("database.sqlite_path"),
			Migrate:    v.GetBool("database.migrate"),
		},
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			AllowedOrigins: splitList(v.GetStringSlice("server.allowed_origins")),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			IdleTimeout:    v.GetDuration("server.idle_timeout"),
		},
		Journal: JournalConfig{
			MaxRetries:     v.GetInt("journal.max_retries"),
			ExcludedFields: splitList(v.GetStringSlice("journal.excluded_fields")),
		},
		Activity: ActivityConfig{
			Brokers:    splitList(v.GetStringSlice("activity.brokers")),
			Topic:      v.GetString("activity.topic"),
			BufferSize: v.GetInt("activity.buffer_size"),
		},
	}

	for _, raw := range splitList(v.GetStringSlice("journal.collections")) {
		collection, err := ParseCollection(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Journal.Collections = append(cfg.Journal.Collections, collection)
	}

	formatters, err := loadFormatters(v.GetStringMap("formatters"))
	if err != nil {
		return Config{}, err
	}
	cfg.Formatters = formatters

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDBConfig returns only the Postgres settings.
func LoadDBConfig(configPath string) (db.Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return db.Config{}, err
	}
	return cfg.Database.Postgres, nil
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("%w: unknown database driver %q", domain.ErrValidation, c.Database.Driver)
	}
	if c.Journal.MaxRetries < 0 {
		return fmt.Errorf("%w: journal.max_retries must not be negative", domain.ErrValidation)
	}
	return nil
}

func loadFormatters(raw map[string]any) (map[domain.EntityKind]map[string]domain.FormatterTag, error) {
	out := map[domain.EntityKind]map[string]domain.FormatterTag{}
	for kindName, value := range raw {
		kind, err := domain.ParseEntityKind(kindName)
		if err != nil {
			return nil, fmt.Errorf("formatters: %w", err)
		}
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: formatters.%s must map fields to formatter names", domain.ErrValidation, kindName)
		}
		out[kind] = map[string]domain.FormatterTag{}
		for field, tagValue := range fields {
			tag, err := domain.ParseFormatterTag(fmt.Sprint(tagValue))
			if err != nil {
				return nil, fmt.Errorf("formatters.%s.%s: %w", kindName, field, err)
			}
			out[kind][field] = tag
		}
	}
	return out, nil
}

// splitList also accepts comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
