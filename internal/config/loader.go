package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"

	"github.com/caf-audit/cafsync/internal/db"
	"github.com/caf-audit/cafsync/internal/domain"
)

// RunConfig holds everything outside the database connection: where the
// snapshots live, where the field mapping artifact is, and how the optional
// history API is exposed.
type RunConfig struct {
	SnapshotPrefix string
	MappingPath    string
	MigrationsPath string
	EntitiesPath   string
	RowLimit       int
	ListenAddr     string
	AllowedOrigins []string
}

// DefaultRunConfig returns the defaults used when config.yaml is absent.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		SnapshotPrefix: "caf_",
		MappingPath:    "./mapping.csv",
		MigrationsPath: "./migrations",
		EntitiesPath:   "./entities.yaml",
		RowLimit:       0,
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

// Load reads config.yaml from configPath and merges it over the defaults,
// with environment overrides (CAFSYNC_DATABASE_HOST and friends).
func Load(configPath string) (db.Config, RunConfig, error) {
	dbCfg := db.DefaultConfig()
	runCfg := DefaultRunConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("CAFSYNC")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		log.Println("No config.yaml found, using defaults and env vars")
	} else {
		log.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		dbCfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		dbCfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		dbCfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		dbCfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		dbCfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		dbCfg.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("analysis.snapshot_prefix") {
		runCfg.SnapshotPrefix = v.GetString("analysis.snapshot_prefix")
	}
	if v.IsSet("analysis.mapping_path") {
		runCfg.MappingPath = v.GetString("analysis.mapping_path")
	}
	if v.IsSet("analysis.migrations_path") {
		runCfg.MigrationsPath = v.GetString("analysis.migrations_path")
	}
	if v.IsSet("analysis.entities_path") {
		runCfg.EntitiesPath = v.GetString("analysis.entities_path")
	}
	if v.IsSet("analysis.row_limit") {
		runCfg.RowLimit = v.GetInt("analysis.row_limit")
	}
	if v.IsSet("server.listen_addr") {
		runCfg.ListenAddr = v.GetString("server.listen_addr")
	}
	if v.IsSet("server.allowed_origins") {
		runCfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	return dbCfg, runCfg, nil
}

// LoadEntities reads the monitored entity types from a YAML file. The file
// has a single top-level `entities:` list.
func LoadEntities(path string) ([]domain.EntityConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read entities file %s: %w", path, err)
	}

	var entities []domain.EntityConfig
	if err := v.UnmarshalKey("entities", &entities); err != nil {
		return nil, fmt.Errorf("failed to parse entities file %s: %w", path, err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("entities file %s defines no entity types", path)
	}

	for _, entity := range entities {
		if err := entity.Validate(); err != nil {
			return nil, err
		}
	}

	return entities, nil
}
