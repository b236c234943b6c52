// Package factory constructs configured adapters from a backend descriptor,
// validates the descriptor up front, and scores candidate backends against
// stated non-functional requirements. Construction is the only place a
// concrete relational driver (lib/pq) is named; the adapter itself only sees
// database/sql.
package factory

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	_ "github.com/lib/pq"

	"github.com/stratumdb/stratum/internal/embedded"
	"github.com/stratumdb/stratum/internal/memstore"
	"github.com/stratumdb/stratum/internal/observability"
	"github.com/stratumdb/stratum/internal/sqlstore"
	"github.com/stratumdb/stratum/internal/storage"
)

// BackendType discriminates the adapter selected by a BackendConfig.
type BackendType string

const (
	Memory     BackendType = "memory"
	Embedded   BackendType = "embedded"
	Relational BackendType = "relational"
)

// BackendConfig is the discriminated backend descriptor. Only the fields of
// the selected type are consulted.
type BackendConfig struct {
	Type BackendType `yaml:"type"`

	// Relational.
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`
	PoolSize int    `yaml:"poolSize,omitempty"`

	// Embedded.
	Path string `yaml:"path,omitempty"`
}

// Validate checks the descriptor for the selected type and aggregates every
// failure instead of stopping at the first. The returned error wraps a
// storage VALIDATION_ERROR.
func Validate(cfg BackendConfig) error {
	var errs *multierror.Error

	switch cfg.Type {
	case Memory:
		// Nothing required.
	case Embedded:
		if cfg.Path == "" {
			errs = multierror.Append(errs, fmt.Errorf("embedded backend requires path"))
		}
	case Relational:
		if cfg.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("relational backend requires host"))
		}
		if cfg.Database == "" {
			errs = multierror.Append(errs, fmt.Errorf("relational backend requires database"))
		}
		if cfg.Username == "" {
			errs = multierror.Append(errs, fmt.Errorf("relational backend requires username"))
		}
		if cfg.Port < 0 || cfg.Port > 65535 {
			errs = multierror.Append(errs, fmt.Errorf("relational backend port %d out of range", cfg.Port))
		}
	case "":
		errs = multierror.Append(errs, fmt.Errorf("backend type is required"))
	default:
		errs = multierror.Append(errs, fmt.Errorf("unsupported backend type %q", cfg.Type))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return storage.NewError(storage.CodeValidation, "validate", "", err)
	}
	return nil
}

// New validates the descriptor and constructs the matching adapter. The
// adapter is returned disconnected; callers Connect it themselves.
func New(cfg BackendConfig, log *observability.Logger) (storage.Backend, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case Memory:
		return memstore.New(log), nil
	case Embedded:
		return embedded.New(cfg.Path, log), nil
	case Relational:
		return sqlstore.New(sqlstore.Config{
			Driver:       "postgres",
			DSN:          postgresDSN(cfg),
			MaxOpenConns: cfg.PoolSize,
		}, log), nil
	}
	return nil, storage.NewError(storage.CodeValidation, "new", "",
		fmt.Errorf("unsupported backend type %q", cfg.Type))
}

func postgresDSN(cfg BackendConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		cfg.Host, port, cfg.Database, cfg.Username, sslmode)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	return dsn
}
