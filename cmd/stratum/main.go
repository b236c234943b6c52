// Package main is the stratum command line tool.
//
// Usage:
//
//	stratum info       — backend contents and health
//	stratum backup     — write a snapshot to a JSON file
//	stratum restore    — replay a snapshot file
//	stratum recommend  — rank backends for a set of requirements
//	stratum version    — print version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/stratumdb/stratum/internal/compliance"
	"github.com/stratumdb/stratum/internal/factory"
	"github.com/stratumdb/stratum/internal/observability"
	"github.com/stratumdb/stratum/internal/storage"
)

const (
	version = "0.1.0"
	appName = "stratum"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "info":
		err = runInfo(args)
	case "backup":
		err = runBackup(args)
	case "restore":
		err = runRestore(args)
	case "recommend":
		err = runRecommend(args)
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — backend-agnostic storage engine

Usage:
  %s <command> [flags]

Commands:
  info       Show backend contents, health and metrics
  backup     Write a snapshot of all tables to a JSON file
  restore    Replay a snapshot file into the backend
  recommend  Rank backends for a set of requirements
  version    Print version

Environment variables:
  STRATUM_CONFIG     Config file path (default: stratum.yaml if present)
  STRATUM_BACKEND    Backend type: memory, embedded, relational
  STRATUM_PATH       Database file path (embedded backend)
  STRATUM_HOST       Database host (relational backend)
  STRATUM_PORT       Database port
  STRATUM_DATABASE   Database name
  STRATUM_USERNAME   Database user
  STRATUM_PASSWORD   Database password

`, appName, version, appName)
}

// fileConfig is the on-disk YAML layout: a backend section and an optional
// compliance section.
type fileConfig struct {
	Backend    factory.BackendConfig `yaml:"backend"`
	Compliance compliance.Config     `yaml:"compliance"`
}

// loadConfig reads the YAML config file (when present) and applies
// environment variable overrides on top.
func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		Backend: factory.BackendConfig{Type: factory.Memory},
	}

	if path == "" {
		path = os.Getenv("STRATUM_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("stratum.yaml"); err == nil {
			path = "stratum.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("STRATUM_BACKEND"); v != "" {
		cfg.Backend.Type = factory.BackendType(v)
	}
	if v := os.Getenv("STRATUM_PATH"); v != "" {
		cfg.Backend.Path = v
	}
	if v := os.Getenv("STRATUM_HOST"); v != "" {
		cfg.Backend.Host = v
	}
	if v := os.Getenv("STRATUM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Backend.Port = port
		}
	}
	if v := os.Getenv("STRATUM_DATABASE"); v != "" {
		cfg.Backend.Database = v
	}
	if v := os.Getenv("STRATUM_USERNAME"); v != "" {
		cfg.Backend.Username = v
	}
	if v := os.Getenv("STRATUM_PASSWORD"); v != "" {
		cfg.Backend.Password = v
	}
	if v := os.Getenv("STRATUM_ENCRYPTION_KEY"); v != "" {
		cfg.Compliance.EncryptionKey = v
	}

	return cfg, nil
}

// openBackend validates the config, builds the adapter, wraps it in the
// compliance layer and connects it.
func openBackend(ctx context.Context, cfg fileConfig) (storage.Backend, error) {
	if err := factory.Validate(cfg.Backend); err != nil {
		return nil, err
	}

	log := observability.NewLogger(appName, os.Stderr)
	backend, err := factory.New(cfg.Backend, log)
	if err != nil {
		return nil, err
	}

	wrapped, err := compliance.Wrap(backend, cfg.Compliance, log)
	if err != nil {
		return nil, err
	}

	if err := wrapped.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s backend: %w", cfg.Backend.Type, err)
	}
	return wrapped, nil
}

func runInfo(args []string) error {
	fs := pflag.NewFlagSet("info", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file path")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	info, err := backend.Info(ctx)
	if err != nil {
		return err
	}
	health, err := backend.Health(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("backend:  %s\n", info.Backend)
	fmt.Printf("healthy:  %t (latency %s)\n", health.Healthy, health.Latency)
	fmt.Printf("records:  %d\n", info.TotalRecords)
	for table, count := range info.Tables {
		fmt.Printf("  %-16s %d\n", table, count)
	}
	return nil
}

func runBackup(args []string) error {
	fs := pflag.NewFlagSet("backup", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file path")
	out := fs.StringP("out", "o", "", "snapshot output file (default: snapshot-<id>.json)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	snap, err := backend.Backup(ctx)
	if err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("snapshot-%s.json", snap.ID)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	fmt.Printf("snapshot %s: %d records across %d tables → %s\n",
		snap.ID, snap.Metadata.TotalRecords, len(snap.Metadata.Tables), path)
	return nil
}

func runRestore(args []string) error {
	fs := pflag.NewFlagSet("restore", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file path")
	file := fs.StringP("file", "f", "", "snapshot file to restore (required)")
	overwrite := fs.Bool("overwrite", false, "clear target tables before restoring")
	tables := fs.StringSlice("tables", nil, "restore only these tables")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap storage.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	opts := storage.RestoreOptions{Tables: *tables, Overwrite: *overwrite}
	if err := backend.Restore(ctx, &snap, opts); err != nil {
		return err
	}

	fmt.Printf("restored snapshot %s (%d records)\n", snap.ID, snap.Metadata.TotalRecords)
	return nil
}

func runRecommend(args []string) error {
	fs := pflag.NewFlagSet("recommend", pflag.ExitOnError)
	environment := fs.String("environment", "server", "deployment environment: server, edge, test")
	dataSize := fs.String("data-size", "medium", "expected data volume: low, medium, high")
	queries := fs.String("queries", "medium", "query complexity: low, medium, high")
	scalability := fs.String("scalability", "low", "scalability need: low, medium, high")
	persistence := fs.Bool("persistence", true, "data must survive restarts")
	consistency := fs.String("consistency", "medium", "transactional consistency need: low, medium, high")
	budget := fs.String("budget", "medium", "infrastructure budget: low, medium, high")
	fs.Parse(args)

	req := factory.Requirements{
		Environment:     *environment,
		DataSize:        factory.Tier(*dataSize),
		QueryComplexity: factory.Tier(*queries),
		Scalability:     factory.Tier(*scalability),
		Persistence:     *persistence,
		Consistency:     factory.Tier(*consistency),
		Budget:          factory.Tier(*budget),
	}

	for i, rec := range factory.Recommend(req) {
		marker := "  "
		if i == 0 {
			marker = "→ "
		}
		fmt.Printf("%s%-12s score %d\n", marker, rec.Backend, rec.Score)
		for _, r := range rec.Reasons {
			fmt.Printf("      + %s\n", r)
		}
		for _, w := range rec.Warnings {
			fmt.Printf("      ! %s\n", w)
		}
	}
	return nil
}
