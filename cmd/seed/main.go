// Package main implements a one-shot seed command that loads targets,
// communication methods, credentials and jobs into the Drover database from
// a YAML fixture. It lives inside the module so it can reach internal/*
// packages; credentials are sealed with the same key the daemon decrypts
// with.
//
// Usage:
//
//	go run ./cmd/seed --file fixtures/lab.yaml
//
// Environment variables:
//
//	DROVER_DB_DRIVER   sqlite or postgres (default: sqlite)
//	DROVER_DB_DSN      SQLite file path or Postgres DSN (default: ./drover.db)
//	DROVER_SECRET_KEY  32-byte encryption key — must match the daemon's,
//	                   otherwise the sealed credentials will be unreadable
//	                   at connection time.
//
// Fixture shape:
//
//	targets:
//	  - name: web-01
//	    os_type: linux
//	    methods:
//	      - type: ssh
//	        host: 10.0.0.11
//	        port: 22
//	        primary: true
//	        credentials:
//	          - type: password
//	            primary: true
//	            values: {username: ops, password: hunter2}
//	jobs:
//	  - name: Nightly patching
//	    created_by: admin
//	    targets: [web-01]
//	    actions:
//	      - name: Refresh package lists
//	        command: sudo apt-get update
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drover-io/drover/internal/credentials"
	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/repositories"
)

// fixture is the root of the YAML document.
type fixture struct {
	Targets []fixtureTarget `yaml:"targets"`
	Jobs    []fixtureJob    `yaml:"jobs"`
}

type fixtureTarget struct {
	Name    string          `yaml:"name"`
	OSType  string          `yaml:"os_type"`
	Active  *bool           `yaml:"active"` // nil means true
	Methods []fixtureMethod `yaml:"methods"`
}

type fixtureMethod struct {
	Type        string              `yaml:"type"` // "ssh", "winrm"
	Host        string              `yaml:"host"`
	Port        int                 `yaml:"port"` // 0 means protocol default
	Primary     bool                `yaml:"primary"`
	Active      *bool               `yaml:"active"` // nil means true
	Priority    int                 `yaml:"priority"`
	Credentials []fixtureCredential `yaml:"credentials"`
}

type fixtureCredential struct {
	Type    string            `yaml:"type"` // "password", "ssh_key"
	Primary bool              `yaml:"primary"`
	Values  map[string]string `yaml:"values"` // sealed before storage
}

type fixtureJob struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	CreatedBy   string          `yaml:"created_by"`
	Targets     []string        `yaml:"targets"` // by fixture target name
	ScheduledAt *time.Time      `yaml:"scheduled_at"`
	Actions     []fixtureAction `yaml:"actions"`
}

type fixtureAction struct {
	Name          string `yaml:"name"`
	Command       string `yaml:"command"`
	CaptureOutput *bool  `yaml:"capture_output"` // nil means true
}

func main() {
	_ = godotenv.Load(".env")

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	file := flag.String("file", "", "YAML fixture to load (required)")
	flag.Parse()

	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	driver := envOrDefault("DROVER_DB_DRIVER", "sqlite")
	dsn := envOrDefault("DROVER_DB_DSN", "./drover.db")

	secretKey := os.Getenv("DROVER_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"DROVER_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the daemon, otherwise the\n" +
				"  sealed credentials will be unreadable at connection time.",
		)
	}
	sealer, err := credentials.NewAESGCM([]byte(secretKey))
	if err != nil {
		return err
	}

	// ─── Fixture ──────────────────────────────────────────────────────────────

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	if err := validateFixture(&fx); err != nil {
		return err
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	targetRepo := repositories.NewTargetRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	ctx := context.Background()

	// ─── Targets ──────────────────────────────────────────────────────────────

	idByName := make(map[string]uint64, len(fx.Targets))
	for _, ft := range fx.Targets {
		target := &db.Target{
			Name:     ft.Name,
			OSType:   ft.OSType,
			IsActive: boolOr(ft.Active, true),
		}
		if err := targetRepo.Create(ctx, target); err != nil {
			return fmt.Errorf("create target %q: %w", ft.Name, err)
		}
		idByName[ft.Name] = target.ID

		for _, fm := range ft.Methods {
			cfg, err := methodConfig(fm.Host, fm.Port)
			if err != nil {
				return fmt.Errorf("target %q: method %s: %w", ft.Name, fm.Type, err)
			}
			method := &db.CommunicationMethod{
				TargetID:   target.ID,
				MethodType: fm.Type,
				IsPrimary:  fm.Primary,
				IsActive:   boolOr(fm.Active, true),
				Priority:   fm.Priority,
				Config:     cfg,
			}
			if err := targetRepo.CreateMethod(ctx, method); err != nil {
				return fmt.Errorf("target %q: create method %s: %w", ft.Name, fm.Type, err)
			}

			for _, fc := range fm.Credentials {
				blob, err := sealer.Seal(fc.Values)
				if err != nil {
					return fmt.Errorf("target %q: seal %s credential: %w", ft.Name, fc.Type, err)
				}
				cred := &db.Credential{
					CommunicationMethodID: method.ID,
					CredentialType:        fc.Type,
					EncryptedCredentials:  blob,
					IsPrimary:             fc.Primary,
				}
				if err := targetRepo.CreateCredential(ctx, cred); err != nil {
					return fmt.Errorf("target %q: create credential: %w", ft.Name, err)
				}
			}
		}

		fmt.Printf("✓ Target %s (%s): %d method(s)\n", target.Serial, target.Name, len(ft.Methods))
	}

	// ─── Jobs ─────────────────────────────────────────────────────────────────

	for _, fj := range fx.Jobs {
		targetIDs := make([]uint64, 0, len(fj.Targets))
		for _, name := range fj.Targets {
			id, ok := idByName[name]
			if !ok {
				return fmt.Errorf("job %q references unknown target %q", fj.Name, name)
			}
			targetIDs = append(targetIDs, id)
		}

		actions := make([]repositories.NewAction, len(fj.Actions))
		for i, fa := range fj.Actions {
			cfg := map[string]any{}
			if fa.CaptureOutput != nil {
				cfg["captureOutput"] = *fa.CaptureOutput
			}
			actions[i] = repositories.NewAction{
				Name:       fa.Name,
				Type:       db.JobTypeCommand,
				Parameters: map[string]any{"command": fa.Command},
				Config:     cfg,
			}
		}

		job, err := jobRepo.Create(ctx, repositories.NewJob{
			Name:        fj.Name,
			Description: fj.Description,
			JobType:     db.JobTypeCommand,
			Actions:     actions,
			TargetIDs:   targetIDs,
			ScheduledAt: fj.ScheduledAt,
		}, fj.CreatedBy)
		if err != nil {
			return fmt.Errorf("create job %q: %w", fj.Name, err)
		}

		fmt.Printf("✓ Job %s (%s): %d action(s), %d target(s)\n",
			job.Serial, job.Name, len(job.Actions), len(job.Targets))
	}

	fmt.Printf("✓ Seeded %d target(s), %d job(s)\n", len(fx.Targets), len(fx.Jobs))
	return nil
}

// validateFixture catches the mistakes that would otherwise surface as
// confusing engine errors at execution time.
func validateFixture(fx *fixture) error {
	seen := make(map[string]struct{}, len(fx.Targets))
	for _, ft := range fx.Targets {
		if ft.Name == "" {
			return fmt.Errorf("fixture: every target needs a name")
		}
		if _, dup := seen[ft.Name]; dup {
			return fmt.Errorf("fixture: duplicate target name %q", ft.Name)
		}
		seen[ft.Name] = struct{}{}

		for _, fm := range ft.Methods {
			if fm.Type == "" || fm.Host == "" {
				return fmt.Errorf("fixture: target %q: methods need a type and a host", ft.Name)
			}
			for _, fc := range fm.Credentials {
				switch fc.Type {
				case credentials.TypePassword, credentials.TypeSSHKey:
				default:
					return fmt.Errorf("fixture: target %q: unknown credential type %q", ft.Name, fc.Type)
				}
				if len(fc.Values) == 0 {
					return fmt.Errorf("fixture: target %q: credential has no values", ft.Name)
				}
			}
		}
	}
	for _, fj := range fx.Jobs {
		if fj.Name == "" {
			return fmt.Errorf("fixture: every job needs a name")
		}
		if len(fj.Targets) == 0 {
			return fmt.Errorf("fixture: job %q needs at least one target", fj.Name)
		}
		if len(fj.Actions) == 0 {
			return fmt.Errorf("fixture: job %q needs at least one action", fj.Name)
		}
		for i, fa := range fj.Actions {
			if fa.Name == "" || fa.Command == "" {
				return fmt.Errorf("fixture: job %q: action %d needs a name and a command", fj.Name, i+1)
			}
		}
	}
	return nil
}

// methodConfig encodes the host/port pair the way the engine's Endpoint
// reader expects.
func methodConfig(host string, port int) (string, error) {
	b, err := json.Marshal(db.EndpointConfig{Host: host, Port: port})
	if err != nil {
		return "", fmt.Errorf("encode method config: %w", err)
	}
	return string(b), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
