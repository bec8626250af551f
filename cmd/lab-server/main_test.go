package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/labnet/labnet/internal/config"
	"github.com/labnet/labnet/internal/platform/db"
	"github.com/labnet/labnet/internal/platform/metrics"
	"github.com/labnet/labnet/internal/platform/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8000",
		Env:            "development",
		DefaultTenant:  "default",
		CORSOrigins:    []string{"http://localhost:3000"},
		MirrorTimeout:  time.Second,
		RequestTimeout: 5 * time.Second,
		LogLevel:       "info",
	}
}

func TestCommandTree(t *testing.T) {
	tests := []struct {
		name  string
		build func() interface{ Name() string }
	}{
		{"serve", func() interface{ Name() string } { return serveCmd() }},
		{"migrate", func() interface{ Name() string } { return migrateCmd() }},
		{"tenant", func() interface{ Name() string } { return tenantCmd() }},
		{"reconcile", func() interface{ Name() string } { return reconcileCmd() }},
	}
	for _, tt := range tests {
		if got := tt.build().Name(); got != tt.name {
			t.Errorf("expected command %q, got %q", tt.name, got)
		}
	}
}

func TestMigrateCmd_Flags(t *testing.T) {
	cmd := migrateCmd()
	for _, sub := range []string{"up", "status"} {
		c, _, err := cmd.Find([]string{sub})
		if err != nil || c.Name() != sub {
			t.Fatalf("missing subcommand %q: %v", sub, err)
		}
		schema, err := c.Flags().GetString("schema")
		if err != nil || schema != "tenant_default" {
			t.Errorf("%s: unexpected --schema default %q (%v)", sub, schema, err)
		}
		if c.Flags().Lookup("dir") == nil {
			t.Errorf("%s: missing --dir flag", sub)
		}
	}
}

func TestTenantCreate_RequiresName(t *testing.T) {
	cmd := tenantCmd()
	cmd.SetArgs([]string{"create"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--name") {
		t.Fatalf("expected --name error, got %v", err)
	}
}

func TestReconcileCmd_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing tenant", []string{"--collaboration", "7a1c2f4e-0000-4000-8000-000000000001"}, "--tenant"},
		{"bad id", []string{"--tenant", "laba", "--collaboration", "nope"}, "--collaboration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := reconcileCmd()
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestNewMigrator_Dir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_only.sql"), []byte("SELECT 1;"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	migs, err := newMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) != 1 || migs[0].Name != "001_only.sql" {
		t.Fatalf("unexpected migrations: %+v", migs)
	}
}

func TestNewMigrator_Embedded(t *testing.T) {
	migs, err := newMigrator(nil, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) < 3 {
		t.Fatalf("expected embedded migrations, got %d", len(migs))
	}
	if migs[0].Name != "001_collaboration.sql" {
		t.Errorf("unexpected first migration %q", migs[0].Name)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "tenant_laba", []db.MigrationStatus{
		{Version: 1, Name: "001_collaboration.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_outsource_tracker.sql"},
	})
	out := buf.String()
	for _, want := range []string{"tenant_laba", "applied", "2024-03-01 09:00:00", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("expected b, got %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestNewServer_PublicEndpoints(t *testing.T) {
	cfg := testConfig()
	reg := metrics.NewRegistry()
	hub := websocket.NewHub(zerolog.Nop())
	engine := newEngine(nil, cfg, zerolog.Nop(), metrics.NewSyncMetrics(reg), hub)
	e := newServer(cfg, zerolog.Nop(), nil, engine, hub, reg)

	for _, path := range []string{"/health", "/metrics"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestNewServer_Routes(t *testing.T) {
	cfg := testConfig()
	hub := websocket.NewHub(zerolog.Nop())
	e := newServer(cfg, zerolog.Nop(), nil, newEngine(nil, cfg, zerolog.Nop(), nil, hub), hub, nil)

	routes := make(map[string]bool)
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/db",
		"POST /api/v1/collaborations",
		"POST /api/v1/trackers/:id/transitions",
		"GET /api/v1/events",
	} {
		if !routes[want] {
			t.Errorf("missing route %s", want)
		}
	}
	if routes["GET /metrics"] {
		t.Error("metrics route registered without a registry")
	}
}
