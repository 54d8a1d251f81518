package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Agent.Provider != "claude" {
		t.Errorf("Agent.Provider = %q, want %q", cfg.Agent.Provider, "claude")
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite3")
	}
	if cfg.Pool.CoalesceMs != 50 {
		t.Errorf("Pool.CoalesceMs = %d, want 50", cfg.Pool.CoalesceMs)
	}
	if got := cfg.Pool.Heartbeat(); got != 30*time.Second {
		t.Errorf("Pool.Heartbeat() = %v, want 30s", got)
	}
	if got := cfg.Relay.HandshakeTimeout(); got != 30*time.Second {
		t.Errorf("Relay.HandshakeTimeout() = %v, want 30s", got)
	}
	if strings.HasPrefix(cfg.Dirs.SessionRoot, "~") {
		t.Errorf("Dirs.SessionRoot = %q, want home expansion", cfg.Dirs.SessionRoot)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AGENTDECK_SERVER_PORT", "9123")
	t.Setenv("AGENTDECK_AGENT_PERMISSION_MODE", "accept-edits")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}

	if cfg.Server.Port != 9123 {
		t.Errorf("Server.Port = %d, want 9123", cfg.Server.Port)
	}
	if cfg.Agent.PermissionMode != "accept-edits" {
		t.Errorf("Agent.PermissionMode = %q, want %q", cfg.Agent.PermissionMode, "accept-edits")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server:\n  port: 9200\npool:\n  maxHistory: 500\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath() error = %v", err)
	}

	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Pool.MaxHistory != 500 {
		t.Errorf("Pool.MaxHistory = %d, want 500", cfg.Pool.MaxHistory)
	}
	// Unset keys keep defaults
	if cfg.Pool.HeartbeatSec != 30 {
		t.Errorf("Pool.HeartbeatSec = %d, want 30", cfg.Pool.HeartbeatSec)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "bad permission mode",
			env:  map[string]string{"AGENTDECK_AGENT_PERMISSION_MODE": "yolo"},
			want: "agent.permissionMode",
		},
		{
			name: "bad port",
			env:  map[string]string{"AGENTDECK_SERVER_PORT": "0"},
			want: "server.port",
		},
		{
			name: "pgx without dsn",
			env:  map[string]string{"AGENTDECK_DB_DRIVER": "pgx"},
			want: "database.dsn",
		},
		{
			name: "unknown driver",
			env:  map[string]string{"AGENTDECK_DB_DRIVER": "mysql"},
			want: "database.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadWithPath(t.TempDir())
			if err == nil {
				t.Fatal("LoadWithPath() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	if got := expandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("expandHome(~/x) = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("expandHome(/abs/path) = %q", got)
	}
	if got := expandHome(""); got != "" {
		t.Errorf("expandHome(\"\") = %q", got)
	}
}

func TestDatabaseConfig_SQLitePath(t *testing.T) {
	d := &DatabaseConfig{}
	if got := d.SQLitePath("/data"); got != filepath.Join("/data", "agentdeck.db") {
		t.Errorf("SQLitePath() = %q", got)
	}

	d.Path = "/elsewhere/db.sqlite"
	if got := d.SQLitePath("/data"); got != "/elsewhere/db.sqlite" {
		t.Errorf("SQLitePath() with explicit path = %q", got)
	}
}
