package database

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/xelth-com/eckstocktake/internal/config"
)

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Port: "5432", Username: "scan", Password: "pw", Database: "stocktake"}
	dsn := DSN(cfg)
	for _, part := range []string{"host=db", "port=5432", "user=scan", "password=pw", "dbname=stocktake", "sslmode=disable", "TimeZone=UTC"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN %q lacks %q", dsn, part)
		}
	}

	cfg.SSLMode = "require"
	if !strings.Contains(DSN(cfg), "sslmode=require") {
		t.Errorf("configured sslmode ignored: %s", DSN(cfg))
	}
}

func TestEmbeddedMode(t *testing.T) {
	tests := []struct {
		host, password string
		want           bool
	}{
		{"localhost", "", true},
		{"localhost", "secret", false},
		{"db.internal", "", false},
	}
	for _, tt := range tests {
		cfg := config.DatabaseConfig{Host: tt.host, Password: tt.password}
		if got := cfg.Embedded(); got != tt.want {
			t.Errorf("Embedded(%s, %q) = %v, want %v", tt.host, tt.password, got, tt.want)
		}
	}
}

func TestPalletIndexIsPartial(t *testing.T) {
	tests := []struct {
		name string
		def  string
		want bool
	}{
		{"partial", "CREATE UNIQUE INDEX idx_scans_pallet ON public.scans USING btree (session_id, batch_number, pallet_number) WHERE ((pallet_number)::text <> ''::text)", true},
		{"full", "CREATE UNIQUE INDEX idx_scans_pallet ON public.scans USING btree (session_id, batch_number, pallet_number)", false},
		{"not unique", "CREATE INDEX idx_scans_pallet ON public.scans USING btree (session_id, batch_number, pallet_number) WHERE ((pallet_number)::text <> ''::text)", false},
		{"wrong columns", "CREATE UNIQUE INDEX idx_scans_pallet ON public.scans USING btree (batch_number, pallet_number) WHERE ((pallet_number)::text <> ''::text)", false},
	}
	for _, tt := range tests {
		if got := PalletIndexIsPartial(tt.def); got != tt.want {
			t.Errorf("%s: PalletIndexIsPartial = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClearStalePidFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "postmaster.pid")

	if err := clearStalePidFile(dir); err != nil {
		t.Fatalf("missing pid file should be fine: %v", err)
	}

	// PIDs above the kernel maximum never belong to a live process
	if err := os.WriteFile(pidFile, []byte("999999999\n/data\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := clearStalePidFile(dir); err != nil {
		t.Fatalf("stale pid file: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("stale pid file was not removed")
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := clearStalePidFile(dir); !errors.Is(err, ErrDataDirInUse) {
		t.Fatalf("expected ErrDataDirInUse for a live owner, got %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Error("pid file of a live process must be left alone")
	}
}
