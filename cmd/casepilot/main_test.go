package main

import (
	"testing"

	"github.com/casepilot/casepilot/internal/config"
)

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"

	if _, err := openDB(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenDBSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = t.TempDir() + "/casepilot.db"

	db, err := openDB(cfg)
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	db.Close()
}

func TestEnvBool(t *testing.T) {
	for value, want := range map[string]bool{
		"1":     true,
		"true":  true,
		"YES":   true,
		"on":    true,
		"0":     false,
		"false": false,
		"":      false,
	} {
		t.Setenv("CASEPILOT_TEST_FLAG", value)
		if got := envBool("CASEPILOT_TEST_FLAG"); got != want {
			t.Errorf("envBool(%q) = %v, want %v", value, got, want)
		}
	}
}
