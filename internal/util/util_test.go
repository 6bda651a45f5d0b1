package util_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonrelay/xonrelay/internal/util"
)

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		name := util.LogFileName(day.AddDate(0, 0, i))
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to write log, got: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "other.log"), nil, 0644); err != nil {
		t.Fatalf("Failed to write log, got: %v", err)
	}

	if removed := util.CleanOldLogs(dir, 2); removed != 3 {
		t.Fatalf("Removed count mismatch, got: %d, want: %d", removed, 3)
	}

	for _, name := range []string{"xonrelay_2024-03-04.log", "xonrelay_2024-03-05.log", "other.log"} {
		if !util.FileExists(filepath.Join(dir, name)) {
			t.Fatalf("%s should have been kept", name)
		}
	}
	if util.FileExists(filepath.Join(dir, "xonrelay_2024-03-01.log")) {
		t.Fatalf("Oldest log should have been removed")
	}
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "cert.pem")
	key := filepath.Join(dir, "tls", "key.pem")

	if err := util.EnsureCertificate(cert, key); err != nil {
		t.Fatalf("Failed to generate certificate, got: %v", err)
	}
	first, _ := os.ReadFile(cert)

	if err := util.EnsureCertificate(cert, key); err != nil {
		t.Fatalf("Failed on existing certificate, got: %v", err)
	}
	second, _ := os.ReadFile(cert)
	if string(first) != string(second) {
		t.Fatalf("Existing certificate was regenerated")
	}
}
