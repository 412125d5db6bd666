package config

import (
	"os"
	"strings"
	"time"
)

// AbandonedSettings holds the env-driven knobs of the abandoned process manager.
//
// Set via env:
// - ABANDONED_SCAN_MAX_ROWS (default 1000, rows per process type per scan)
// - ABANDONED_SCAN_WORKERS (default 8, concurrent candidate checks per type)
// - ABANDONED_SCAN_TIMEOUT_SECONDS (default 120)
// - ABANDONED_RETENTION_DAYS (default 30)
// - ABANDONED_ARCHIVE_BUCKET (optional GCS bucket for rows removed by cleanup)
type AbandonedSettings struct {
	MaxRowsPerType int
	Workers        int
	ScanTimeout    time.Duration
	RetentionDays  int
	ArchiveBucket  string
}

func GetAbandonedSettings() AbandonedSettings {
	s := AbandonedSettings{
		MaxRowsPerType: intFromEnv("ABANDONED_SCAN_MAX_ROWS", 1000),
		Workers:        intFromEnv("ABANDONED_SCAN_WORKERS", 8),
		ScanTimeout:    time.Duration(intFromEnv("ABANDONED_SCAN_TIMEOUT_SECONDS", 120)) * time.Second,
		RetentionDays:  intFromEnv("ABANDONED_RETENTION_DAYS", 30),
		ArchiveBucket:  strings.TrimSpace(os.Getenv("ABANDONED_ARCHIVE_BUCKET")),
	}
	if s.MaxRowsPerType <= 0 {
		s.MaxRowsPerType = 1000
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.ScanTimeout <= 0 {
		s.ScanTimeout = 120 * time.Second
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 30
	}
	return s
}

// EnvBool reads truthy env values ("1", "true", "yes", "y").
func EnvBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
