package main

import (
	"log"

	"github.com/djlord-it/easy-gitops/internal/config"
)

// logConfigWarnings reports risky but valid combinations at startup.
// P0 warnings can lose events; P1 warnings reduce visibility or safety.
func logConfigWarnings(cfg *config.Config) {
	if cfg.DatabaseURL == "" {
		log.Println("easygitops: WARNING [P0]: DATABASE_URL not set: events and job runs live in memory and are lost on restart")
	}
	if !cfg.ReconcileEnabled {
		log.Println("easygitops: WARNING [P0]: RECONCILE_ENABLED=false: events accepted while the event bus is full are never handled")
	}
	if cfg.IngestSecret == "" {
		log.Println("easygitops: WARNING [P1]: INGEST_SECRET not set: ingest requests are not authenticated")
	}
	if !cfg.MetricsEnabled {
		log.Println("easygitops: WARNING [P1]: METRICS_ENABLED=false: job failures and open circuits are only visible in logs")
	}
	if cfg.Executor == config.ExecutorDocker && cfg.StorageVolume == "" {
		log.Println("easygitops: WARNING [P1]: STORAGE_VOLUME not set: jobs cannot share the checked out repository")
	}
	if cfg.Executor == config.ExecutorDryRun {
		log.Println("easygitops: INFO: EXECUTOR=dryrun: jobs are logged, not run")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("easygitops: INFO: CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled")
	}
}
