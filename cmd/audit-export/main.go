// audit-export dumps the credit ledger to an S3 bucket as JSON lines,
// one object per run. Meant to be invoked periodically (cron) so the
// append-only journal has an off-database copy for reconciliation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/config"
	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/pkg/database"
	"github.com/agentdeck/agentdeck-api/internal/pkg/logger"
	"github.com/agentdeck/agentdeck-api/internal/pkg/storage"
)

const exportBatch = 5000

func main() {
	var since string
	flag.StringVar(&since, "since", "", "export transactions created at or after this RFC3339 timestamp (default: last 24h)")
	flag.Parse()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	from := time.Now().Add(-24 * time.Hour)
	if since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			log.Fatal().Err(err).Str("since", since).Msg("Invalid -since timestamp")
		}
		from = parsed
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	archive, err := storage.NewS3Archive(storage.Config{
		Endpoint:  cfg.AuditS3Endpoint,
		Region:    cfg.AuditS3Region,
		AccessKey: cfg.AuditS3AccessKey,
		SecretKey: cfg.AuditS3SecretKey,
		Bucket:    cfg.AuditS3Bucket,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create S3 archive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	total, err := export(ctx, db, archive, from)
	if err != nil {
		log.Fatal().Err(err).Msg("Ledger export failed")
	}

	log.Info().Int("transactions", total).Time("since", from).Msg("Ledger export complete")
}

type txQuerier interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func export(ctx context.Context, db txQuerier, archive *storage.S3Archive, from time.Time) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	total := 0

	for offset := 0; ; offset += exportBatch {
		batch := []ledger.CreditTransaction{}
		err := db.SelectContext(ctx, &batch, `
			SELECT id, user_id, amount_delta, balance_after, reason, idempotency_key, reference_type, reference_id, created_at
			FROM credit_transactions
			WHERE created_at >= $1
			ORDER BY created_at, id
			LIMIT $2 OFFSET $3
		`, from, exportBatch, offset)
		if err != nil {
			return 0, fmt.Errorf("select transactions: %w", err)
		}

		for i := range batch {
			if err := enc.Encode(&batch[i]); err != nil {
				return 0, fmt.Errorf("encode transaction: %w", err)
			}
		}
		total += len(batch)

		if len(batch) < exportBatch {
			break
		}
	}

	key := fmt.Sprintf("ledger/%s/transactions-%d.jsonl",
		time.Now().UTC().Format("2006/01/02"), time.Now().Unix())
	if err := archive.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("upload export: %w", err)
	}

	return total, nil
}
