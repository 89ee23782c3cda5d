// Package store implements the atomic batch writer: one
// database transaction per batch.Block, binary COPY into staging tables for
// the append-mostly collections, set-based UNNEST upserts for the
// keyed/merged collections, and a watermark write gated by an explicit flag.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
)

// Writer owns two distinct DB access paths: a dedicated
// connection used only for the atomic batch write (COPY + upserts +
// watermark, all one transaction), and a pooled connection for everything
// outside that transaction (startup watermark read, partition catalog,
// metadata backfill, debug reads).
type Writer struct {
	copyConnString string
	pool           *sql.DB
	log            *zap.Logger
}

// Open builds a Writer: a lib/pq pool for the general query path, and
// retains the connection string needed to dial the dedicated COPY
// connection fresh for each batch write (tokio_postgres in the original
// likewise keeps one long-lived client, but a fresh *pgx.Conn per batch
// avoids a single bad connection wedging every future write).
func Open(ctx context.Context, databaseURL string, maxConns int, log *zap.Logger) (*Writer, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(maxConns)
	if err := pool.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Writer{copyConnString: databaseURL, pool: pool, log: log}, nil
}

// Pool exposes the pooled connection for callers outside this package
// (partition manager, metadata backfiller, debug HTTP server).
func (w *Writer) Pool() *sql.DB { return w.pool }

func (w *Writer) Close() error { return w.pool.Close() }

// requiresTLS mirrors indexer.rs::connect_copy_client's sslmode check.
func requiresTLS(databaseURL string) bool {
	return strings.Contains(databaseURL, "sslmode=require") ||
		strings.Contains(databaseURL, "sslmode=verify-ca") ||
		strings.Contains(databaseURL, "sslmode=verify-full")
}

// connectCopy dials a dedicated pgx connection for one batch write, using
// the platform root store over TLS when sslmode demands it and plain TCP
// otherwise.
func (w *Writer) connectCopy(ctx context.Context) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(w.copyConnString)
	if err != nil {
		return nil, err
	}
	if requiresTLS(w.copyConnString) {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		cfg.TLSConfig = &tls.Config{RootCAs: pool}
	}
	return pgx.ConnectConfig(ctx, cfg)
}

// WriteBatch performs the entire §4.5 algorithm in one transaction: COPY
// into staging tables for the append-mostly collections, UNNEST upserts for
// the keyed/merged collections, then the watermark write if updateWatermark
// is set. Mini-batches from the sideline retry (§4.7) call this with
// updateWatermark=false so a recovered earlier block can never regress
// indexer_state.last_indexed_block.
func (w *Writer) WriteBatch(ctx context.Context, b *batch.Block, updateWatermark bool) error {
	if b.IsEmpty() {
		return nil
	}

	conn, err := w.connectCopy(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if err := copyBlocks(ctx, tx, b); err != nil {
		return err
	}
	if err := copyTransactions(ctx, tx, b); err != nil {
		return err
	}
	if err := copyEventLogs(ctx, tx, b); err != nil {
		return err
	}
	if err := copyNFTTransfers(ctx, tx, b); err != nil {
		return err
	}
	if err := copyERC20Transfers(ctx, tx, b); err != nil {
		return err
	}

	if err := upsertKeyedTables(ctx, tx, b); err != nil {
		return err
	}

	if updateWatermark {
		if err := writeWatermark(ctx, tx, b.LastBlock); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	w.log.Info("batch committed",
		zap.Uint64("last_block", b.LastBlock),
		zap.Int("blocks", len(b.BNumbers)),
		zap.Bool("update_watermark", updateWatermark))
	return nil
}
