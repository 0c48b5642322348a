package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/observability"
)

// Worker drains the persist channel and batch-writes the audit log. The
// dispatcher sends on this channel blocking, so a stalled worker
// backpressures command processing — no outcome is ever lost.
type Worker struct {
	writer       *OutcomeWriter
	inputChan    <-chan dispatch.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan dispatch.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewOutcomeWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Writer exposes the underlying writer for startup recovery reads.
func (w *Worker) Writer() *OutcomeWriter {
	return w.writer
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; either way the tail of the batch is flushed before returning.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]OutcomeRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := toRow(output)
			if err != nil {
				// An unmarshalable outcome is a programming error; the
				// audit log must stay total.
				w.log.Error().Err(err).Msg("dropping unencodable outcome")
				if w.metrics != nil {
					w.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			batch = append(batch, row)

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func toRow(output dispatch.Output) (OutcomeRow, error) {
	payload, err := MarshalPayload(output.Outcome)
	if err != nil {
		return OutcomeRow{}, err
	}
	env := output.Envelope
	return OutcomeRow{
		Sequence:  int64(env.Sequence),
		SubIndex:  int32(env.SubIndex),
		Kind:      env.Kind.String(),
		Payload:   payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: time.Now().UTC(),
	}, nil
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a batch: it retries until the write succeeds or ctx is cancelled, and on
// cancellation attempts one final flush so shutdown does not lose rows.
func (w *Worker) flushWithRetry(ctx context.Context, rows []OutcomeRow) error {
	batchID := uuid.NewString()
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Str("batch_id", batchID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(rows)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, rows); err == nil {
			if attempt > 0 {
				w.log.Info().Str("batch_id", batchID).Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []OutcomeRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistOutcomesWritten.Add(float64(len(rows)))
		w.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}
	return nil
}
