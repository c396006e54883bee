package bq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const maxBatchSize = 10_000

// BQ streams classified posts into a BigQuery table per day.
type BQ struct {
	logger    *slog.Logger
	rowSchema bigquery.Schema
	client    *bigquery.Client
	dataset   *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	rowBuf chan *Row
	wg     sync.WaitGroup
}

var tracer = otel.Tracer("bq")

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	rowSchema, err := bigquery.InferSchema(Row{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := newBuffer(logger, tablePrefix, 100_000)
	bq.rowSchema = rowSchema
	bq.client = bqClient
	bq.dataset = bqDataset

	return bq, nil
}

func newBuffer(logger *slog.Logger, tablePrefix string, size int) *BQ {
	return &BQ{
		logger:      logger.With("module", "bq"),
		tablePrefix: tablePrefix,
		rowBuf:      make(chan *Row, size),
	}
}

// Start flushes buffered rows every flushInterval until ctx is cancelled,
// then makes a final flush.
func (bq *BQ) Start(ctx context.Context, flushInterval time.Duration) {
	bq.wg.Add(1)
	go func() {
		defer bq.wg.Done()
		t := time.NewTicker(flushInterval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				if err := bq.insertRows(ctx); err != nil {
					bq.logger.Error("failed to insert rows", "error", err)
				}
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := bq.insertRows(flushCtx); err != nil {
					bq.logger.Error("failed to insert rows on shutdown", "error", err)
				}
				cancel()
				return
			}
		}
	}()
}

// InsertPosts queues posts for the next flush. Posts are dropped when the
// buffer is full so the firehose never waits on BigQuery.
func (bq *BQ) InsertPosts(ctx context.Context, posts []*store.Post) error {
	_, span := tracer.Start(ctx, "InsertPosts")
	defer span.End()
	span.SetAttributes(attribute.Int("count", len(posts)))

	for _, p := range posts {
		select {
		case bq.rowBuf <- rowFromPost(p):
			rowsProcessed.WithLabelValues(bq.tablePrefix).Inc()
			queueDepth.WithLabelValues(bq.tablePrefix).Inc()
		default:
			rowsDropped.WithLabelValues(bq.tablePrefix).Inc()
		}
	}

	return nil
}

// drain takes up to limit rows from the buffer without blocking.
func (bq *BQ) drain(limit int) []*Row {
	rows := make([]*Row, 0, limit)
	for len(rows) < limit {
		select {
		case row := <-bq.rowBuf:
			rows = append(rows, row)
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			return rows
		}
	}
	return rows
}

func (bq *BQ) insertRows(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRows")
	defer span.End()

	rows := bq.drain(maxBatchSize)
	if len(rows) == 0 {
		return nil
	}

	if err := bq.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	start := time.Now()
	defer func() {
		batchSubmissionDuration.WithLabelValues(bq.tablePrefix).Observe(time.Since(start).Seconds())
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(rows)))
	}()

	if err := bq.inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("failed to insert rows: %w", err)
	}

	return nil
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().UTC().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(fmt.Sprintf("%s_%s", bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.rowSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

// Close waits for the flush loop to exit and closes the client.
func (bq *BQ) Close() error {
	bq.wg.Wait()
	if bq.client == nil {
		return nil
	}
	return bq.client.Close()
}
