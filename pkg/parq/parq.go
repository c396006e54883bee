package parq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/ericvolp12/bsky-media-feed/pkg/store"
	"github.com/parquet-go/parquet-go"
)

// Parq archives posts evicted by retention into timestamped parquet files.
type Parq struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan *Row
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
}

func NewParq(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Parq, error) {
	p := Parq{
		logger:       logger.With("module", "parq"),
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan *Row, batchSize*2),
		shutdown:     make(chan struct{}),
	}

	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

// StartWriter starts the writer goroutine which writes rows to parquet files
// when the batch size is reached, after every maxBatchWait duration, or when the shutdown signal is received
func (p *Parq) StartWriter() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var rows []*Row
		t := time.NewTicker(p.maxBatchWait)
		defer t.Stop()

		p.logger.Info("starting parquet writer loop")

		flush := func(reason string) {
			if len(rows) == 0 {
				return
			}
			p.logger.Info("writing parquet file", "reason", reason, "num_rows", len(rows))
			if err := p.WriteFile(rows); err != nil {
				p.logger.Error("failed to write parquet file", "error", err)
			}
			rows = nil
		}

		for {
			select {
			case r := <-p.writeQueue:
				rows = append(rows, r)
				if len(rows) >= p.batchSize {
					flush("max_batch_size")
				}
			case <-t.C:
				flush("max_batch_wait")
			case <-p.shutdown:
				// Pick up anything still queued before the final write.
			drain:
				for {
					select {
					case r := <-p.writeQueue:
						rows = append(rows, r)
					default:
						break drain
					}
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown signals the writer goroutine to flush and exit.
func (p *Parq) Shutdown() {
	p.logger.Info("waiting for parquet writer to shutdown")
	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("parquet writer shutdown successfully")
}

// ArchivePosts enqueues posts to be written to a parquet file.
func (p *Parq) ArchivePosts(ctx context.Context, posts []store.Post) error {
	for _, post := range posts {
		select {
		case p.writeQueue <- rowFromPost(post):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	archivedPosts.Add(float64(len(posts)))
	return nil
}

// WriteFile writes rows to a parquet file named after the current time.
func (p *Parq) WriteFile(rows []*Row) error {
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s.parquet", p.prefix, time.Now().UTC().Format("2006_01_02-15_04_05.000000")))

	filterBits := uint(10)

	err := parquet.WriteFile(fName, rows, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "uri"),
		parquet.SplitBlockFilter(filterBits, "author"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	filesWritten.Inc()
	p.logger.Info("wrote parquet file", "file_path", fName, "num_rows", len(rows))

	return nil
}
