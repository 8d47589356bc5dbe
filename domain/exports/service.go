// Package exports writes the daily ledger to object storage as JSON Lines.
package exports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/internal/storage"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
	"github.com/emergent-company/agentbilling/pkg/tracing"
)

var (
	exportRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "exports",
		Name:      "runs_total",
		Help:      "Ledger export runs, by outcome.",
	}, []string{"outcome"})

	exportedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "exports",
		Name:      "entries_total",
		Help:      "Ledger entries written to exports.",
	})
)

const (
	pageSize    = 1000
	contentType = "application/x-ndjson"
	dateLayout  = "2006-01-02"
)

// Ledger is implemented by *credits.Service.
type Ledger interface {
	EntriesBetween(ctx context.Context, from, to time.Time, afterID string, limit int) ([]credits.LedgerEntry, error)
}

// Uploader is implemented by *storage.Service.
type Uploader interface {
	Enabled() bool
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*storage.UploadResult, error)
}

// Result describes one export file.
type Result struct {
	Date    string `json:"date"`
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Service exports ledger days.
type Service struct {
	ledger   Ledger
	uploader Uploader
	log      *slog.Logger
	now      func() time.Time
}

func NewService(ledger Ledger, uploader Uploader, log *slog.Logger) *Service {
	return &Service{
		ledger:   ledger,
		uploader: uploader,
		log:      log.With(logger.Scope("exports.svc")),
		now:      time.Now,
	}
}

// Enabled reports whether exports have somewhere to go.
func (s *Service) Enabled() bool {
	return s.uploader != nil && s.uploader.Enabled()
}

// Key is the object key of the export for day.
func Key(day time.Time) string {
	return fmt.Sprintf("ledger/%s.jsonl", day.UTC().Format("2006/01/02"))
}

// ExportDay writes every entry created on the UTC day containing day.
// Re-running a day overwrites its file.
func (s *Service) ExportDay(ctx context.Context, day time.Time) (*Result, error) {
	if !s.Enabled() {
		return nil, apperror.ErrServiceUnavailable.WithMessage("Export storage is not configured")
	}
	from := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	if from.After(s.now()) {
		return nil, apperror.NewBadRequest("cannot export a future date")
	}
	to := from.AddDate(0, 0, 1)

	ctx, span := tracing.Start(ctx, "exports.ledger_day", attribute.String("export.date", from.Format(dateLayout)))
	defer span.End()

	var (
		buf     bytes.Buffer
		count   int
		afterID string
	)
	enc := json.NewEncoder(&buf)
	for {
		page, err := s.ledger.EntriesBetween(ctx, from, to, afterID, pageSize)
		if err != nil {
			tracing.RecordError(span, err)
			exportRuns.WithLabelValues("error").Inc()
			return nil, err
		}
		for i := range page {
			if err := enc.Encode(&page[i]); err != nil {
				exportRuns.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("encode ledger entry %s: %w", page[i].ID, err)
			}
		}
		count += len(page)
		if len(page) < pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	key := Key(from)
	size := int64(buf.Len())
	up, err := s.uploader.Put(ctx, key, &buf, size, contentType)
	if err != nil {
		tracing.RecordError(span, err)
		exportRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	exportRuns.WithLabelValues("success").Inc()
	exportedEntries.Add(float64(count))
	s.log.Info("ledger exported",
		slog.String("date", from.Format(dateLayout)),
		slog.String("key", key),
		slog.Int("entries", count),
		slog.Int64("bytes", size))

	return &Result{
		Date:    from.Format(dateLayout),
		Bucket:  up.Bucket,
		Key:     key,
		Entries: count,
		Bytes:   size,
	}, nil
}

// ExportPreviousDay exports the UTC day before now. It is a no-op when
// storage is not configured.
func (s *Service) ExportPreviousDay(ctx context.Context) (*Result, error) {
	if !s.Enabled() {
		s.log.Debug("ledger export skipped, storage not configured")
		return nil, nil
	}
	return s.ExportDay(ctx, s.now().UTC().AddDate(0, 0, -1))
}
