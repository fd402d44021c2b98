package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gocloud.dev/blob"

	// Drivers for the bucket URLs OpenArchive accepts out of the box.
	// Cloud drivers (s3blob, gcsblob, azureblob) are registered by
	// importing them in the application.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/xraph/loom/config"
)

// ErrArchiveClosed is returned by an archive after Shutdown.
var ErrArchiveClosed = errors.New("loom/observability: span archive closed")

// SpanArchive is a span exporter that stores every exported batch as one
// JSON-lines object in a blob bucket, gzip-compressed when configured.
//
// Objects are keyed <prefix>/<yyyy>/<mm>/<dd>/<unixnano>-<uuid>.jsonl[.gz].
type SpanArchive struct {
	bucket  *blob.Bucket
	owned   bool
	cfg     config.StorageConfig
	service string
	now     func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

var _ sdktrace.SpanExporter = (*SpanArchive)(nil)

// ArchiveOption configures a SpanArchive.
type ArchiveOption func(*SpanArchive)

// WithArchiveClock sets the clock used for object keys and pruning.
func WithArchiveClock(now func() time.Time) ArchiveOption {
	return func(a *SpanArchive) { a.now = now }
}

// WithArchiveService stamps every archived span with a service name.
func WithArchiveService(name string) ArchiveOption {
	return func(a *SpanArchive) { a.service = name }
}

// OpenArchive opens cfg.BucketURL and archives into it. The bucket is
// closed by Shutdown.
func OpenArchive(ctx context.Context, cfg config.StorageConfig, opts ...ArchiveOption) (*SpanArchive, error) {
	b, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("loom/observability: open bucket %q: %w", cfg.BucketURL, err)
	}
	a := NewSpanArchive(b, cfg, opts...)
	a.owned = true
	return a, nil
}

// NewSpanArchive archives into a caller-owned bucket.
func NewSpanArchive(b *blob.Bucket, cfg config.StorageConfig, opts ...ArchiveOption) *SpanArchive {
	a := &SpanArchive{
		bucket: b,
		cfg:    cfg,
		now:    time.Now,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// archivedSpan is the JSON form of one span.
type archivedSpan struct {
	Service       string         `json:"service,omitempty"`
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id"`
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	DurationMS    float64        `json:"duration_ms"`
	Status        string         `json:"status"`
	StatusMessage string         `json:"status_message,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Events        []archivedEvt  `json:"events,omitempty"`
}

type archivedEvt struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func attrMap(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func (a *SpanArchive) record(s sdktrace.ReadOnlySpan) archivedSpan {
	rec := archivedSpan{
		Service:       a.service,
		TraceID:       s.SpanContext().TraceID().String(),
		SpanID:        s.SpanContext().SpanID().String(),
		Name:          s.Name(),
		Kind:          s.SpanKind().String(),
		Start:         s.StartTime(),
		End:           s.EndTime(),
		DurationMS:    float64(s.EndTime().Sub(s.StartTime())) / float64(time.Millisecond),
		Status:        s.Status().Code.String(),
		StatusMessage: s.Status().Description,
		Attributes:    attrMap(s.Attributes()),
	}
	if p := s.Parent(); p.IsValid() {
		rec.ParentSpanID = p.SpanID().String()
	}
	for _, e := range s.Events() {
		rec.Events = append(rec.Events, archivedEvt{Name: e.Name, Time: e.Time, Attributes: attrMap(e.Attributes)})
	}
	return rec
}

// key returns the object key for a batch written at t.
func (a *SpanArchive) key(t time.Time) string {
	name := fmt.Sprintf("%d-%s.jsonl", t.UnixNano(), uuid.NewString())
	if a.cfg.Compression {
		name += ".gz"
	}
	return path.Join(a.cfg.Prefix, t.UTC().Format("2006/01/02"), name)
}

// ExportSpans implements sdktrace.SpanExporter.
func (a *SpanArchive) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	select {
	case <-a.closed:
		return ErrArchiveClosed
	default:
	}
	if len(spans) == 0 {
		return nil
	}

	// Cancelling the write context discards a partially written object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	contentType := "application/x-ndjson"
	if a.cfg.Compression {
		contentType = "application/gzip"
	}
	w, err := a.bucket.NewWriter(ctx, a.key(a.now()), &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("loom/observability: archive writer: %w", err)
	}

	if err := a.encode(w, spans); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("loom/observability: archive spans: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("loom/observability: archive close: %w", err)
	}
	return nil
}

func (a *SpanArchive) encode(w io.Writer, spans []sdktrace.ReadOnlySpan) error {
	if !a.cfg.Compression {
		return a.encodeLines(w, spans)
	}

	level := a.cfg.CompressionLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return err
	}
	if err := a.encodeLines(gz, spans); err != nil {
		return err
	}
	return gz.Close()
}

func (a *SpanArchive) encodeLines(w io.Writer, spans []sdktrace.ReadOnlySpan) error {
	enc := json.NewEncoder(w)
	for _, s := range spans {
		if err := enc.Encode(a.record(s)); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes archived objects older than the retention period and
// returns how many were deleted.
func (a *SpanArchive) Prune(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)

	prefix := a.cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	deleted := 0
	iter := a.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return deleted, nil
		}
		if err != nil {
			return deleted, fmt.Errorf("loom/observability: list archive: %w", err)
		}
		if obj.IsDir || !obj.ModTime.Before(cutoff) {
			continue
		}
		if err := a.bucket.Delete(ctx, obj.Key); err != nil {
			return deleted, fmt.Errorf("loom/observability: delete %q: %w", obj.Key, err)
		}
		deleted++
	}
}

// Shutdown implements sdktrace.SpanExporter. It closes the bucket when the
// archive opened it.
func (a *SpanArchive) Shutdown(context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.owned {
			err = a.bucket.Close()
		}
	})
	return err
}
