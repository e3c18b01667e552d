// Package ingest implements the streaming ingestion pipeline: one HTTP
// POST per configured API source, incrementally parsed into a
// deduplicated, schema-validated dataset while bounding peak memory
// regardless of response size.
package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/dataset"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
)

const (
	// prefixSize is how much of the body is read before committing to a
	// parse strategy. Error payloads are short; anything that looks like
	// a success array is handed to the incremental parser with the
	// prefix chained back in front.
	prefixSize = 2048

	defaultBatchSize      = 10000
	defaultTimeoutSeconds = 120
)

// Cache is the per-run dataset cache keyed by API source name. It is
// created per execution and cleared when the run ends, never shared
// across runs.
type Cache map[string]*dataset.Dataset

// NewCache creates an empty run cache
func NewCache() Cache { return make(Cache) }

// Pipeline fetches and assembles datasets for a task's API sources
type Pipeline struct {
	logger    *zap.Logger
	batchSize int
}

// New creates a pipeline. batchSize <= 0 selects the default.
func New(logger *zap.Logger, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Pipeline{logger: logger.Named("ingest"), batchSize: batchSize}
}

// Fetch produces the dataset for one named API source. All failures
// (network, TLS, status, malformed body, missing required fields)
// degrade to a Failed outcome with a logged reason; nothing escapes to
// the caller as an error. Results are cached in the run cache so a
// retried send stage does not refetch.
func (p *Pipeline) Fetch(ctx context.Context, task *model.TaskDefinition, sourceName string, cache Cache) model.FetchOutcome {
	if cache != nil {
		if ds, ok := cache[sourceName]; ok {
			p.logger.Info("Using cached dataset", zap.String("source", sourceName))
			return outcomeFor(ds)
		}
	}

	src := task.Source(sourceName)
	if src == nil {
		reason := fmt.Sprintf("no API source named %q configured", sourceName)
		p.logger.Error("Missing API source", zap.String("task", task.Name), zap.String("source", sourceName))
		return model.Failed(reason)
	}

	ds, err := p.fetchSource(ctx, src, task.Layout.RequiredFields)
	if err != nil {
		p.logger.Error("Fetch failed",
			zap.String("task", task.Name),
			zap.String("source", sourceName),
			zap.Error(err))
		return model.Failed(err.Error())
	}

	if cache != nil {
		cache[sourceName] = ds
	}
	return outcomeFor(ds)
}

// FetchAll fetches every configured source of the task, in order
func (p *Pipeline) FetchAll(ctx context.Context, task *model.TaskDefinition, cache Cache) map[string]model.FetchOutcome {
	results := make(map[string]model.FetchOutcome, len(task.APISources))
	for _, src := range task.APISources {
		results[src.Name] = p.Fetch(ctx, task, src.Name, cache)
	}
	return results
}

func outcomeFor(ds *dataset.Dataset) model.FetchOutcome {
	if ds.Empty() {
		return model.EmptyResult(ds)
	}
	return model.Succeeded(ds)
}

func (p *Pipeline) fetchSource(ctx context.Context, src *model.APISource, requiredFields []string) (*dataset.Dataset, error) {
	client, err := buildClient(src)
	if err != nil {
		return nil, err
	}

	maxRecords := src.MaxRecords
	p.logger.Info("Requesting API data",
		zap.String("source", src.Name),
		zap.String("url", src.URL),
		zap.Int("max_records", maxRecords))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range src.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	// Read a small prefix before committing to a parse strategy.
	prefix := make([]byte, prefixSize)
	n, err := io.ReadFull(resp.Body, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read response prefix: %w", err)
	}
	prefix = prefix[:n]
	clean := stripWhitespace(prefix)

	if strings.Contains(clean, `"success":false`) || strings.Contains(clean, `"success":0`) {
		return nil, p.embeddedError(prefix, resp.Body)
	}

	// Re-attach the prefix ahead of the live stream so the parser sees
	// one continuous body from byte zero.
	nested := strings.Contains(clean, `"value":{`)
	body := io.MultiReader(bytes.NewReader(prefix), resp.Body)

	ds, truncated, err := p.consume(body, nested, maxRecords, src.Name)
	if err != nil {
		return nil, err
	}
	if truncated {
		p.logger.Warn("Reached max record limit, stopped reading",
			zap.String("source", src.Name),
			zap.Int("max_records", maxRecords))
	}

	return p.finalize(ds, requiredFields, src.Name)
}

// embeddedError drains a short error payload, extracts its message and
// converts it into the fetch error
func (p *Pipeline) embeddedError(prefix []byte, rest io.Reader) error {
	remaining, err := io.ReadAll(rest)
	if err != nil {
		remaining = nil
	}
	full := append(prefix, remaining...)

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(full, &payload); err != nil || payload.Message == "" {
		preview := string(prefix)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return fmt.Errorf("API returned unparseable error response: %s", preview)
	}
	return fmt.Errorf("API returned error: %s", payload.Message)
}

// consume walks the record array incrementally, materializing a
// sub-table every batchSize records so peak in-flight memory stays
// O(batch size) instead of O(response size).
func (p *Pipeline) consume(body io.Reader, nested bool, maxRecords int, sourceName string) (*dataset.Dataset, bool, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()

	if err := seekRecordArray(dec, nested); err != nil {
		return nil, false, fmt.Errorf("failed to locate record array: %w", err)
	}

	var (
		subTables []*dataset.Dataset
		batch     []dataset.Row
		total     int
		truncated bool
	)

	for dec.More() {
		var row dataset.Row
		if err := dec.Decode(&row); err != nil {
			return nil, false, fmt.Errorf("failed to decode record %d: %w", total+1, err)
		}
		batch = append(batch, row)
		total++

		if len(batch) >= p.batchSize {
			subTables = append(subTables, dataset.FromRows(batch))
			batch = nil
			p.logger.Info("Processed batch", zap.String("source", sourceName), zap.Int("records", total))
			runtime.GC()
		}

		if maxRecords > 0 && total >= maxRecords {
			// Do not read the remainder of the connection.
			truncated = true
			break
		}
	}

	if len(batch) > 0 {
		subTables = append(subTables, dataset.FromRows(batch))
	}

	final := dataset.New()
	for _, sub := range subTables {
		final.Concat(sub)
	}
	subTables = nil
	runtime.GC()

	return final, truncated, nil
}

// finalize deduplicates, validates required fields, reports the
// footprint and returns the dataset
func (p *Pipeline) finalize(ds *dataset.Dataset, requiredFields []string, sourceName string) (*dataset.Dataset, error) {
	if ds.Empty() {
		p.logger.Warn("No records received", zap.String("source", sourceName))
		return ds, nil
	}

	before := ds.Len()
	if removed := ds.DropDuplicates(); removed > 0 {
		p.logger.Info("Dropped duplicate rows",
			zap.String("source", sourceName),
			zap.Int("before", before),
			zap.Int("after", ds.Len()))
	}

	if missing := ds.MissingColumns(requiredFields); len(missing) > 0 {
		return nil, fmt.Errorf("dataset missing required fields: %s", strings.Join(missing, ", "))
	}

	p.logger.Info("Dataset assembled",
		zap.String("source", sourceName),
		zap.Int("rows", ds.Len()),
		zap.Float64("approx_mb", float64(ds.EstimateBytes())/1024/1024),
		zap.Float64("process_rss_mb", processRSSMB()))
	return ds, nil
}

// seekRecordArray advances the decoder to just inside the record
// array: "value" for the flat shape, "value.records" for the nested one
func seekRecordArray(dec *json.Decoder, nested bool) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	if err := seekKeyArray(dec, "value", nested); err != nil {
		return err
	}
	if nested {
		return seekKeyArray(dec, "records", false)
	}
	return nil
}

// seekKeyArray scans the current object for key and enters its value:
// an object when inner is true, otherwise an array
func seekKeyArray(dec *json.Decoder, key string, inner bool) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("unexpected end of document looking for %q: %w", key, err)
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v looking for %q", tok, key)
		}
		if name == key {
			if inner {
				return expectDelim(dec, '{')
			}
			return expectDelim(dec, '[')
		}
		if err := skipValue(dec); err != nil {
			return err
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// skipValue consumes and discards the next JSON value
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || (d != '{' && d != '[') {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

func buildClient(src *model.APISource) (*http.Client, error) {
	timeout := src.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}

	transport := &http.Transport{}
	if !src.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if src.Proxy != "" {
		proxyURL, err := url.Parse(src.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   time.Duration(timeout) * time.Second,
		Transport: transport,
	}, nil
}

func processRSSMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / 1024 / 1024
}

func stripWhitespace(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
