// Package export implements the export pipeline: it discovers the remote
// measurements behind a registered source, retrieves them in time-ordered
// chunks, rewrites timestamps onto a synthetic contiguous year range and
// merges everything into one delimited output file.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/client"
	"github.com/nicktill/exportd/pkg/logging"
	"github.com/nicktill/exportd/pkg/model"
)

// Config tunes the pipeline. TimeFormat is the layout of timestamps
// exchanged with the query API.
type Config struct {
	DataPath    string
	TmpPath     string
	TimeFormat  string
	StartYear   int
	ChunkSize   int
	Compression bool
}

// Querier is the slice of the remote client the pipeline depends on.
type Querier interface {
	Query(ctx context.Context, opts client.QueryOptions) ([]client.Row, error)
	Measurements(ctx context.Context, sourceID string) ([]string, error)
}

// Exporter owns temporary chunk files for the duration of one Create call
// and the final artifact once written. Both are released (deleted or
// promoted) before Create returns, under all outcomes.
type Exporter struct {
	api Querier
	cfg Config
	log *logrus.Entry
}

// New creates an exporter.
func New(api Querier, cfg Config) *Exporter {
	return &Exporter{api: api, cfg: cfg, log: logging.Component("export")}
}

// Create runs one full export for a registered source and returns the
// refreshed registration. On failure every temporary chunk and any partial
// final file written by this invocation are removed; a previously existing
// artifact for the source is never touched.
func (e *Exporter) Create(ctx context.Context, sourceID, timeField, delimiter string) (*model.DataItem, error) {
	item := &model.DataItem{
		SourceID:      sourceID,
		TimeField:     timeField,
		Delimiter:     delimiter,
		Sources:       make(map[string]*model.SourceRange),
		DefaultValues: make(map[string]interface{}),
		File:          model.NewToken(),
	}

	var chunks []string
	columns := make(map[string]bool)

	err := func() error {
		measurements, err := e.api.Measurements(ctx, sourceID)
		if err != nil {
			return err
		}
		if err := e.discoverRanges(ctx, item, measurements); err != nil {
			return err
		}
		for _, measurement := range measurements {
			names, err := e.retrieveChunks(ctx, item, measurement, columns)
			if err != nil {
				chunks = append(chunks, names...)
				return err
			}
			chunks = append(chunks, names...)
		}
		return e.materialize(item, chunks, columns)
	}()

	e.PurgeTmp(chunks)
	if err != nil {
		// Partial final file from this attempt only; the token is fresh,
		// so the source's previous artifact cannot be hit.
		_ = os.Remove(filepath.Join(e.cfg.DataPath, item.File))
		return nil, err
	}

	item.Created = model.Timestamp()
	return item, nil
}

// discoverRanges fetches first/last record timestamps per measurement and
// lays the measurements out back-to-back on the synthetic timeline.
// Measurements must already be sorted for a deterministic layout.
func (e *Exporter) discoverRanges(ctx context.Context, item *model.DataItem, measurements []string) error {
	base := e.cfg.StartYear
	for _, measurement := range measurements {
		start, err := e.edgeTimestamp(ctx, measurement, client.SortAsc)
		if err != nil {
			return err
		}
		end, err := e.edgeTimestamp(ctx, measurement, client.SortDesc)
		if err != nil {
			return err
		}
		startYear, err := yearOf(start)
		if err != nil {
			return err
		}
		endYear, err := yearOf(end)
		if err != nil {
			return err
		}
		yearMap := genYearMap(startYear, endYear, base)
		base += len(yearMap)
		item.Sources[measurement] = &model.SourceRange{
			Start:   start,
			End:     end,
			YearMap: yearMap,
		}
		e.log.WithFields(logrus.Fields{
			"measurement": measurement,
			"start":       start,
			"end":         end,
			"years":       len(yearMap),
		}).Debug("discovered measurement range")
	}
	return nil
}

// edgeTimestamp returns the earliest (asc) or latest (desc) record
// timestamp of a measurement.
func (e *Exporter) edgeTimestamp(ctx context.Context, measurement, sortDir string) (string, error) {
	rows, err := e.api.Query(ctx, client.QueryOptions{
		Measurement: measurement,
		Sort:        sortDir,
		Limit:       1,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("measurement %q has no records", measurement)
	}
	return rows[0][0], nil
}

// retrieveChunks pages through one measurement in ascending time order and
// writes each page to its own temporary chunk file. Every created chunk
// name is returned, including on error, so the caller can purge them.
func (e *Exporter) retrieveChunks(ctx context.Context, item *model.DataItem, measurement string, columns map[string]bool) ([]string, error) {
	src := item.Sources[measurement]

	// Widen the window by one microsecond on both sides so the boundary
	// records themselves are included by the API's exclusive bounds.
	start, err := e.offsetTimestamp(src.Start, -time.Microsecond)
	if err != nil {
		return nil, err
	}
	end, err := e.offsetTimestamp(src.End, time.Microsecond)
	if err != nil {
		return nil, err
	}

	var chunks []string
	for {
		rows, err := e.api.Query(ctx, client.QueryOptions{
			Measurement: measurement,
			Sort:        client.SortAsc,
			Limit:       e.cfg.ChunkSize,
			Window:      &client.TimeRange{Start: start, End: end},
		})
		if err != nil {
			return chunks, err
		}
		if len(rows) == 0 {
			break
		}

		name := model.NewToken()
		chunks = append(chunks, name)
		if err := e.writeChunk(name, rows, item, src.YearMap, columns); err != nil {
			return chunks, err
		}
		item.Size += int64(len(rows))

		e.log.WithFields(logrus.Fields{
			"measurement": measurement,
			"rows":        len(rows),
			"from":        start,
		}).Debug("retrieved chunk")

		// The last timestamp of this page becomes the inclusive lower
		// bound of the next one.
		start = rows[len(rows)-1][0]
	}
	return chunks, nil
}

// writeChunk parses every record of one page, shifts its timestamp and
// appends it as a compact JSON line to a fresh chunk file, accumulating
// column names and default values along the way.
func (e *Exporter) writeChunk(name string, rows []client.Row, item *model.DataItem, yearMap map[string]string, columns map[string]bool) error {
	file, err := os.Create(filepath.Join(e.cfg.TmpPath, name))
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		data, err := decodeObject(row[1])
		if err != nil {
			return fmt.Errorf("failed to parse record payload: %w", err)
		}
		shifted, err := shiftYear(row[0], yearMap)
		if err != nil {
			return err
		}
		data[item.TimeField] = shifted

		for column := range data {
			columns[column] = true
		}

		defaults, err := decodeObject(row[2])
		if err != nil {
			return fmt.Errorf("failed to parse default values: %w", err)
		}
		for column, value := range defaults {
			item.DefaultValues[column] = value
		}

		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to write chunk record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunk file: %w", err)
	}
	return nil
}

// materialize resolves the final column order and streams all chunk files
// into the final artifact, filling gaps from default values.
func (e *Exporter) materialize(item *model.DataItem, chunks []string, columns map[string]bool) error {
	delete(columns, item.TimeField)
	rest := make([]string, 0, len(columns))
	for column := range columns {
		rest = append(rest, column)
	}
	sort.Strings(rest)
	item.Columns = append([]string{item.TimeField}, rest...)

	file, err := os.Create(filepath.Join(e.cfg.DataPath, item.File))
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	// The checksum covers the artifact exactly as it sits on disk.
	digest := xxhash.New()
	var out io.Writer = io.MultiWriter(file, digest)

	var comp *Compressor
	if e.cfg.Compression {
		comp = NewCompressor(out)
		out = comp
	}
	w := bufio.NewWriter(out)

	if _, err := w.WriteString(strings.Join(item.Columns, item.Delimiter) + "\n"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, chunk := range chunks {
		if err := e.appendChunk(w, item, chunk); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output file: %w", err)
	}
	if comp != nil {
		if err := comp.Close(); err != nil {
			return fmt.Errorf("failed to finalize compressed output: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	item.Checksum = strconv.FormatUint(digest.Sum64(), 16)
	return nil
}

// appendChunk replays one chunk file into the output writer.
func (e *Exporter) appendChunk(w *bufio.Writer, item *model.DataItem, chunk string) error {
	file, err := os.Open(filepath.Join(e.cfg.TmpPath, chunk))
	if err != nil {
		return fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer file.Close()

	fields := make([]string, len(item.Columns))
	r := bufio.NewReader(file)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			record, derr := decodeObject(string(line))
			if derr != nil {
				return fmt.Errorf("failed to parse chunk record: %w", derr)
			}
			for i, column := range item.Columns {
				if value, ok := record[column]; ok {
					fields[i] = stringify(value)
				} else if value, ok := item.DefaultValues[column]; ok {
					fields[i] = stringify(value)
				} else {
					fields[i] = ""
				}
			}
			if _, werr := w.WriteString(strings.Join(fields, item.Delimiter) + "\n"); werr != nil {
				return fmt.Errorf("failed to write record: %w", werr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk file: %w", err)
		}
	}
}

// PurgeTmp deletes the named temporary files, or every file in the tmp
// directory when names is nil. Best effort: failures are logged only.
// Called after a successful export and at startup to clear crash debris.
func (e *Exporter) PurgeTmp(names []string) {
	if names == nil {
		entries, err := os.ReadDir(e.cfg.TmpPath)
		if err != nil {
			e.log.WithError(err).Warn("could not list tmp directory")
			return
		}
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(e.cfg.TmpPath, name)); err != nil && !os.IsNotExist(err) {
			e.log.WithError(err).WithField("file", name).Warn("could not remove tmp file")
		}
	}
}

// PurgeUnused deletes every file in the data directory not named in keep.
// Best effort; meant for offline reconciliation against the metadata store.
func (e *Exporter) PurgeUnused(keep []string) {
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	entries, err := os.ReadDir(e.cfg.DataPath)
	if err != nil {
		e.log.WithError(err).Warn("could not list data directory")
		return
	}
	for _, entry := range entries {
		if keepSet[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(e.cfg.DataPath, entry.Name())); err != nil {
			e.log.WithError(err).WithField("file", entry.Name()).Warn("could not remove unused file")
		}
	}
}

// Open returns a reader over a final artifact plus its byte length.
func (e *Exporter) Open(name string) (io.ReadCloser, int64, error) {
	path := filepath.Join(e.cfg.DataPath, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// Remove deletes a final artifact. Missing files are an error.
func (e *Exporter) Remove(name string) error {
	return os.Remove(filepath.Join(e.cfg.DataPath, name))
}

// offsetTimestamp shifts a timestamp by d, keeping the configured layout.
func (e *Exporter) offsetTimestamp(timestamp string, d time.Duration) (string, error) {
	t, err := time.Parse(e.cfg.TimeFormat, timestamp)
	if err != nil {
		return "", fmt.Errorf("failed to parse timestamp %q: %w", timestamp, err)
	}
	return t.Add(d).Format(e.cfg.TimeFormat), nil
}

// decodeObject parses a JSON object, keeping numbers verbatim so they are
// re-emitted exactly as the remote API sent them.
func decodeObject(payload string) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	obj := make(map[string]interface{})
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// stringify renders a record value as an output field.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
