// Package ingest runs the load jobs: each uploaded file is parsed, deduped
// in memory, and written in chunks through conflict-aware store calls.
// Files are processed one after another; a failing file stops the job and
// the results of the files before it are returned with the error.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jalad-shrimali/cdr-correlator/antenna"
	"github.com/jalad-shrimali/cdr-correlator/detection"
	"github.com/jalad-shrimali/cdr-correlator/internal/config"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/internal/metrics"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/xdr"
)

// Metric source labels.
const (
	SourceXDR       = "xdr"
	SourceAntenna   = "antenna"
	SourceDetection = "detection"
)

// Upload is a file already on local disk plus the name the user gave it.
type Upload struct {
	Path string
	Name string
}

// FileResult reports what one file did to the store.
type FileResult struct {
	File        string `json:"file"`
	Schema      string `json:"schema,omitempty"`
	SourceType  int    `json:"source_type,omitempty"`
	Operator    string `json:"operator,omitempty"`
	Group       string `json:"group,omitempty"`
	ImportID    string `json:"import_id,omitempty"`
	Seen        int    `json:"rows_seen"`
	Inserted    int    `json:"rows_inserted"`
	Updated     int    `json:"rows_updated"`
	Skipped     int    `json:"rows_skipped"`
	Duplicates  int    `json:"rows_duplicate"`
	Deactivated int64  `json:"rows_deactivated,omitempty"`
	TookMS      int64  `json:"took_ms"`
}

// Loader is the store surface the jobs write through.
type Loader interface {
	Partitioner
	Run(ctx context.Context, id uint) (*model.AnalysisRun, error)
	InsertCalls(ctx context.Context, recs []model.CallRecord) (int, error)
	RefreshHits(ctx context.Context, runID uint) (int64, error)
	UpsertAntennas(ctx context.Context, rows []model.Antenna) (inserted, updated int, err error)
	DeactivateOperator(ctx context.Context, op, actor string) (int64, error)
	CreateAntennaImport(ctx context.Context, imp *model.AntennaImport) error
	SaveAntennaImport(ctx context.Context, imp *model.AntennaImport) error
	InsertDetections(ctx context.Context, rows []model.Detection) (int, error)
}

// Options size the batches and steer parsing.
type Options struct {
	AntennaChunk   int
	CallChunk      int
	DetectionChunk int
	PartitionEvery int
	PageSize       int
	Location       *time.Location
	Truncate       map[string]bool
	SaveRaw        bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		AntennaChunk:   2000,
		CallChunk:      3000,
		DetectionChunk: 5000,
		PartitionEvery: 10000,
		PageSize:       detection.DefaultPageSize,
		Location:       time.UTC,
		Truncate:       normalize.DefaultTruncate,
		SaveRaw:        true,
	}
}

// OptionsFrom reads the ingest section of the settings.
func OptionsFrom(s *config.Settings) Options {
	return Options{
		AntennaChunk:   s.Ingest.AntennaChunk,
		CallChunk:      s.Ingest.CallChunk,
		DetectionChunk: s.Ingest.DetectionChunk,
		PartitionEvery: s.Ingest.PartitionEvery,
		PageSize:       s.Ingest.DBPageSize,
		Location:       s.Location(),
		Truncate:       s.TruncateSet(),
		SaveRaw:        s.Ingest.SaveRaw,
	}
}

// Ingester runs load jobs against one store.
type Ingester struct {
	store   Loader
	opt     Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New builds an ingester. m may be nil.
func New(store Loader, opt Options, log *slog.Logger, m *metrics.Metrics) *Ingester {
	if log == nil {
		log = logging.Discard()
	}
	return &Ingester{store: store, opt: opt, log: logging.Module(log, "ingest"), metrics: m}
}

// XDRParams apply to every file of one call-record upload.
type XDRParams struct {
	Operator string
	Group    string
	Fallback normalize.Direction
}

// XDRBatch is the outcome of a call-record upload.
type XDRBatch struct {
	RunID uint         `json:"run_id"`
	Files []FileResult `json:"files"`
	Hits  int64        `json:"hits"`
}

// XDRFiles loads call-record files into a run, then recomputes the run's
// watchlist hits. The refresh runs even when nothing new was inserted or a
// file failed, so objectives added since the last import are matched and
// Hits always reports what the run holds.
func (in *Ingester) XDRFiles(ctx context.Context, runID uint, files []Upload, p XDRParams) (*XDRBatch, error) {
	if _, err := in.store.Run(ctx, runID); err != nil {
		return nil, err
	}
	out := &XDRBatch{RunID: runID}
	var jobErr error
	for _, f := range files {
		r, err := in.xdrFile(ctx, runID, f, p)
		if r != nil {
			out.Files = append(out.Files, *r)
		}
		if err != nil {
			jobErr = err
			break
		}
	}
	hits, err := in.store.RefreshHits(ctx, runID)
	if err != nil {
		return out, errors.Join(jobErr, err)
	}
	out.Hits = hits
	in.log.Info("hits refreshed", "run", runID, "hits", hits)
	return out, jobErr
}

func (in *Ingester) xdrFile(ctx context.Context, runID uint, f Upload, p XDRParams) (res *FileResult, err error) {
	start := time.Now()
	defer func() { in.finish(SourceXDR, f, start, res, err) }()

	parsed, err := xdr.ParseFile(f.Path, xdr.Options{
		Operator:   p.Operator,
		Group:      p.Group,
		Fallback:   p.Fallback,
		Location:   in.opt.Location,
		Truncate:   in.opt.Truncate,
		SourceFile: f.Name,
		SaveRaw:    in.opt.SaveRaw,
	})
	if err != nil {
		return nil, err
	}
	for i := range parsed.Records {
		parsed.Records[i].RunID = runID
	}
	recs, dup := Dedupe(parsed.Records, CallKey)
	res = &FileResult{
		File:       f.Name,
		Schema:     parsed.Schema,
		Operator:   normalize.Operator(p.Operator),
		Group:      p.Group,
		Seen:       parsed.Seen,
		Skipped:    parsed.Skipped,
		Duplicates: dup,
	}
	for _, chunk := range Chunk(recs, in.opt.CallChunk) {
		n, err := in.store.InsertCalls(ctx, chunk)
		if err != nil {
			return res, wrap(f, err)
		}
		res.Inserted += n
		res.Duplicates += len(chunk) - n
	}
	return res, nil
}

// AntennaParams apply to every file of one registry upload.
type AntennaParams struct {
	Operator string // declared operator; required for replace mode unless the file names one
	Mode     string // model.ModeUpsert or model.ModeReplaceOperator
	Actor    string
}

// AntennaFiles loads registry files. Each file gets an import record; in
// replace mode the operator's active rows are deactivated before the file
// is loaded.
func (in *Ingester) AntennaFiles(ctx context.Context, files []Upload, p AntennaParams) ([]FileResult, error) {
	switch p.Mode {
	case "":
		p.Mode = model.ModeUpsert
	case model.ModeUpsert, model.ModeReplaceOperator:
	default:
		return nil, errors.Newf("unknown antenna import mode %q", p.Mode).
			Component("ingest").
			Category(errors.CategoryValidation).
			Build()
	}
	var out []FileResult
	for _, f := range files {
		r, err := in.antennaFile(ctx, f, p)
		if r != nil {
			out = append(out, *r)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (in *Ingester) antennaFile(ctx context.Context, f Upload, p AntennaParams) (res *FileResult, err error) {
	start := time.Now()
	defer func() { in.finish(SourceAntenna, f, start, res, err) }()

	imp := &model.AntennaImport{
		ID:        uuid.NewString(),
		CreatedBy: p.Actor,
		Operator:  normalize.Operator(p.Operator),
		FileName:  f.Name,
		Mode:      p.Mode,
	}
	parsed, err := antenna.ParseFile(f.Path, antenna.Options{
		Operator:   p.Operator,
		ImportID:   imp.ID,
		Actor:      p.Actor,
		SourceFile: f.Name,
		SaveRaw:    in.opt.SaveRaw,
	})
	if err != nil {
		return nil, err
	}
	if imp.Operator == "" {
		imp.Operator = normalize.Operator(parsed.OperatorGuess)
	}
	if err := in.store.CreateAntennaImport(ctx, imp); err != nil {
		return nil, wrap(f, err)
	}

	rows, dup := Dedupe(parsed.Records, AntennaStoreKey)
	res = &FileResult{
		File:       f.Name,
		Schema:     parsed.Schema,
		Operator:   imp.Operator,
		ImportID:   imp.ID,
		Seen:       parsed.Seen,
		Skipped:    parsed.Skipped,
		Duplicates: parsed.Duplicates + dup,
	}

	if p.Mode == model.ModeReplaceOperator {
		ops := replaceTargets(imp.Operator, rows)
		if len(ops) == 0 {
			return res, errors.Newf("%s: replace mode needs an operator", f.Name).
				Component("ingest").
				Category(errors.CategoryValidation).
				Context("file", f.Name).
				Build()
		}
		for _, op := range ops {
			n, err := in.store.DeactivateOperator(ctx, op, p.Actor)
			if err != nil {
				return res, wrap(f, err)
			}
			res.Deactivated += n
		}
	}

	for _, chunk := range Chunk(rows, in.opt.AntennaChunk) {
		ins, upd, err := in.store.UpsertAntennas(ctx, chunk)
		if err != nil {
			return res, wrap(f, err)
		}
		res.Inserted += ins
		res.Updated += upd
	}

	imp.RowsSeen = res.Seen
	imp.RowsInserted = res.Inserted
	imp.RowsUpdated = res.Updated
	imp.RowsSkipped = res.Skipped
	imp.RowsDuplicate = res.Duplicates
	imp.RowsDeactivated = res.Deactivated
	if err := in.store.SaveAntennaImport(ctx, imp); err != nil {
		return res, wrap(f, err)
	}
	return res, nil
}

// replaceTargets is the declared operator, or every operator the file
// carries when none was declared.
func replaceTargets(declared string, rows []model.Antenna) []string {
	if declared != "" {
		return []string{declared}
	}
	var ops []string
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.Operator == antenna.UnknownOperator || seen[r.Operator] {
			continue
		}
		seen[r.Operator] = true
		ops = append(ops, r.Operator)
	}
	return ops
}

// DetectionFiles loads IMSI-catcher exports. Rows stream from the reader
// through the dedupe pass and the partition gate into fixed-size batches.
func (in *Ingester) DetectionFiles(ctx context.Context, files []Upload) ([]FileResult, error) {
	var out []FileResult
	for _, f := range files {
		r, err := in.detectionFile(ctx, f)
		if r != nil {
			out = append(out, *r)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (in *Ingester) detectionFile(ctx context.Context, f Upload) (res *FileResult, err error) {
	start := time.Now()
	defer func() { in.finish(SourceDetection, f, start, res, err) }()

	res = &FileResult{File: f.Name}
	dedupe := NewDeduper(DetectionIMSIKey, DetectionSourceKey)
	gate := newPartitionGate(in.store, in.opt.PartitionEvery)
	size := in.opt.DetectionChunk
	if size <= 0 {
		size = 5000
	}
	batch := make([]model.Detection, 0, size)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := in.store.InsertDetections(ctx, batch)
		if err != nil {
			return err
		}
		res.Inserted += n
		res.Duplicates += len(batch) - n
		batch = batch[:0]
		return nil
	}

	st, err := detection.ReadFile(ctx, f.Path, detection.Options{
		SourceFile: f.Name,
		Location:   in.opt.Location,
		SaveRaw:    in.opt.SaveRaw,
		PageSize:   in.opt.PageSize,
	}, func(d model.Detection) error {
		if err := gate.Before(ctx, d.TS); err != nil {
			return err
		}
		if dedupe.Duplicate(d) {
			res.Duplicates++
			return nil
		}
		batch = append(batch, d)
		if len(batch) >= size {
			return flush()
		}
		return nil
	})
	res.SourceType = st.SourceType
	res.Seen = st.Seen
	res.Skipped = st.Skipped
	if err != nil {
		return res, wrap(f, err)
	}
	if err := flush(); err != nil {
		return res, wrap(f, err)
	}
	return res, nil
}

// finish logs and records metrics for one file. A failed file still counts
// the rows it committed before the failure.
func (in *Ingester) finish(source string, f Upload, start time.Time, res *FileResult, err error) {
	took := time.Since(start)
	in.metrics.File(source, took, err)
	if err != nil {
		in.log.Error("file failed", "source", source, "file", f.Name, "error", err)
	}
	if res == nil {
		return
	}
	res.TookMS = took.Milliseconds()
	in.metrics.Rows(source, metrics.OutcomeSeen, res.Seen)
	in.metrics.Rows(source, metrics.OutcomeInserted, res.Inserted)
	in.metrics.Rows(source, metrics.OutcomeUpdated, res.Updated)
	in.metrics.Rows(source, metrics.OutcomeSkipped, res.Skipped)
	in.metrics.Rows(source, metrics.OutcomeDuplicate, res.Duplicates)
	if err != nil {
		return
	}
	in.log.Info("file ingested",
		"source", source,
		"file", f.Name,
		"schema", res.Schema,
		"seen", res.Seen,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"duplicates", res.Duplicates,
		"took", took)
}

// wrap adds the file name to errors that do not carry a category yet.
func wrap(f Upload, err error) error {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	return errors.New(fmt.Errorf("%s: %w", f.Name, err)).
		Component("ingest").
		Category(errors.CategoryDatabase).
		Context("file", f.Name).
		Build()
}
