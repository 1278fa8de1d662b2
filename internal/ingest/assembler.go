package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/calcatalog"
	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/shopspring/decimal"
)

// subbandPattern matches correlator output names such as
// "2025-10-02T00:12:00_sb05.hdf5".
var subbandPattern = regexp.MustCompile(
	`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(\d{2})\.hdf5$`,
)

// ErrNotSubband is returned for paths that do not carry a parseable subband
// timestamp. Such files are rejected without creating any state.
var ErrNotSubband = errors.New("not a recognizable subband file")

// ParseSubbandName extracts the declared timestamp and subband index from a
// filename.
func ParseSubbandName(path string) (time.Time, int, error) {
	m := subbandPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, 0, fmt.Errorf("%s: %w", path, ErrNotSubband)
	}
	ts, err := time.ParseInLocation(pipeline.GroupKeyLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%s: %w: %v", path, ErrNotSubband, err)
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%s: %w: %v", path, ErrNotSubband, err)
	}
	return ts, idx, nil
}

// Assembler maps observed subband files onto time-windowed groups in the
// durable store. It holds no cross-call mutable state: every observation
// re-reads and re-decides through the store.
type Assembler struct {
	store    storage.GroupStore
	catalog  *calcatalog.Catalog
	window   time.Duration
	expected int
	minFlux  decimal.Decimal

	// statFn is swapped in tests to avoid touching the filesystem.
	statFn func(string) (os.FileInfo, error)
}

// NewAssembler wires an assembler over the store.
//
// window is the grouping quantum: files whose declared timestamps land in
// the same window belong to the same group. expected is the subband count
// that completes a group.
func NewAssembler(
	store storage.GroupStore,
	catalog *calcatalog.Catalog,
	window time.Duration,
	expected int,
	minFlux decimal.Decimal,
) *Assembler {
	return &Assembler{
		store:    store,
		catalog:  catalog,
		window:   window,
		expected: expected,
		minFlux:  minFlux,
		statFn:   os.Stat,
	}
}

// Observe records one subband file arrival.
//
// Unparseable names and unresolvable paths are rejected with no state
// created. Re-observation of a known (group, index) is a no-op. A known
// path re-observed under a different slot returns storage.ErrPathConflict,
// an index past the expected range storage.ErrSubbandIndexOutOfRange, and a
// new member for an already promoted group storage.ErrGroupNotCollecting;
// callers log those anomalies and drop the file.
func (a *Assembler) Observe(ctx context.Context, path string) (storage.ObserveResult, error) {
	ts, idx, err := ParseSubbandName(path)
	if err != nil {
		return storage.ObserveResult{}, err
	}

	info, err := a.statFn(path)
	if err != nil {
		return storage.ObserveResult{}, fmt.Errorf("subband file not resolvable: %w", err)
	}

	groupKey := pipeline.GroupKeyFor(ts, a.window)
	windowStart, _ := time.ParseInLocation(pipeline.GroupKeyLayout, groupKey, time.UTC)

	seed := storage.GroupSeed{ExpectedSubbands: a.expected}
	if a.catalog != nil {
		seed.Calibrators = a.catalog.TransitsIn(windowStart, a.window, a.minFlux)
		seed.HasCalibrator = len(seed.Calibrators) > 0
	}

	res, err := a.store.ObserveSubband(ctx, pipeline.SubbandFile{
		GroupKey:   groupKey,
		SubbandIdx: idx,
		Path:       path,
		SizeBytes:  info.Size(),
	}, seed)
	if err != nil {
		return res, err
	}

	if res.Promoted {
		slog.Info("[Assembler] Group membership complete",
			"group", groupKey,
			"members", res.MemberCount,
			"has_calibrator", seed.HasCalibrator,
		)
	}
	return res, nil
}

// ForceComplete promotes a partial group on an external timeout signal.
func (a *Assembler) ForceComplete(ctx context.Context, groupKey string) error {
	if err := a.store.ForceComplete(ctx, groupKey); err != nil {
		return err
	}
	slog.Info("[Assembler] Force-completed partial group", "group", groupKey)
	return nil
}

// Bootstrap registers subband files already present in dir. Run once at
// startup so arrivals during downtime are not lost; observation idempotence
// makes re-registration after restart harmless.
func (a *Assembler) Bootstrap(ctx context.Context, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*_sb??.hdf5"))
	if err != nil {
		return fmt.Errorf("failed to scan input directory: %w", err)
	}
	sort.Strings(matches)

	var registered, skipped, rejected int
	for _, path := range matches {
		res, err := a.Observe(ctx, path)
		switch {
		case errors.Is(err, ErrNotSubband):
			continue
		case errors.Is(err, storage.ErrPathConflict),
			errors.Is(err, storage.ErrSubbandIndexOutOfRange),
			errors.Is(err, storage.ErrGroupNotCollecting):
			slog.Warn("[Assembler] Anomalous file during bootstrap, ignored",
				"path", path, "error", err)
			rejected++
		case err != nil:
			return fmt.Errorf("bootstrap failed at %s: %w", path, err)
		case res.Duplicate:
			skipped++
		default:
			registered++
		}
	}

	slog.Info("[Assembler] Bootstrap complete",
		"dir", dir,
		"registered", registered,
		"already_known", skipped,
		"rejected", rejected,
	)
	return nil
}
