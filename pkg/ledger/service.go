// Package ledger coordinates the chain, the batch index and the risk
// aggregator behind a single write path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/index"
	"github.com/lucks-13/foodtrace-capstone/pkg/observability"
	"github.com/lucks-13/foodtrace-capstone/pkg/risk"
)

const (
	MaxBatchIDLength  = 128
	DefaultMaxPayload = 64 << 10
	DefaultTopN       = 5
)

// Receipt acknowledges an accepted batch.
type Receipt struct {
	BatchID    string `json:"batch_id"`
	RecordHash string `json:"record_hash"`
	Sequence   uint64 `json:"sequence_number"`
}

// VerifyReport is the outcome of a full chain replay.
type VerifyReport struct {
	OK     bool   `json:"ok"`
	Length int    `json:"length"`
	Head   string `json:"head"`
	Error  string `json:"error,omitempty"`
}

// Status summarises the service for operators.
type Status struct {
	Length       int    `json:"length"`
	Head         string `json:"head"`
	Indexed      int    `json:"indexed"`
	Orphans      int    `json:"orphans"`
	Districts    int    `json:"districts"`
	StorageError string `json:"storage_error,omitempty"`
}

// Service is the single entry point for reads and writes. Writes are
// serialised; reads run concurrently and never take the write lock.
type Service struct {
	store *chain.Store
	agg   *risk.Aggregator
	idx   atomic.Pointer[index.Index]

	// write is a one-slot semaphore so queued writers can give up on ctx.
	write *semaphore.Weighted

	orphanMu sync.Mutex
	orphans  map[string]uint64

	strictIDs  bool
	maxPayload int
	logger     *slog.Logger
	obs        *observability.Provider
}

type Option func(*Service)

// WithStrictIDs rejects batch ids that do not name a district.
func WithStrictIDs(strict bool) Option {
	return func(s *Service) { s.strictIDs = strict }
}

func WithMaxPayload(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// New builds the index by replaying the chain.
func New(store *chain.Store, agg *risk.Aggregator, opts ...Option) (*Service, error) {
	if store == nil || agg == nil {
		return nil, errors.New("ledger: store and aggregator are required")
	}
	s := &Service{
		store:      store,
		agg:        agg,
		write:      semaphore.NewWeighted(1),
		orphans:    make(map[string]uint64),
		strictIDs:  true,
		maxPayload: DefaultMaxPayload,
		logger:     slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}

	idx, err := index.Rebuild(store.Records())
	if err != nil {
		return nil, translate(err)
	}
	s.idx.Store(idx)
	agg.MarkStale()
	return s, nil
}

func (s *Service) validate(batchID, payload string) error {
	switch {
	case strings.TrimSpace(batchID) == "":
		return validationf("batch_id is empty")
	case strings.TrimSpace(batchID) != batchID:
		return validationf("batch_id has surrounding whitespace")
	case !utf8.ValidString(batchID):
		return validationf("batch_id is not valid UTF-8")
	case utf8.RuneCountInString(batchID) > MaxBatchIDLength:
		return validationf("batch_id longer than %d characters", MaxBatchIDLength)
	case strings.IndexFunc(batchID, unicode.IsControl) >= 0:
		return validationf("batch_id contains control characters")
	case payload == "":
		return validationf("data is empty")
	case len(payload) > s.maxPayload:
		return validationf("data is %d bytes, limit is %d", len(payload), s.maxPayload)
	case !utf8.ValidString(payload):
		return validationf("data is not valid UTF-8")
	}
	if s.strictIDs {
		if _, err := risk.DistrictOf(batchID); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}

// AddBatch appends a batch to the chain and indexes it.
//
// If the append succeeds but indexing fails, the record stays on the chain
// (it cannot be removed), is tracked as an orphan and ErrIndexCorruption is
// returned. RebuildIndex repairs orphans.
func (s *Service) AddBatch(ctx context.Context, batchID, payload string) (rec Receipt, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "ledger.add_batch")
	defer func() { done(err) }()

	if err := s.validate(batchID, payload); err != nil {
		return Receipt{}, err
	}

	if err := s.write.Acquire(ctx, 1); err != nil {
		return Receipt{}, err
	}
	defer s.write.Release(1)

	appended, err := s.store.Append(ctx, batchID, payload)
	if err != nil {
		return Receipt{}, translate(err)
	}
	s.agg.MarkStale()

	if err := s.idx.Load().Register(appended.BatchID, appended.Sequence); err != nil {
		s.orphanMu.Lock()
		s.orphans[appended.BatchID] = appended.Sequence
		s.orphanMu.Unlock()
		s.logger.ErrorContext(ctx, "batch appended but not indexed",
			"batch_id", appended.BatchID,
			"sequence", appended.Sequence,
			"record_hash", appended.RecordHash,
			"error", err,
		)
		return Receipt{}, translate(err)
	}

	s.logger.DebugContext(ctx, "batch added", "batch_id", appended.BatchID, "sequence", appended.Sequence)
	return Receipt{
		BatchID:    appended.BatchID,
		RecordHash: appended.RecordHash,
		Sequence:   appended.Sequence,
	}, nil
}

// Trace returns the chain record of a batch.
func (s *Service) Trace(ctx context.Context, batchID string) (rec chain.BatchRecord, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "ledger.trace")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return chain.BatchRecord{}, err
	}
	if seq, orphaned := s.orphan(batchID); orphaned {
		return chain.BatchRecord{}, fmt.Errorf("%w: %q is on the chain at sequence %d but not indexed",
			ErrIndexCorruption, batchID, seq)
	}

	seq, err := s.idx.Load().Lookup(batchID)
	if err != nil {
		return chain.BatchRecord{}, translate(err)
	}
	rec, err = s.store.GetBySequence(seq)
	if err != nil {
		return chain.BatchRecord{}, fmt.Errorf("%w: %q indexed at sequence %d: %w",
			ErrIndexCorruption, batchID, seq, err)
	}
	if rec.BatchID != batchID {
		return chain.BatchRecord{}, fmt.Errorf("%w: %q indexed at sequence %d which holds %q",
			ErrIndexCorruption, batchID, seq, rec.BatchID)
	}
	return rec, nil
}

// Safety returns the risk view of one district.
func (s *Service) Safety(ctx context.Context, district string) (stat risk.DistrictStat, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "ledger.safety", attribute.String("district", risk.NormalizeDistrict(district)))
	defer func() { done(err) }()

	stat, err = s.agg.Get(ctx, district)
	if err != nil {
		return risk.DistrictStat{}, translate(err)
	}
	return stat, nil
}

// Districts lists every known district alphabetically.
func (s *Service) Districts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.agg.Names(), nil
}

// Stats returns the n riskiest districts; n <= 0 means DefaultTopN.
func (s *Service) Stats(ctx context.Context, n int) (stats []risk.DistrictStat, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "ledger.stats")
	defer func() { done(err) }()

	if n <= 0 {
		n = DefaultTopN
	}
	stats, err = s.agg.TopN(ctx, n)
	if err != nil {
		return nil, translate(err)
	}
	return stats, nil
}

// VerifyChain replays the whole chain.
func (s *Service) VerifyChain(ctx context.Context) VerifyReport {
	_, done := s.obs.TrackOperation(ctx, "ledger.verify")
	report := VerifyReport{Length: s.store.Len(), Head: s.store.Head(), OK: true}
	err := s.store.VerifyChain()
	if err != nil {
		report.OK = false
		report.Error = err.Error()
		s.logger.ErrorContext(ctx, "chain verification failed", "error", err)
	}
	done(err)
	return report
}

// RebuildIndex reconstructs the index from the chain and clears orphans.
// It holds the write lock, so no batch is added while it runs.
func (s *Service) RebuildIndex(ctx context.Context) (n int, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "ledger.rebuild_index")
	defer func() { done(err) }()

	if err := s.write.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.write.Release(1)

	idx, err := index.Rebuild(s.store.Records())
	if err != nil {
		return 0, translate(err)
	}
	s.idx.Store(idx)

	s.orphanMu.Lock()
	cleared := len(s.orphans)
	s.orphans = make(map[string]uint64)
	s.orphanMu.Unlock()

	s.agg.MarkStale()
	s.logger.InfoContext(ctx, "index rebuilt", "entries", idx.Len(), "orphans_cleared", cleared)
	return idx.Len(), nil
}

func (s *Service) orphan(batchID string) (uint64, bool) {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	seq, ok := s.orphans[batchID]
	return seq, ok
}

// Orphans lists batch ids that are on the chain but missing from the index.
func (s *Service) Orphans() []string {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	out := make([]string, 0, len(s.orphans))
	for id := range s.orphans {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Status() Status {
	st := Status{
		Length:    s.store.Len(),
		Head:      s.store.Head(),
		Indexed:   s.idx.Load().Len(),
		Orphans:   len(s.Orphans()),
		Districts: len(s.agg.Names()),
	}
	if err := s.store.Healthy(); err != nil {
		st.StorageError = err.Error()
	}
	return st
}

// Records returns a copy of the chain for export.
func (s *Service) Records() []chain.BatchRecord {
	return s.store.Records()
}
