package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/phiguard/pkg/observability"
)

// ErrChainIntegrity is returned when verification finds any mismatch. It is
// a security incident: nothing is repaired automatically.
var ErrChainIntegrity = errors.New("audit chain integrity violation")

// Source is what the verifier reads. ChainStore and SliceSource implement it.
type Source interface {
	ReadRange(ctx context.Context, r Range) ([]*Entry, error)
	Head(ctx context.Context) (Head, error)
}

// MismatchKind classifies a verification finding.
type MismatchKind string

const (
	// MismatchHash: the stored log_hash differs from the recomputed one.
	MismatchHash MismatchKind = "hash"
	// MismatchLinkage: previous_log_hash differs from the predecessor's log_hash.
	MismatchLinkage MismatchKind = "linkage"
	// MismatchGap: a sequence number inside the chain is missing.
	MismatchGap MismatchKind = "gap"
	// MismatchTimestamp: the timestamp is earlier than the predecessor's.
	MismatchTimestamp MismatchKind = "timestamp"
	// MismatchMalformed: a stored column could not be decoded, so the hash
	// cannot be recomputed.
	MismatchMalformed MismatchKind = "malformed"
)

// Mismatch is one finding.
type Mismatch struct {
	SequenceNumber int64        `json:"sequence_number"`
	Kind           MismatchKind `json:"kind"`
}

// VerificationReport is the result of verifying a range.
type VerificationReport struct {
	OK         bool          `json:"ok"`
	Range      Range         `json:"range"`
	Checked    int64         `json:"checked"`
	Mismatches []int64       `json:"mismatches"`
	Details    []Mismatch    `json:"details"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Verifier recomputes hashes and checks linkage. It never writes.
type Verifier struct {
	source   Source
	pageSize int64
	metrics  *observability.Metrics
}

// NewVerifier reads source in pages of pageSize entries.
func NewVerifier(source Source, pageSize int, metrics *observability.Metrics) *Verifier {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Verifier{source: source, pageSize: int64(pageSize), metrics: metrics}
}

// VerifyAll verifies every entry up to the current head.
func (v *Verifier) VerifyAll(ctx context.Context) (*VerificationReport, error) {
	head, err := v.source.Head(ctx)
	if err != nil {
		v.metrics.ChainVerificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return v.Verify(ctx, Range{From: 0, To: head.Length})
}

// Verify checks each entry in r:
//   - its log_hash is recomputed from its own stored previous_log_hash and fields
//   - its previous_log_hash equals the stored log_hash of its predecessor,
//     including the entry just before r.From
//   - sequence numbers are contiguous up to r.To and timestamps do not decrease
//
// Because each hash is recomputed from the entry's own stored predecessor
// hash, altering one entry's fields is reported at that entry only.
//
// The report is always returned when reading succeeds; err wraps
// ErrChainIntegrity if the report is not OK.
func (v *Verifier) Verify(ctx context.Context, r Range) (report *VerificationReport, err error) {
	ctx, span := observability.StartSpan(ctx, "audit.verify",
		attribute.Int64("audit.range_from", r.From),
		attribute.Int64("audit.range_to", r.To),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := r.Validate(); err != nil {
		return nil, err
	}

	report = &VerificationReport{Range: r, StartedAt: time.Now().UTC(), Mismatches: []int64{}, Details: []Mismatch{}}
	defer func() {
		if report != nil {
			report.Duration = time.Since(report.StartedAt)
			v.metrics.ChainVerificationDuration.Observe(report.Duration.Seconds())
		}
	}()

	w := walker{report: report, expect: r.From}
	if r.From == 0 {
		w.prevHash, w.havePrev = Genesis, true
	} else {
		anchor, err := v.source.ReadRange(ctx, Range{From: r.From - 1, To: r.From})
		if err != nil {
			v.metrics.ChainVerificationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if len(anchor) == 1 {
			w.prevHash, w.prevTime, w.havePrev = anchor[0].LogHash, anchor[0].Timestamp, true
		}
	}

	for from := r.From; from < r.To; from += v.pageSize {
		if err := ctx.Err(); err != nil {
			v.metrics.ChainVerificationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		page, err := v.source.ReadRange(ctx, Range{From: from, To: min(from+v.pageSize, r.To)})
		if err != nil {
			v.metrics.ChainVerificationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		for _, e := range page {
			w.check(e)
		}
	}
	if w.expect < r.To {
		w.flag(w.expect, MismatchGap)
	}

	report.Mismatches = w.sequences()
	report.OK = len(report.Details) == 0
	span.SetAttributes(attribute.Int64("audit.checked", report.Checked), attribute.Int("audit.mismatches", len(report.Mismatches)))

	if !report.OK {
		v.metrics.ChainVerificationsTotal.WithLabelValues("mismatch").Inc()
		v.metrics.ChainMismatchesTotal.Add(float64(len(report.Mismatches)))
		return report, fmt.Errorf("%w: %d mismatched entries in [%d, %d)", ErrChainIntegrity, len(report.Mismatches), r.From, r.To)
	}
	v.metrics.ChainVerificationsTotal.WithLabelValues("ok").Inc()
	return report, nil
}

type walker struct {
	report   *VerificationReport
	expect   int64
	prevHash string
	prevTime time.Time
	havePrev bool
}

func (w *walker) flag(seq int64, kind MismatchKind) {
	w.report.Details = append(w.report.Details, Mismatch{SequenceNumber: seq, Kind: kind})
}

func (w *walker) check(e *Entry) {
	if e.SequenceNumber != w.expect {
		w.flag(w.expect, MismatchGap)
		// The predecessor is missing, so linkage cannot be judged.
		w.havePrev = false
	}

	intact := true
	switch {
	case e.malformed != "":
		w.flag(e.SequenceNumber, MismatchMalformed)
		intact = false
	case ComputeHash(e.PreviousLogHash, e) != e.LogHash:
		w.flag(e.SequenceNumber, MismatchHash)
		intact = false
	}
	if w.havePrev {
		if e.PreviousLogHash != w.prevHash {
			w.flag(e.SequenceNumber, MismatchLinkage)
		}
		if e.Timestamp.Before(w.prevTime) {
			w.flag(e.SequenceNumber, MismatchTimestamp)
		}
	}

	// The successor links to the stored log_hash either way, but only a
	// verified entry's timestamp may bound the next one.
	w.prevHash, w.havePrev = e.LogHash, true
	if intact {
		w.prevTime = e.Timestamp
	}
	w.expect = e.SequenceNumber + 1
	w.report.Checked++
}

func (w *walker) sequences() []int64 {
	seen := make(map[int64]bool, len(w.report.Details))
	seqs := make([]int64, 0, len(w.report.Details))
	for _, d := range w.report.Details {
		if !seen[d.SequenceNumber] {
			seen[d.SequenceNumber] = true
			seqs = append(seqs, d.SequenceNumber)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// SliceSource serves entries already in memory, typically an export read
// back with ReadNDJSON. Entries must belong to one chain.
type SliceSource struct {
	entries []*Entry
}

// NewSliceSource orders entries by sequence number.
func NewSliceSource(entries []*Entry) *SliceSource {
	sorted := append([]*Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SequenceNumber < sorted[j].SequenceNumber })
	return &SliceSource{entries: sorted}
}

func (s *SliceSource) ReadRange(_ context.Context, r Range) ([]*Entry, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].SequenceNumber >= r.From })
	hi := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].SequenceNumber >= r.To })
	return s.entries[lo:hi], nil
}

func (s *SliceSource) Head(context.Context) (Head, error) {
	if len(s.entries) == 0 {
		return Head{LogHash: Genesis}, nil
	}
	last := s.entries[len(s.entries)-1]
	return Head{ChainID: last.ChainID, Length: last.SequenceNumber + 1, LogHash: last.LogHash, Timestamp: last.Timestamp}, nil
}

// First returns the lowest sequence number held, or 0 when empty. An
// exported segment that does not start at 0 is verified from here.
func (s *SliceSource) First() int64 {
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[0].SequenceNumber
}
