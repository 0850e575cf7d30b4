package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"marlin/internal/domain"
)

// ParquetArchive writes the day's risk decisions to append-only Parquet
// files, one file per trading day. The SQLite decisions table is the live
// audit log; the archive is the long-term, analytics-friendly copy.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a ParquetArchive rooted at the given directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// DecisionRecord is the Parquet schema for archived risk decisions.
// Thresholds are stored as strings to keep the exact decimal representation.
type DecisionRecord struct {
	ID           string `parquet:"id"`
	SignalID     string `parquet:"signal_id"`
	Symbol       string `parquet:"symbol"`
	Side         string `parquet:"side"`
	Approved     bool   `parquet:"approved"`
	RequestedQty int64  `parquet:"requested_qty"`
	Qty          int64  `parquet:"qty"`
	Rule         string `parquet:"rule"`
	Reason       string `parquet:"reason"`
	Threshold    string `parquet:"threshold"`
	Timestamp    int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ArchiveDecisions writes decisions to their per-day Parquet files, merging
// with any records already on disk and deduplicating by decision ID.
func (a *ParquetArchive) ArchiveDecisions(decisions []domain.Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	groups := make(map[string][]DecisionRecord)
	for _, d := range decisions {
		day := d.CreatedAt.UTC().Format("2006-01-02")
		groups[day] = append(groups[day], DecisionRecord{
			ID:           d.ID,
			SignalID:     d.SignalID,
			Symbol:       d.Symbol,
			Side:         string(d.Side),
			Approved:     d.Approved,
			RequestedQty: d.RequestedQty,
			Qty:          d.Qty,
			Rule:         d.Rule,
			Reason:       d.Reason,
			Threshold:    d.Threshold.String(),
			Timestamp:    d.CreatedAt.UnixMilli(),
		})
	}

	for day, records := range groups {
		path := a.decisionPath(day)

		existing, _ := readParquetFile[DecisionRecord](path)
		merged := mergeDecisionRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing decisions for %s: %w", day, err)
		}
	}
	return nil
}

// ReadDecisions reads the archived decisions for a single day. A missing
// file reads as empty.
func (a *ParquetArchive) ReadDecisions(day time.Time) ([]domain.Decision, error) {
	path := a.decisionPath(day.UTC().Format("2006-01-02"))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	records, err := readParquetFile[DecisionRecord](path)
	if err != nil {
		return nil, err
	}

	decisions := make([]domain.Decision, 0, len(records))
	for _, r := range records {
		decisions = append(decisions, domain.Decision{
			ID:           r.ID,
			SignalID:     r.SignalID,
			Symbol:       r.Symbol,
			Side:         domain.Side(r.Side),
			Approved:     r.Approved,
			RequestedQty: r.RequestedQty,
			Qty:          r.Qty,
			Rule:         r.Rule,
			Reason:       r.Reason,
			Threshold:    decodeDecimal(r.Threshold),
			CreatedAt:    time.UnixMilli(r.Timestamp).UTC(),
		})
	}
	return decisions, nil
}

// decisionPath returns the filesystem path for a day's decision file.
// Layout: <dataDir>/decisions/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) decisionPath(day string) string {
	return filepath.Join(a.DataDir, "decisions", day+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeDecisionRecords deduplicates decision records by ID, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeDecisionRecords(existing, incoming []DecisionRecord) []DecisionRecord {
	seen := make(map[string]DecisionRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]DecisionRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
