package ledger

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

// HistoryRow is the parquet row layout for exported ledger history.
type HistoryRow struct {
	Seq              int64     `parquet:"seq"`
	RecordedAt       time.Time `parquet:"recorded_at,timestamp(millisecond)"`
	Transition       string    `parquet:"transition,dict"`
	UnitID           string    `parquet:"unit_id"`
	Status           string    `parquet:"status,dict"`
	CompletedOutputs []string  `parquet:"completed_outputs,list"`
	Error            string    `parquet:"error,optional"`
	Holder           string    `parquet:"holder,optional"`
	Attempts         int32     `parquet:"attempts"`
	Version          int64     `parquet:"version"`
}

const exportBatch = 1024

// ExportParquet writes the full transition history of store to w as a
// zstd-compressed parquet file. It returns the number of rows written.
func ExportParquet(ctx context.Context, store Store, w io.Writer) (int64, error) {
	pw := parquet.NewGenericWriter[HistoryRow](w, parquet.Compression(&parquet.Zstd))

	var (
		total int64
		batch = make([]HistoryRow, 0, exportBatch)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := pw.Write(batch)
		total += int64(n)
		batch = batch[:0]
		return err
	}

	err := store.History(ctx, func(rec Record) error {
		batch = append(batch, toHistoryRow(rec))
		if len(batch) == exportBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		pw.Close()
		return total, fmt.Errorf("export history: %w", err)
	}
	if err := pw.Close(); err != nil {
		return total, fmt.Errorf("close parquet writer: %w", err)
	}
	return total, nil
}

func toHistoryRow(rec Record) HistoryRow {
	e := rec.Entry
	return HistoryRow{
		Seq:              int64(rec.Seq),
		RecordedAt:       rec.RecordedAt.UTC(),
		Transition:       string(rec.Transition),
		UnitID:           e.UnitID,
		Status:           string(e.Status),
		CompletedOutputs: append([]string(nil), e.CompletedOutputs...),
		Error:            e.Error,
		Holder:           e.Holder,
		Attempts:         int32(e.Attempts),
		Version:          int64(e.Version),
	}
}
