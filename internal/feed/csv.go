package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// CSV reads historical bar data from a CSV file with the header
// timestamp,symbol,open,high,low,close,volume[,interval]. Timestamps are unix
// nanoseconds or RFC3339; interval defaults to one minute. The feeder is
// restartable so the same file replays identically across runs.
type CSV struct {
	path   string
	file   *os.File
	reader *csv.Reader
	line   int
}

// NewCSV opens the file and consumes the header row.
func NewCSV(path string) (*CSV, error) {
	f := &CSV{path: path}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *CSV) open() error {
	// #nosec G304 -- file path is operator provided via CLI flags.
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	if _, err := reader.Read(); err != nil {
		_ = file.Close()
		return fmt.Errorf("read csv header: %w", err)
	}
	f.file = file
	f.reader = reader
	f.line = 1
	return nil
}

// Reset re-opens the file from the beginning.
func (f *CSV) Reset() error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
		f.reader = nil
	}
	return f.open()
}

// Close releases the underlying file.
func (f *CSV) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.reader = nil
	return err
}

// Next returns the next bar event. Malformed records produce a recoverable
// data error; the affected row is skipped by the caller, not the feeder.
func (f *CSV) Next(ctx context.Context) (*schema.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.reader == nil {
		return nil, io.EOF
	}

	record, err := f.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		f.line++
		return nil, errs.New("feed/csv", errs.KindData,
			errs.WithMessage(fmt.Sprintf("line %d: %v", f.line, err)))
	}
	f.line++

	evt, err := f.parseRecord(record)
	if err != nil {
		return nil, err
	}
	return evt, nil
}

func (f *CSV) parseRecord(record []string) (*schema.Event, error) {
	if len(record) < 7 {
		return nil, f.dataErr("expected at least 7 fields, got %d", len(record))
	}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return nil, f.dataErr("timestamp: %v", err)
	}
	symbol := strings.TrimSpace(record[1])
	if symbol == "" {
		return nil, f.dataErr("empty symbol")
	}

	fields := make([]decimal.Decimal, 5)
	names := []string{"open", "high", "low", "close", "volume"}
	for i := 0; i < 5; i++ {
		value, err := decimal.NewFromString(strings.TrimSpace(record[2+i]))
		if err != nil {
			return nil, f.dataErr("%s: %v", names[i], err)
		}
		fields[i] = value
	}

	interval := time.Minute
	if len(record) > 7 && strings.TrimSpace(record[7]) != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(record[7]))
		if err != nil {
			return nil, f.dataErr("interval: %v", err)
		}
		interval = parsed
	}

	evt := &schema.Event{
		Timestamp: ts,
		Symbol:    symbol,
		Kind:      schema.EventKindBar,
		Bar: &schema.BarPayload{
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
			Interval: interval,
		},
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

func (f *CSV) dataErr(format string, args ...any) error {
	return errs.New("feed/csv", errs.KindData,
		errs.WithMessage(fmt.Sprintf("line %d: %s", f.line, fmt.Sprintf(format, args...))))
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, nanos).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
