package triton

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// A DeliveryLedger remembers which batches of a pipeline run were not
// delivered, so they can be replayed later. It expects a reasonably compliant
// SQL database to read and write to. On first use, it will attempt to create
// the table to store results in.
type DeliveryLedger struct {
	db *sql.DB
}

const createLedgerTable = `
CREATE TABLE IF NOT EXISTS triton_delivery_failure (
	run_id VARCHAR(64),
	stream VARCHAR(255),
	source VARCHAR(1024),
	batch INTEGER,
	grp INTEGER,
	first_line INTEGER,
	records INTEGER,
	lines TEXT,
	error TEXT,
	created_at TIMESTAMP,
	PRIMARY KEY (run_id, batch, grp))
`

// LedgerEntry is one undelivered batch.
type LedgerEntry struct {
	RunID     string
	Stream    string
	Source    string
	Batch     int
	Group     int
	FirstLine int
	Records   int
	Lines     []int // input line numbers of the batch's records
	Error     string
	CreatedAt time.Time
}

func NewDeliveryLedger(db *sql.DB) (*DeliveryLedger, error) {
	if _, err := db.Exec(createLedgerTable); err != nil {
		return nil, fmt.Errorf("Failed to initialize db: %v", err)
	}
	return &DeliveryLedger{db: db}, nil
}

func (l *DeliveryLedger) RecordFailure(ctx context.Context, e LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO triton_delivery_failure VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		e.RunID, e.Stream, e.Source, e.Batch, e.Group, e.FirstLine, e.Records, joinLines(e.Lines), e.Error, e.CreatedAt.UTC())
	return err
}

// Failures lists the recorded failures of streamName, oldest first.
func (l *DeliveryLedger) Failures(ctx context.Context, streamName string) (entries []LedgerEntry, err error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, stream, source, batch, grp, first_line, records, lines, error, created_at
		FROM triton_delivery_failure WHERE stream=$1 ORDER BY created_at, run_id, batch, grp`,
		streamName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e LedgerEntry
		var lines sql.NullString
		if err = rows.Scan(&e.RunID, &e.Stream, &e.Source, &e.Batch, &e.Group, &e.FirstLine, &e.Records, &lines, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Lines, err = splitLines(lines.String); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Line numbers are stored comma separated.
func joinLines(lines []int) string {
	parts := make([]string, len(lines))
	for i, n := range lines {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func splitLines(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	lines := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "bad line list %q", s)
		}
		lines[i] = n
	}
	return lines, nil
}
