// Package history stores settlement attempts in ClickHouse.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/settlement"
)

const table = "settlement_attempts"

const createTable = `
CREATE TABLE IF NOT EXISTS settlement_attempts (
    batch           String,
    market_id       UInt8,
    market          LowCardinality(String),
    epoch           UInt64,
    request_ids     Array(String),
    already_settled Array(String),
    seed            String,
    clearing_price  String,
    reference_price String,
    buy_volume      String,
    sell_volume     String,
    matched_volume  String,
    tx_hash         String,
    block_number    UInt64,
    gas_limit       UInt64,
    gas_used        UInt64,
    attempts        UInt16,
    outcome         LowCardinality(String),
    error           String,
    started_at      DateTime64(3),
    finished_at     DateTime64(3),
    duration_ms     UInt64
) ENGINE = MergeTree
PARTITION BY toYYYYMM(started_at)
ORDER BY (market_id, epoch, started_at)`

// Row is one stored attempt.
type Row struct {
	Batch          string    `ch:"batch" json:"batch"`
	MarketID       uint8     `ch:"market_id" json:"marketId"`
	Market         string    `ch:"market" json:"market"`
	Epoch          uint64    `ch:"epoch" json:"epoch"`
	RequestIDs     []string  `ch:"request_ids" json:"requestIds"`
	AlreadySettled []string  `ch:"already_settled" json:"alreadySettled"`
	Seed           string    `ch:"seed" json:"seed"`
	ClearingPrice  string    `ch:"clearing_price" json:"clearingPrice"`
	ReferencePrice string    `ch:"reference_price" json:"referencePrice"`
	BuyVolume      string    `ch:"buy_volume" json:"buyVolume"`
	SellVolume     string    `ch:"sell_volume" json:"sellVolume"`
	MatchedVolume  string    `ch:"matched_volume" json:"matchedVolume"`
	TxHash         string    `ch:"tx_hash" json:"txHash"`
	BlockNumber    uint64    `ch:"block_number" json:"blockNumber"`
	GasLimit       uint64    `ch:"gas_limit" json:"gasLimit"`
	GasUsed        uint64    `ch:"gas_used" json:"gasUsed"`
	Attempts       uint16    `ch:"attempts" json:"attempts"`
	Outcome        string    `ch:"outcome" json:"outcome"`
	Error          string    `ch:"error" json:"error"`
	StartedAt      time.Time `ch:"started_at" json:"startedAt"`
	FinishedAt     time.Time `ch:"finished_at" json:"finishedAt"`
	DurationMs     uint64    `ch:"duration_ms" json:"durationMs"`
}

// RowFrom converts an attempt to its stored form.
func RowFrom(a *settlement.Attempt) Row {
	return Row{
		Batch:          a.Batch,
		MarketID:       a.MarketID,
		Market:         a.Market,
		Epoch:          a.Epoch,
		RequestIDs:     nonNil(a.RequestIDs),
		AlreadySettled: nonNil(a.AlreadySettled),
		Seed:           a.Seed,
		ClearingPrice:  a.ClearingPrice,
		ReferencePrice: a.ReferencePrice,
		BuyVolume:      a.BuyVolume,
		SellVolume:     a.SellVolume,
		MatchedVolume:  a.MatchedVolume,
		TxHash:         a.TxHash,
		BlockNumber:    a.BlockNumber,
		GasLimit:       a.GasLimit,
		GasUsed:        a.GasUsed,
		Attempts:       uint16(a.Attempts),
		Outcome:        string(a.Outcome),
		Error:          a.Error,
		StartedAt:      a.StartedAt,
		FinishedAt:     a.FinishedAt,
		DurationMs:     uint64(a.Duration.Milliseconds()),
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Recorder writes attempts to ClickHouse.
type Recorder struct {
	conn   driver.Conn
	logger *zap.Logger
}

var _ settlement.Sink = (*Recorder)(nil)

// Open connects, creates the database and table, and returns a Recorder.
func Open(ctx context.Context, o Options, logger *zap.Logger) (*Recorder, error) {
	logger = logger.Named("history")
	conn, err := open(ctx, o, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, createTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create %s: %w", table, err)
	}
	return &Recorder{conn: conn, logger: logger}, nil
}

// Record inserts one attempt.
func (r *Recorder) Record(ctx context.Context, a *settlement.Attempt) error {
	row := RowFrom(a)
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	if err := batch.AppendStruct(&row); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append attempt %s: %w", a.Batch, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert attempt %s: %w", a.Batch, err)
	}
	return nil
}

// Recent returns the newest attempts, optionally for one market.
func (r *Recorder) Recent(ctx context.Context, marketID *uint8, limit int) ([]Row, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		where []string
		args  []interface{}
	)
	if marketID != nil {
		where = append(where, "market_id = ?")
		args = append(args, *marketID)
	}
	query := "SELECT * FROM " + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d", limit)

	var rows []Row
	if err := r.conn.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select attempts: %w", err)
	}
	return rows, nil
}

// Close closes the connection.
func (r *Recorder) Close() error {
	return r.conn.Close()
}
