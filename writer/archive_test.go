package writer

import (
	"strings"
	"testing"
	"time"

	"depthflow/config"
	"depthflow/models"
)

func TestFlattenSnapshotOrdersLevels(t *testing.T) {
	snap := models.OrderBookSnapshot{
		Symbol:     "BTC-X",
		SequenceID: 42,
		Timestamp:  time.UnixMilli(1700000000000),
		Bids: []models.PriceLevel{
			{Price: 100.5, Quantity: 2},
			{Price: 100.0, Quantity: 1},
		},
		Asks: []models.PriceLevel{{Price: 101.0, Quantity: 3}},
	}

	records := flattenSnapshot(snap)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Side != "bid" || records[0].Level != 1 || records[0].Price != 100.5 {
		t.Fatalf("best bid record wrong: %+v", records[0])
	}
	if records[1].Level != 2 {
		t.Fatalf("second bid level wrong: %+v", records[1])
	}
	if records[2].Side != "ask" || records[2].Level != 1 || records[2].SequenceID != 42 {
		t.Fatalf("ask record wrong: %+v", records[2])
	}
	if records[0].CapturedAt != 1700000000000 {
		t.Fatalf("captured_at wrong: %d", records[0].CapturedAt)
	}
}

func TestObjectKeyPartitions(t *testing.T) {
	a := &Archiver{cfg: config.S3Config{}}
	ts := time.Date(2026, 2, 3, 15, 4, 5, 0, time.UTC)
	key := a.objectKey("BTC-X", ts)

	if !strings.HasPrefix(key, "symbol=BTC-X/year=2026/month=02/day=03/") {
		t.Fatalf("unexpected key prefix: %s", key)
	}
	if !strings.HasSuffix(key, "book_BTC-X_20260203150405.parquet") {
		t.Fatalf("unexpected key suffix: %s", key)
	}
	if strings.Contains(key, "\\") {
		t.Fatalf("key must use forward slashes: %s", key)
	}
}

func TestBuildParquetRoundSize(t *testing.T) {
	a := &Archiver{cfg: config.S3Config{Compression: "snappy"}}
	records := flattenSnapshot(models.OrderBookSnapshot{
		Symbol:     "BTC-X",
		SequenceID: 1,
		Timestamp:  time.Now(),
		Bids:       []models.PriceLevel{{Price: 100, Quantity: 1}},
		Asks:       []models.PriceLevel{{Price: 101, Quantity: 2}},
	})

	data, err := a.buildParquet(records)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files start and end with the magic bytes "PAR1".
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("output is not a parquet file")
	}
}
