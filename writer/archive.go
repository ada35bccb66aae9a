package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	"depthflow/config"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

// LevelRecord is the flat parquet row: one per price level per captured
// snapshot.
type LevelRecord struct {
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapturedAt int64   `parquet:"name=captured_at, type=INT64"`
	SequenceID int64   `parquet:"name=sequence_id, type=INT64"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Quantity   float64 `parquet:"name=quantity, type=DOUBLE"`
	Level      int32   `parquet:"name=level, type=INT32"`
}

// memoryFileWriter adapts a bytes.Buffer to the parquet file interface so
// files build fully in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver batches captured snapshots per symbol and periodically writes
// them to S3 as parquet files under date-partitioned keys.
type Archiver struct {
	cfg      config.S3Config
	appName  string
	version  string
	interval time.Duration
	s3Client *s3.Client

	buffer map[string][]LevelRecord

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewArchiver builds the S3 client and verifies credentials up front so a
// misconfigured archive fails at startup, not at first flush.
func NewArchiver(cfg config.S3Config, appName, version string, interval time.Duration) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("archiver initialized")

	return &Archiver{
		cfg:      cfg,
		appName:  appName,
		version:  version,
		interval: interval,
		s3Client: client,
		buffer:   make(map[string][]LevelRecord),
		wg:       &sync.WaitGroup{},
		log:      log,
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.log.WithComponent("archiver").Info("starting archiver")
	a.wg.Add(1)
	go a.flushWorker()
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	a.log.WithComponent("archiver").Info("stopping archiver")
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

// Add stages one snapshot for the next flush. Safe for concurrent use.
func (a *Archiver) Add(snap models.OrderBookSnapshot) {
	records := flattenSnapshot(snap)
	a.mu.Lock()
	a.buffer[snap.Symbol] = append(a.buffer[snap.Symbol], records...)
	a.mu.Unlock()
}

func flattenSnapshot(snap models.OrderBookSnapshot) []LevelRecord {
	records := make([]LevelRecord, 0, len(snap.Bids)+len(snap.Asks))
	for i, l := range snap.Bids {
		records = append(records, LevelRecord{
			Symbol:     snap.Symbol,
			CapturedAt: snap.Timestamp.UnixMilli(),
			SequenceID: snap.SequenceID,
			Side:       string(models.SideBid),
			Price:      l.Price,
			Quantity:   l.Quantity,
			Level:      int32(i + 1),
		})
	}
	for i, l := range snap.Asks {
		records = append(records, LevelRecord{
			Symbol:     snap.Symbol,
			CapturedAt: snap.Timestamp.UnixMilli(),
			SequenceID: snap.SequenceID,
			Side:       string(models.SideAsk),
			Price:      l.Price,
			Quantity:   l.Quantity,
			Level:      int32(i + 1),
		})
	}
	return records
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			return
		case <-ticker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]LevelRecord)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for symbol, records := range buffers {
		if len(records) == 0 {
			continue
		}
		a.uploadBatch(symbol, records)
	}
}

func (a *Archiver) uploadBatch(symbol string, records []LevelRecord) {
	batchID := uuid.New().String()
	now := time.Now().UTC()
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batch_id":     batchID,
		"symbol":       symbol,
		"record_count": len(records),
	})

	data, err := a.buildParquet(records)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	key := a.objectKey(symbol, now)
	if err := a.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.cfg.Bucket,
			"s3_key": key,
		}).Error("failed to upload archive batch")
		return
	}

	metrics.Inc(metrics.CounterArchiveUploads)
	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("archive batch uploaded")
	logger.LogDataFlowEntry(log, symbol, a.cfg.Bucket, len(records), "book_levels")
}

func (a *Archiver) objectKey(symbol string, ts time.Time) string {
	key := filepath.Join(
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("book_%s_%s.parquet", symbol, ts.Format("20060102150405")),
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) buildParquet(records []LevelRecord) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := parquetwriter.NewParquetWriter(fw, new(LevelRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch a.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range records {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.cfg.Compression,
			"depthflow-app":     a.appName,
			"depthflow-version": a.version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}
