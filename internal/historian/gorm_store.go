package historian

import (
	"context"
	"fmt"
	"time"

	"github.com/plantflow/flowengine/pkg/database"
)

// SampleRecord is the row layout of the SQL historian.
type SampleRecord struct {
	ID        uint              `gorm:"primaryKey;autoIncrement"`
	Name      string            `gorm:"not null;index:idx_sample_name_ts,priority:1"`
	Value     float64           `gorm:"not null"`
	Timestamp time.Time         `gorm:"not null"`
	UnixNano  int64             `gorm:"not null;index:idx_sample_name_ts,priority:2"`
	Quality   string            `gorm:"size:16"`
	Tags      map[string]string `gorm:"serializer:json"`
}

func (SampleRecord) TableName() string {
	return "historian_samples"
}

// GormStore persists samples through gorm (sqlite or postgres).
type GormStore struct {
	db *database.DB
}

func NewGormStore(db *database.DB) (*GormStore, error) {
	if err := db.Migrate(&SampleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate historian schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Write(ctx context.Context, sample Sample) error {
	record := SampleRecord{
		Name:      sample.Name,
		Value:     sample.Value,
		Timestamp: sample.TimestampUTC.UTC(),
		UnixNano:  sample.TimestampUTC.UnixNano(),
		Quality:   sample.Quality,
		Tags:      sample.Tags,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to write sample %s: %w", sample.Name, err)
	}
	return nil
}

// sqlAggregates are computed by the database. First and Last need row
// order within a bucket and tag filters need the JSON tag column, so those
// queries aggregate in process.
var sqlAggregates = map[Aggregation]string{
	Average: "AVG(value)",
	Min:     "MIN(value)",
	Max:     "MAX(value)",
	Sum:     "SUM(value)",
	Count:   "COUNT(*)",
}

type bucketRow struct {
	Bucket int64
	Count  int64
	Value  float64
}

// Query groups samples into buckets in SQL when the aggregation allows it,
// using the same bucket boundaries as Aggregate.
func (s *GormStore) Query(ctx context.Context, q Query) (*QueryResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	fn, ok := sqlAggregates[q.Aggregation]
	if !ok || len(q.TagFilters) > 0 {
		return s.queryRaw(ctx, q)
	}

	bucket := BucketDuration(q.StartUTC, q.EndUTC, q.MaxPoints)
	start := q.StartUTC.UnixNano()

	var rows []bucketRow
	err := s.db.WithContext(ctx).
		Model(&SampleRecord{}).
		Select("(unix_nano - ?) / ? AS bucket, COUNT(*) AS count, "+fn+" AS value", start, int64(bucket)).
		Where("name = ? AND unix_nano >= ? AND unix_nano < ?", q.Name, start, q.EndUTC.UnixNano()).
		Group("bucket").
		Order("bucket ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query samples %s: %w", q.Name, err)
	}

	result := &QueryResult{
		Name:           q.Name,
		Points:         make([]Point, 0, len(rows)),
		BucketDuration: bucket,
	}
	for _, r := range rows {
		result.Points = append(result.Points, Point{
			TimestampUTC: q.StartUTC.Add(time.Duration(r.Bucket) * bucket),
			Value:        r.Value,
			Count:        int(r.Count),
		})
		result.TotalRawPoints += int(r.Count)
	}
	return result, nil
}

func (s *GormStore) queryRaw(ctx context.Context, q Query) (*QueryResult, error) {
	var records []SampleRecord
	err := s.db.WithContext(ctx).
		Where("name = ? AND unix_nano >= ? AND unix_nano < ?", q.Name, q.StartUTC.UnixNano(), q.EndUTC.UnixNano()).
		Order("unix_nano ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query samples %s: %w", q.Name, err)
	}

	samples := make([]Sample, len(records))
	for i, r := range records {
		samples[i] = Sample{
			Name:         r.Name,
			Value:        r.Value,
			TimestampUTC: r.Timestamp.UTC(),
			Quality:      r.Quality,
			Tags:         r.Tags,
		}
	}
	return Aggregate(q, samples)
}
