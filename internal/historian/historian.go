// Package historian defines the time-series write/read contracts and the
// bucketed aggregation behind dashboard queries.
package historian

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	ErrInvalidQuery       = errors.New("invalid historian query")
	ErrUnknownAggregation = errors.New("unknown aggregation")
)

type Aggregation string

const (
	Average Aggregation = "Average"
	Min     Aggregation = "Min"
	Max     Aggregation = "Max"
	Sum     Aggregation = "Sum"
	Count   Aggregation = "Count"
	First   Aggregation = "First"
	Last    Aggregation = "Last"
)

func ParseAggregation(s string) (Aggregation, error) {
	for _, a := range []Aggregation{Average, Min, Max, Sum, Count, First, Last} {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAggregation, s)
}

// Sample is one raw historian value.
type Sample struct {
	Name         string            `json:"name"`
	Value        float64           `json:"value"`
	TimestampUTC time.Time         `json:"timestampUtc"`
	Quality      string            `json:"quality,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Writer appends samples. Nodes treat it as fire-and-forget.
type Writer interface {
	Write(ctx context.Context, sample Sample) error
}

type Query struct {
	Name        string            `json:"name"`
	StartUTC    time.Time         `json:"startUtc"`
	EndUTC      time.Time         `json:"endUtc"`
	MaxPoints   int               `json:"maxPoints"`
	Aggregation Aggregation       `json:"aggregation"`
	TagFilters  map[string]string `json:"tagFilters,omitempty"`
}

type Point struct {
	TimestampUTC time.Time `json:"timestampUtc"`
	Value        float64   `json:"value"`
	Count        int       `json:"count"`
}

type QueryResult struct {
	Name           string        `json:"name"`
	Points         []Point       `json:"points"`
	BucketDuration time.Duration `json:"bucketDuration"`
	TotalRawPoints int           `json:"totalRawPoints"`
}

// Reader answers aggregated range queries.
type Reader interface {
	Query(ctx context.Context, q Query) (*QueryResult, error)
}

func (q Query) Validate() error {
	switch {
	case q.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidQuery)
	case !q.EndUTC.After(q.StartUTC):
		return fmt.Errorf("%w: end must be after start", ErrInvalidQuery)
	case q.MaxPoints <= 0:
		return fmt.Errorf("%w: maxPoints must be positive", ErrInvalidQuery)
	}
	if _, err := ParseAggregation(string(q.Aggregation)); err != nil {
		return err
	}
	return nil
}

// BucketDuration returns the smallest bucket width that splits [start, end)
// into at most maxPoints buckets.
func BucketDuration(start, end time.Time, maxPoints int) time.Duration {
	span := end.Sub(start)
	if span <= 0 || maxPoints <= 0 {
		return 0
	}
	d := span / time.Duration(maxPoints)
	if span%time.Duration(maxPoints) != 0 {
		d++
	}
	return d
}

// Matches reports whether the sample carries every tag filter.
func (q Query) Matches(s Sample) bool {
	if s.Name != q.Name {
		return false
	}
	if s.TimestampUTC.Before(q.StartUTC) || !s.TimestampUTC.Before(q.EndUTC) {
		return false
	}
	for k, v := range q.TagFilters {
		if s.Tags[k] != v {
			return false
		}
	}
	return true
}

// Aggregate buckets the samples matching q and applies its aggregation.
// Samples outside [StartUTC, EndUTC) or failing the tag filters are ignored.
// Empty buckets produce no point.
func Aggregate(q Query, samples []Sample) (*QueryResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	bucket := BucketDuration(q.StartUTC, q.EndUTC, q.MaxPoints)
	matched := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if q.Matches(s) {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].TimestampUTC.Before(matched[j].TimestampUTC)
	})

	groups := make(map[int64][]float64)
	var order []int64
	for _, s := range matched {
		idx := int64(s.TimestampUTC.Sub(q.StartUTC) / bucket)
		if _, ok := groups[idx]; !ok {
			order = append(order, idx)
		}
		groups[idx] = append(groups[idx], s.Value)
	}

	points := make([]Point, 0, len(order))
	for _, idx := range order {
		values := groups[idx]
		points = append(points, Point{
			TimestampUTC: q.StartUTC.Add(time.Duration(idx) * bucket),
			Value:        apply(q.Aggregation, values),
			Count:        len(values),
		})
	}

	return &QueryResult{
		Name:           q.Name,
		Points:         points,
		BucketDuration: bucket,
		TotalRawPoints: len(matched),
	}, nil
}

// apply expects values in timestamp order and non-empty.
func apply(agg Aggregation, values []float64) float64 {
	switch agg {
	case Min:
		m := math.Inf(1)
		for _, v := range values {
			m = math.Min(m, v)
		}
		return m
	case Max:
		m := math.Inf(-1)
		for _, v := range values {
			m = math.Max(m, v)
		}
		return m
	case Sum:
		var s float64
		for _, v := range values {
			s += v
		}
		return s
	case Count:
		return float64(len(values))
	case First:
		return values[0]
	case Last:
		return values[len(values)-1]
	default:
		var s float64
		for _, v := range values {
			s += v
		}
		return s / float64(len(values))
	}
}
