package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyToBucket(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want LatencyBucket
	}{
		{5 * time.Millisecond, BucketP10},
		{10 * time.Millisecond, BucketP50},
		{75 * time.Millisecond, BucketP100},
		{250 * time.Millisecond, BucketP500},
		{2 * time.Second, BucketP1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LatencyToBucket(tt.d), tt.d.String())
	}
}

func TestExtractTerms(t *testing.T) {
	assert.Equal(t, []string{"gas", "bill", "2024"}, ExtractTerms("  Gas BILL of 2024 "))
	assert.Equal(t, []string{"council"}, ExtractTerms("the council and your"))
	assert.Nil(t, ExtractTerms("a of"))
	assert.Equal(t, []string{"été"}, ExtractTerms("été"), "length counts runes")
}

func TestRecentSet_KeepsNewestDistinct(t *testing.T) {
	r := newRecentSet(3)
	for _, v := range []string{"a", "b", "c", "a", "d"} {
		r.add(v)
	}

	assert.Equal(t, []string{"c", "a", "d"}, r.list())
}

func TestQueryMetrics_Record(t *testing.T) {
	// Given: a collector and a mix of queries
	m := NewQueryMetrics(DefaultConfig())

	// When: recording them
	m.Record(QueryEvent{Query: "gas bill", TitleHits: 1, ContentHits: 2, DocumentIDs: []string{"d1", "d2", "d3"}, Latency: 3 * time.Millisecond})
	m.Record(QueryEvent{Query: "gas meter", ContentHits: 1, DocumentIDs: []string{"d2"}, Latency: 20 * time.Millisecond})
	m.Record(QueryEvent{Query: "Passport", Latency: 3 * time.Millisecond})
	m.Record(QueryEvent{Query: "passport ", Latency: 3 * time.Millisecond})

	// Then: totals, rankings and zero-result queries are tracked
	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.TotalQueries)
	assert.Equal(t, int64(2), snap.ZeroResultCount)
	assert.Equal(t, int64(1), snap.TitleHits)
	assert.Equal(t, int64(3), snap.ContentHits)
	assert.Equal(t, []string{"passport"}, snap.ZeroResultQueries)
	require.NotEmpty(t, snap.TopTerms)
	assert.Equal(t, TermCount{Term: "gas", Count: 2}, snap.TopTerms[0])
	require.Len(t, snap.TopDocuments, 3)
	assert.Equal(t, DocumentCount{ID: "d2", Count: 2}, snap.TopDocuments[0])
	assert.Equal(t, int64(3), snap.LatencyDistribution[BucketP10])
	assert.Equal(t, int64(1), snap.LatencyDistribution[BucketP50])
	assert.InDelta(t, 50.0, snap.ZeroResultPercentage(), 0.01)
}

func TestQueryMetrics_SnapshotTopLimitsRankings(t *testing.T) {
	m := NewQueryMetrics(Config{SnapshotTop: 2})
	m.Record(QueryEvent{Query: "water rates council", ContentHits: 1})

	snap := m.Snapshot()

	assert.Equal(t, []TermCount{{Term: "council", Count: 1}, {Term: "rates", Count: 1}}, snap.TopTerms)
}

func TestQueryMetrics_EmptySnapshot(t *testing.T) {
	snap := NewQueryMetrics(Config{}).Snapshot()

	assert.Zero(t, snap.TotalQueries)
	assert.Zero(t, snap.ZeroResultPercentage())
	assert.Empty(t, snap.TopTerms)
	assert.Empty(t, snap.TopDocuments)
}

func TestQueryMetrics_ConcurrentRecord(t *testing.T) {
	m := NewQueryMetrics(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Record(QueryEvent{Query: "invoice", TitleHits: 1, DocumentIDs: []string{"inv"}})
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(1000), snap.TotalQueries)
	assert.Equal(t, int64(1000), snap.TopTerms[0].Count)
	assert.Equal(t, int64(1000), snap.TopDocuments[0].Count)
}
