package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Resource URIs.
const (
	StatusResourceURI       = "yiana://index/status"
	QueryMetricsResourceURI = "yiana://metrics/queries"
)

// QueryMetricsOutput is the JSON structure for the query_metrics resource.
type QueryMetricsOutput struct {
	Summary             QueryMetricsSummary `json:"summary"`
	TitleHits           int64               `json:"title_hits"`
	ContentHits         int64               `json:"content_hits"`
	TopTerms            []QueryTermCount    `json:"top_terms"`
	TopDocuments        []QueryDocumentHits `json:"top_documents"`
	ZeroResultQueries   []string            `json:"zero_result_queries"`
	LatencyDistribution map[string]int64    `json:"latency_distribution"`
}

// QueryMetricsSummary provides overview statistics.
type QueryMetricsSummary struct {
	TotalQueries  int64   `json:"total_queries"`
	Since         string  `json:"since,omitempty"`
	ZeroResultPct float64 `json:"zero_result_pct"`
}

// QueryTermCount represents a term and its frequency.
type QueryTermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryDocumentHits is a document and how often searches returned it.
type QueryDocumentHits struct {
	DocumentID string `json:"document_id"`
	Count      int64  `json:"count"`
}

func (s *Server) registerResources() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "index_status",
			URI:         StatusResourceURI,
			Description: "Index size and background indexer state",
			MIMEType:    "application/json",
		},
		s.readStatusResource,
	)
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "query_metrics",
			URI:         QueryMetricsResourceURI,
			Description: "Query patterns since the server started",
			MIMEType:    "application/json",
		},
		s.readQueryMetricsResource,
	)
}

func (s *Server) readStatusResource(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	return jsonResource(StatusResourceURI, toIndexStatusOutput(st))
}

func (s *Server) readQueryMetricsResource(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	snap := st.Queries

	output := QueryMetricsOutput{
		Summary: QueryMetricsSummary{
			TotalQueries:  snap.TotalQueries,
			ZeroResultPct: snap.ZeroResultPercentage(),
		},
		TitleHits:           snap.TitleHits,
		ContentHits:         snap.ContentHits,
		TopTerms:            make([]QueryTermCount, 0, len(snap.TopTerms)),
		TopDocuments:        make([]QueryDocumentHits, 0, len(snap.TopDocuments)),
		ZeroResultQueries:   snap.ZeroResultQueries,
		LatencyDistribution: make(map[string]int64, len(snap.LatencyDistribution)),
	}
	if !snap.Since.IsZero() {
		output.Summary.Since = snap.Since.UTC().Format("2006-01-02T15:04:05Z")
	}
	for _, tc := range snap.TopTerms {
		output.TopTerms = append(output.TopTerms, QueryTermCount{Term: tc.Term, Count: tc.Count})
	}
	for _, dc := range snap.TopDocuments {
		output.TopDocuments = append(output.TopDocuments, QueryDocumentHits{DocumentID: dc.ID, Count: dc.Count})
	}
	for bucket, count := range snap.LatencyDistribution {
		output.LatencyDistribution[string(bucket)] = count
	}
	return jsonResource(QueryMetricsResourceURI, output)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(content),
			},
		},
	}, nil
}
