package mcp

import (
	"time"

	"github.com/lh/yiana/internal/async"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/store"
)

// Tool names.
const (
	ToolSearchDocuments = "search_documents"
	ToolDocumentIndexed = "document_indexed"
	ToolIndexStatus     = "index_status"
	ToolReindex         = "reindex"
)

// SearchInput defines the input schema for the search_documents tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"words or phrase to find in document titles and recognized text"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default from configuration"`
}

// SearchOutput defines the output schema for the search_documents tool.
type SearchOutput struct {
	Query   string        `json:"query"`
	Count   int           `json:"count"`
	Results []DocumentHit `json:"results" jsonschema:"ranked hits, title matches first"`
}

// DocumentHit is one search result.
type DocumentHit struct {
	DocumentID string `json:"document_id" jsonschema:"UUID of the document"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet,omitempty" jsonschema:"excerpt of the recognized text around the match"`
	MatchType  string `json:"match_type" jsonschema:"title or content"`
	SourceURL  string `json:"source_url" jsonschema:"path of the document container"`
	ModifiedAt string `json:"modified_at,omitempty" jsonschema:"RFC 3339 modification time"`
}

func toDocumentHit(r store.Result) DocumentHit {
	hit := DocumentHit{
		DocumentID: r.DocumentID,
		Title:      r.Title,
		Snippet:    r.Snippet,
		MatchType:  string(r.MatchType),
		SourceURL:  r.SourceURL,
	}
	if !r.ModifiedAt.IsZero() {
		hit.ModifiedAt = r.ModifiedAt.UTC().Format(time.RFC3339)
	}
	return hit
}

// DocumentIndexedInput defines the input schema for the document_indexed tool.
type DocumentIndexedInput struct {
	DocumentID string `json:"document_id" jsonschema:"UUID of the document"`
}

// DocumentIndexedOutput defines the output schema for the document_indexed tool.
type DocumentIndexedOutput struct {
	DocumentID string `json:"document_id"`
	Indexed    bool   `json:"indexed"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	Root      string          `json:"root"`
	Backend   string          `json:"backend"`
	Count     int             `json:"count" jsonschema:"number of indexed documents"`
	State     string          `json:"state" jsonschema:"idle, indexing or cancelled"`
	Run       *RunProgress    `json:"run,omitempty" jsonschema:"current or last index run"`
	Deferred  int             `json:"deferred" jsonschema:"documents waiting for cloud download"`
	LastError string          `json:"last_error,omitempty"`
	Queries   QueriesOverview `json:"queries"`
}

// RunProgress describes the current or last index run.
type RunProgress struct {
	Status         string `json:"status" jsonschema:"running, completed, cancelled or failed"`
	Seen           int    `json:"seen"`
	Indexed        int    `json:"indexed"`
	Unchanged      int    `json:"unchanged"`
	Deferred       int    `json:"deferred"`
	Failed         int    `json:"failed"`
	Removed        int    `json:"removed"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// QueriesOverview summarizes queries served since start.
type QueriesOverview struct {
	Total         int64   `json:"total"`
	ZeroResultPct float64 `json:"zero_result_pct"`
}

func toIndexStatusOutput(st service.Status) *IndexStatusOutput {
	out := &IndexStatusOutput{
		Root:      st.Root,
		Backend:   st.Backend,
		Count:     st.Count,
		State:     string(st.State),
		Deferred:  st.Deferred,
		LastError: st.LastError,
		Queries: QueriesOverview{
			Total:         st.Queries.TotalQueries,
			ZeroResultPct: st.Queries.ZeroResultPercentage(),
		},
	}
	if st.Progress.Status != "" && st.Progress.Status != string(async.RunStatusNone) {
		out.Run = &RunProgress{
			Status:         st.Progress.Status,
			Seen:           st.Progress.Stats.Seen,
			Indexed:        st.Progress.Stats.Indexed,
			Unchanged:      st.Progress.Stats.Unchanged,
			Deferred:       st.Progress.Stats.Deferred,
			Failed:         st.Progress.Stats.Failed,
			Removed:        st.Progress.Stats.Removed,
			ElapsedSeconds: st.Progress.ElapsedSeconds,
			ErrorMessage:   st.Progress.ErrorMessage,
		}
	}
	return out
}

// ReindexInput defines the input schema for the reindex tool.
type ReindexInput struct {
	Reset bool `json:"reset,omitempty" jsonschema:"drop the index and rebuild it from the repository"`
	Wait  bool `json:"wait,omitempty" jsonschema:"wait for the run to finish; reset always waits"`
}

// ReindexOutput defines the output schema for the reindex tool.
type ReindexOutput struct {
	Status  string `json:"status" jsonschema:"scheduled, completed or rebuilt"`
	Indexed int    `json:"indexed"`
	Removed int    `json:"removed"`
	Failed  int    `json:"failed"`
}
