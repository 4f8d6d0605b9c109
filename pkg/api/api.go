// Package api defines the wire types exchanged with the indexing service.
package api

// IndexRequest asks the indexing service to ingest one structured output file.
type IndexRequest struct {
	FilePath string `json:"file_path"`
	RunID    string `json:"run_id"`
	Source   string `json:"source"`
}

// IndexResponse reports ingestion bookkeeping for one file.
type IndexResponse struct {
	Indexed int      `json:"indexed"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}
