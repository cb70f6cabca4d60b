package domain

// ExportResult is the outcome of exporting one record downstream.
type ExportResult struct {
	RecordID   string  `json:"record_id"`
	Success    bool    `json:"success"`
	ExternalID *string `json:"external_id,omitempty"`
	Message    string  `json:"message"`
	Attributes int     `json:"attributes,omitempty"`
}

// BatchExportStats aggregates one export_pending run.
type BatchExportStats struct {
	RunID    string   `json:"run_id"`
	Selected int      `json:"selected"`
	Exported int      `json:"exported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ExportEvent is the downstream parent object built for one record.
type ExportEvent struct {
	Info          string
	ThreatLevelID int
	Analysis      int
	Distribution  int
	Tags          []string
	References    []string
	Attributes    []ExportAttribute
}

// ExportAttribute is one mapped child indicator of an ExportEvent.
type ExportAttribute struct {
	Type     string
	Category string
	Value    string
	Comment  string
	ToIDS    bool
}
