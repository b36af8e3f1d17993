package domain

import "fmt"

// ResultRecord is the single message a worker produces on clean completion.
// An empty OutputPath means the worker wrote no artifact.
type ResultRecord struct {
	WorkerID      string     `json:"workerId"`
	EventFilters  FilterList `json:"eventFilters"`
	ObjectFilters FilterList `json:"objectFilters"`
	OutputPath    string     `json:"outputPath,omitempty"`
}

// Validate checks both cut-flows are well formed.
func (r *ResultRecord) Validate() error {
	if err := r.EventFilters.Validate(); err != nil {
		return fmt.Errorf("event filters: %w", err)
	}
	if err := r.ObjectFilters.Validate(); err != nil {
		return fmt.Errorf("object filters: %w", err)
	}
	return nil
}

// Envelope carries a worker's result over the result channel. A nil Record
// means the worker contributed nothing.
type Envelope struct {
	WorkerID string        `json:"workerId"`
	Record   *ResultRecord `json:"record,omitempty"`
}

// CombinedReport is the point-wise merge of every successful worker's
// cut-flows plus the partial artifacts that feed the merged output.
type CombinedReport struct {
	Name        string     `json:"name"`
	Event       FilterList `json:"event"`
	Object      FilterList `json:"object"`
	Outputs     []string   `json:"outputs,omitempty"`
	TotalEvents int64      `json:"totalEvents"`
	Workers     int        `json:"workers"`
}

// Basic is the persisted two-key form of the report.
func (r *CombinedReport) Basic() map[string]any {
	return map[string]any{
		"event":  r.Event.Basic(),
		"object": r.Object.Basic(),
	}
}
