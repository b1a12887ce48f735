package workflows

import (
	"time"

	"papersynth/internal/config"
	"papersynth/internal/models"
)

type IngestInput struct {
	InputDir string `json:"input_dir"`
	// Metadata is keyed by file base name.
	Metadata  map[string]models.Metadata `json:"metadata,omitempty"`
	BatchSize int                        `json:"batch_size"`
	Retry     config.RetryPolicy         `json:"retry"`
}

type DocumentIngestInput struct {
	Path     string             `json:"path"`
	Metadata models.Metadata    `json:"metadata"`
	Retry    config.RetryPolicy `json:"retry"`
}

type DocumentIngestResult struct {
	DocumentID string `json:"document_id,omitempty"`
	Status     string `json:"status"`
	FailReason string `json:"fail_reason,omitempty"`
}

type IngestProgress struct {
	Total       int               `json:"total"`
	Done        int               `json:"done"`
	Failed      int               `json:"failed"`
	PerDocument map[string]string `json:"per_document"`
	DocumentIDs []string          `json:"document_ids"`
}

type IngestResult struct {
	Total        int      `json:"total"`
	Indexed      int      `json:"indexed"`
	Failed       int      `json:"failed"`
	DocumentIDs  []string `json:"document_ids"`
	IndexEntries int      `json:"index_entries"`
}

type SynthesisInput struct {
	RunID       string              `json:"run_id"`
	DocumentIDs []string            `json:"document_ids,omitempty"`
	Focus       models.Focus        `json:"focus"`
	Order       string              `json:"order,omitempty"`
	Format      models.ExportFormat `json:"format"`
	Concurrency int                 `json:"concurrency"`
	Timeout     time.Duration       `json:"timeout"`
	Retry       config.RetryPolicy  `json:"retry"`
}

type SynthesisProgress struct {
	RunID      string                `json:"run_id"`
	State      models.SynthesisState `json:"state"`
	Total      int                   `json:"total"`
	Summarized int                   `json:"summarized"`
	Omitted    int                   `json:"omitted"`
	Round      int                   `json:"round"`
	MergeCalls int                   `json:"merge_calls"`
}

type SynthesisResult struct {
	RunID     string                `json:"run_id"`
	State     models.SynthesisState `json:"state"`
	OutPath   string                `json:"out_path"`
	Succeeded []string              `json:"succeeded"`
	Omitted   []string              `json:"omitted"`
}
