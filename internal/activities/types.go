package activities

import (
	"papersynth/internal/models"
	"papersynth/internal/synthesis"
	"papersynth/internal/vector"
)

type ListPDFsInput struct {
	InputDir string `json:"input_dir"`
}

type ListPDFsOutput struct {
	Paths []string `json:"paths"`
}

type ProcessDocumentInput struct {
	Path     string          `json:"path"`
	Metadata models.Metadata `json:"metadata"`
}

type ProcessDocumentOutput struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Chunks     int    `json:"chunks"`
	Failed     bool   `json:"failed"`
	FailReason string `json:"fail_reason,omitempty"`
}

type IndexDocumentInput struct {
	DocumentID string `json:"document_id"`
}

type SaveIndexOutput struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}

type ResolveDocumentsInput struct {
	DocumentIDs []string `json:"document_ids"`
	Order       string   `json:"order,omitempty"`
}

type ResolveDocumentsOutput struct {
	Documents []vector.DocumentInfo `json:"documents"`
}

type SummarizeDocumentInput struct {
	Focus    models.Focus        `json:"focus"`
	Document vector.DocumentInfo `json:"document"`
}

type MergeSummariesInput struct {
	Focus models.Focus   `json:"focus"`
	Left  synthesis.Part `json:"left"`
	Right synthesis.Part `json:"right"`
}

type UpdateSynthesisRunInput struct {
	RunID  string                `json:"run_id"`
	Status string                `json:"status"`
	State  models.SynthesisState `json:"state"`
	Error  string                `json:"error,omitempty"`
}

type WriteSynthesisReportInput struct {
	Report models.SynthesisReport `json:"report"`
}

type WriteSynthesisReportOutput struct {
	OutPath string `json:"out_path"`
}
