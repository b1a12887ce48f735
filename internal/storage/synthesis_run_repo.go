package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"papersynth/internal/models"

	"github.com/jackc/pgx/v5"
)

var ErrRunNotFound = errors.New("synthesis run not found")

type SynthesisRun struct {
	RunID       string                  `json:"run_id"`
	Focus       string                  `json:"focus"`
	DocumentIDs []string                `json:"document_ids"`
	Status      string                  `json:"status"`
	State       string                  `json:"state"`
	OutPath     string                  `json:"out_path,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Report      *models.SynthesisReport `json:"report,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

type SynthesisRunRepo struct {
	db *DB
}

func NewSynthesisRunRepo(db *DB) *SynthesisRunRepo {
	return &SynthesisRunRepo{db: db}
}

func (r *SynthesisRunRepo) CreateRun(ctx context.Context, runID, focus string, documentIDs []string) error {
	if documentIDs == nil {
		documentIDs = []string{}
	}
	idsJSON, _ := json.Marshal(documentIDs)
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO synthesis_runs (run_id, focus, document_ids, status, state)
VALUES ($1, $2, $3::jsonb, 'pending', $4)`, runID, focus, string(idsJSON), string(models.StateCollecting))
	if err != nil {
		return fmt.Errorf("create synthesis run: %w", err)
	}
	return nil
}

func (r *SynthesisRunRepo) UpdateState(ctx context.Context, runID, status string, state models.SynthesisState, errMsg string) error {
	_, err := r.db.Pool.Exec(ctx, `
UPDATE synthesis_runs SET status=$2, state=$3, error=NULLIF($4,''), updated_at=NOW() WHERE run_id=$1`,
		runID, status, string(state), errMsg)
	if err != nil {
		return fmt.Errorf("update synthesis run: %w", err)
	}
	return nil
}

// Complete stores the final report and where its rendering was written.
func (r *SynthesisRunRepo) Complete(ctx context.Context, runID, outPath string, report models.SynthesisReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
UPDATE synthesis_runs SET status='completed', state=$2, out_path=NULLIF($3,''), report=$4::jsonb, updated_at=NOW()
WHERE run_id=$1`, runID, string(report.State), outPath, string(b))
	if err != nil {
		return fmt.Errorf("complete synthesis run: %w", err)
	}
	return nil
}

func (r *SynthesisRunRepo) GetRun(ctx context.Context, runID string) (SynthesisRun, error) {
	var run SynthesisRun
	var ids string
	var report *string
	err := r.db.Pool.QueryRow(ctx, `
SELECT run_id::text, focus, document_ids::text, status, state, COALESCE(out_path,''), COALESCE(error,''), report::text, created_at, updated_at
FROM synthesis_runs WHERE run_id=$1`, runID).
		Scan(&run.RunID, &run.Focus, &ids, &run.Status, &run.State, &run.OutPath, &run.Error, &report, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SynthesisRun{}, ErrRunNotFound
	}
	if err != nil {
		return SynthesisRun{}, fmt.Errorf("get synthesis run: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &run.DocumentIDs); err != nil {
		return SynthesisRun{}, fmt.Errorf("decode run document ids: %w", err)
	}
	if report != nil {
		var rep models.SynthesisReport
		if err := json.Unmarshal([]byte(*report), &rep); err != nil {
			return SynthesisRun{}, fmt.Errorf("decode run report: %w", err)
		}
		run.Report = &rep
	}
	return run, nil
}
