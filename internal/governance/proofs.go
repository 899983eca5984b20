package governance

import (
	"context"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/logging"
)

// Proofs stores evidence records. Saving is an upsert by proof id, so
// re-verifying a task replaces its earlier proof instead of accumulating.
type Proofs struct {
	store  core.ProofStore
	logger *logging.Logger
	now    func() time.Time
}

// NewProofs creates the proof service.
func NewProofs(store core.ProofStore, logger *logging.Logger) *Proofs {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Proofs{
		store:  store,
		logger: logger.WithComponent("proofs"),
		now:    time.Now,
	}
}

// Save validates and upserts a proof record.
func (p *Proofs) Save(ctx context.Context, proof *core.Proof) error {
	if proof == nil || proof.ID == "" {
		return core.NewValidationFailed("proof id is required")
	}
	if proof.Type != core.ProofTypeWork && proof.Type != core.ProofTypeAgreement {
		return core.NewValidationFailed("unknown proof type: " + string(proof.Type))
	}
	if proof.AttestationStatus == "" {
		proof.AttestationStatus = core.AttestationPending
	}
	if proof.CreatedAt.IsZero() {
		proof.CreatedAt = p.now()
	}
	if err := p.store.SaveProof(ctx, proof); err != nil {
		return core.NewStoreFailure("save proof", err)
	}
	p.logger.Debug("proof saved",
		"proof_id", proof.ID, "type", string(proof.Type), "task_id", proof.TaskID)
	return nil
}

// ListByInstance returns all proofs recorded for a workflow instance.
func (p *Proofs) ListByInstance(ctx context.Context, instanceID string) ([]*core.Proof, error) {
	return p.store.ListProofs(ctx, instanceID)
}
