package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"likeswap.app/engine/common/logger"
	"likeswap.app/engine/internal/model"
)

// Recorder receives audit events. Satisfied by the activity ledger.
type Recorder interface {
	Record(ev model.LedgerEvent)
}

// minVerifiedActions is how many requested actions must clear the confidence
// threshold for a proof to verify (capped at the number of requested actions
// when fewer than two were asked for).
const minVerifiedActions = 2

// Pipeline wraps a ContentVerifier behind the fixed verification contract:
// it derives the Verified verdict, records every attempt in the ledger, and
// never fails the negotiation flow - classifier outages become degraded
// unverified results.
type Pipeline struct {
	verifier  ContentVerifier
	recorder  Recorder
	threshold float64
}

func NewPipeline(verifier ContentVerifier, recorder Recorder, threshold float64) *Pipeline {
	return &Pipeline{
		verifier:  verifier,
		recorder:  recorder,
		threshold: threshold,
	}
}

// Verify analyzes the proof image for the request. It always returns a usable
// result; the caller treats unverified outcomes uniformly regardless of
// whether the classifier ran or was unreachable.
func (p *Pipeline) Verify(ctx context.Context, req *model.NegotiationRequest, image []byte) model.VerificationResult {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "engine.verify"})

	target := ""
	if req.TargetReference != nil {
		target = *req.TargetReference
	}

	result, err := p.verifier.Analyze(ctx, image, target, req.RequestedActions)
	if err != nil {
		slog.WarnContext(ctx, "verifier unreachable, degrading result", "error", err)
		result = model.VerificationResult{
			DetectedActions: map[model.ActionKind]float64{},
			ModelVersion:    p.verifier.ModelVersion(),
			Degraded:        true,
		}
	}

	result.Verified = p.evaluate(result, req.RequestedActions)

	p.record(req, image, result)

	slog.InfoContext(ctx, "proof verification finished",
		"verified", result.Verified,
		"content_match", result.ContentMatch,
		"degraded", result.Degraded,
		"model_version", result.ModelVersion)

	return result
}

// evaluate derives the verdict: content must match and at least two of the
// requested actions must clear the confidence threshold.
func (p *Pipeline) evaluate(result model.VerificationResult, requested []model.ActionKind) bool {
	if result.Degraded || !result.ContentMatch {
		return false
	}
	if len(requested) == 0 {
		return false
	}

	needed := minVerifiedActions
	if len(requested) < needed {
		needed = len(requested)
	}

	cleared := 0
	for _, kind := range requested {
		if result.DetectedActions[kind] >= p.threshold {
			cleared++
		}
	}
	return cleared >= needed
}

// record appends the attempt to the ledger together with the full result and
// the image digest, for audit and offline retraining. Raw image bytes are
// not retained.
func (p *Pipeline) record(req *model.NegotiationRequest, image []byte, result model.VerificationResult) {
	digest := sha256.Sum256(image)

	detail, _ := json.Marshal(struct {
		Result      model.VerificationResult `json:"result"`
		ImageSHA256 string                   `json:"image_sha256"`
		Target      *string                  `json:"target_reference,omitempty"`
	}{
		Result:      result,
		ImageSHA256: hex.EncodeToString(digest[:]),
		Target:      req.TargetReference,
	})

	p.recorder.Record(model.LedgerEvent{
		NegotiationID:  req.ID,
		IdentityID:     req.IdentityID,
		CounterpartyID: req.CounterpartyID,
		Kind:           model.LedgerVerification,
		Stage:          req.Stage,
		Detail:         detail,
	})
}

// ImageDigest returns the hex SHA-256 of proof image bytes.
func ImageDigest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}
