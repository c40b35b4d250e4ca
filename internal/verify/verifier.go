package verify

import (
	"context"
	"fmt"
	"strings"

	"likeswap.app/engine/common/llm"
	"likeswap.app/engine/internal/model"
)

// ContentVerifier analyzes a proof screenshot against the content the
// counterparty was supposed to act on. Implementations return per-action
// confidences in [0,1] and must be deterministic for identical input and
// model version. "Model unavailable" is not an error condition here - the
// pipeline degrades any failure into an unverified result either way.
type ContentVerifier interface {
	Analyze(ctx context.Context, image []byte, targetReference string, requested []model.ActionKind) (model.VerificationResult, error)
	ModelVersion() string
}

type analysisResponse struct {
	Detected     []detectedAction `json:"detected" jsonschema:"required,description=Engagement actions visible in the screenshot"`
	ContentMatch bool             `json:"content_match" jsonschema:"required,description=Whether the screenshot shows the referenced content"`
}

type detectedAction struct {
	Action     string  `json:"action" jsonschema:"required,enum=like,enum=comment,enum=subscribe,description=The engagement action kind"`
	Confidence float64 `json:"confidence" jsonschema:"required,description=Confidence between 0 and 1"`
}

const analysisSystemPrompt = `You analyze screenshots submitted as proof of social engagement actions.
Given a screenshot and a content reference, report which engagement actions
(like, comment, subscribe) are visibly completed in the screenshot, with a
confidence between 0 and 1 for each, and whether the screenshot actually
shows the referenced content.`

type visionVerifier struct {
	client llm.Client
}

// NewVisionVerifier builds a ContentVerifier backed by a vision model with
// structured output.
func NewVisionVerifier(client llm.Client) ContentVerifier {
	return &visionVerifier{client: client}
}

func (v *visionVerifier) Analyze(ctx context.Context, image []byte, targetReference string, requested []model.ActionKind) (model.VerificationResult, error) {
	kinds := make([]string, len(requested))
	for i, k := range requested {
		kinds[i] = string(k)
	}

	var parsed analysisResponse
	_, err := v.client.Analyze(ctx, llm.Request{
		SystemPrompt: analysisSystemPrompt,
		UserPrompt: fmt.Sprintf("Content reference: %s\nActions to check: %s",
			targetReference, strings.Join(kinds, ", ")),
		ImageData:  image,
		SchemaName: "engagement_analysis",
		Schema:     llm.GenerateSchema[analysisResponse](),
	}, &parsed)
	if err != nil {
		return model.VerificationResult{}, fmt.Errorf("vision analysis: %w", err)
	}

	detected := make(map[model.ActionKind]float64, len(parsed.Detected))
	for _, d := range parsed.Detected {
		detected[model.ActionKind(d.Action)] = clamp(d.Confidence)
	}

	return model.VerificationResult{
		DetectedActions: detected,
		ContentMatch:    parsed.ContentMatch,
		ModelVersion:    v.client.Model(),
	}, nil
}

func (v *visionVerifier) ModelVersion() string {
	return v.client.Model()
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// offlineVerifier is used when no verifier credentials are configured. It
// returns degraded (never-verified) results so the engine keeps functioning
// without ever completing a negotiation on unchecked proof.
type offlineVerifier struct{}

func NewOfflineVerifier() ContentVerifier {
	return offlineVerifier{}
}

func (offlineVerifier) Analyze(_ context.Context, _ []byte, _ string, _ []model.ActionKind) (model.VerificationResult, error) {
	return model.VerificationResult{
		DetectedActions: map[model.ActionKind]float64{},
		ModelVersion:    "offline",
		Degraded:        true,
	}, nil
}

func (offlineVerifier) ModelVersion() string {
	return "offline"
}
