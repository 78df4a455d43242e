// Package annotate defines the annotator contract: the closed set of annotator
// kinds, the typed results they produce, failure classification, and the
// subprocess runner that executes curator-model-annotators CLI commands.
package annotate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one annotator in the closed set.
type Kind string

const (
	KindSegmentation Kind = "segmentation"
	KindFaces        Kind = "faces"
	KindPose         Kind = "pose"
	KindProfanity    Kind = "profanity"
)

// AllKinds lists every known annotator kind.
var AllKinds = []Kind{KindSegmentation, KindFaces, KindPose, KindProfanity}

// ParseKind validates a kind name from config or API input.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown annotator kind %q", s)
}

// GPUBound reports whether the annotator competes for accelerator slots.
// Profanity scanning is text-only and runs on CPU.
func (k Kind) GPUBound() bool {
	return k != KindProfanity
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is one annotator's output for one clip.
type Result struct {
	Kind       Kind            `json:"kind"`
	Version    string          `json:"version"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadSHA string          `json:"payload_sha"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IsSuccess reports whether the annotator produced a payload.
func (r *Result) IsSuccess() bool { return r.Status == StatusSuccess }

// Success builds a successful result, hashing the payload.
func Success(kind Kind, version string, payload json.RawMessage) *Result {
	return &Result{
		Kind:       kind,
		Version:    version,
		Status:     StatusSuccess,
		Payload:    payload,
		PayloadSHA: HashPayload(payload),
		CreatedAt:  time.Now().UTC(),
	}
}

// Failed builds a terminal failed result for a transient failure that
// exhausted its retries. Unlike Skipped results it is not cached, so the
// failure never poisons the cache; the clip lands in the dropped-clip report
// and targeted reprocessing can redo the work from there.
func Failed(kind Kind, version, reason string) *Result {
	return &Result{
		Kind:       kind,
		Version:    version,
		Status:     StatusFailed,
		Reason:     reason,
		PayloadSHA: HashPayload(nil),
		CreatedAt:  time.Now().UTC(),
	}
}

// Skipped builds a terminal skipped result for a permanent failure.
func Skipped(kind Kind, version, reason string) *Result {
	return &Result{
		Kind:       kind,
		Version:    version,
		Status:     StatusSkipped,
		Reason:     reason,
		PayloadSHA: HashPayload(nil),
		CreatedAt:  time.Now().UTC(),
	}
}

// HashPayload returns the hex SHA-256 of a payload. The hash participates in
// cache corruption checks, so it must be stable for equal payloads.
func HashPayload(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// FailureKind classifies annotator failures for retry policy.
type FailureKind int

const (
	// FailureTransient covers timeouts and resource exhaustion; retried.
	FailureTransient FailureKind = iota
	// FailurePermanent covers malformed or unsupported input; never retried.
	FailurePermanent
)

func (k FailureKind) String() string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// Failure is a classified annotator error.
type Failure struct {
	Class  FailureKind
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s annotator failure: %s", f.Class, f.Reason)
}

// Transient builds a retryable failure.
func Transient(reason string) *Failure {
	return &Failure{Class: FailureTransient, Reason: reason}
}

// Permanent builds a terminal failure.
func Permanent(reason string) *Failure {
	return &Failure{Class: FailurePermanent, Reason: reason}
}

// AnnotatorOutput represents the required metadata fields validated in every
// annotator JSON output file.
type AnnotatorOutput struct {
	SchemaVersion    string `json:"schema_version"`
	AnnotatorVersion string `json:"annotator_version"`
	ModelVersion     string `json:"model_version"`
}

// RequiredFieldsPresent checks the hard invariants enforced on outputs.
func (o AnnotatorOutput) RequiredFieldsPresent() bool {
	return o.SchemaVersion != "" && o.AnnotatorVersion != "" && o.ModelVersion != ""
}
