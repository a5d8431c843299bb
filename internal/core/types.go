package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tuning defaults, taken from the optimized SadTalker settings.
const (
	DefaultExpressionScale = 0.3
	DefaultSize            = 512
	DefaultPoseStyle       = 0

	maxExpressionScale = 1.0
	maxPoseStyle       = 45
)

var (
	// ErrExpressionScaleRange indicates an expression scale outside [0.0, 1.0].
	ErrExpressionScaleRange = errors.New("expression_scale must be between 0.0 and 1.0")
	// ErrUnsupportedSize indicates a render size the engine was not built for.
	ErrUnsupportedSize = errors.New("unsupported size")
	// ErrPoseStyleRange indicates a pose style outside [0, 45].
	ErrPoseStyleRange = errors.New("pose_style must be between 0 and 45")
)

// Subject identifies the thing being animated. Two subjects with the same Key
// are cache-equivalent.
type Subject struct {
	Key        string `json:"subject_key"`
	SourcePath string `json:"source_path"`
}

// NamedPath is one named output of a precompute. Artifact paths are kept as an
// ordered list so the engine's output order survives the round trip.
type NamedPath struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PrecomputeArtifact is the derived data produced once per subject.
type PrecomputeArtifact struct {
	SubjectKey    string          `json:"subject_key"`
	SourcePath    string          `json:"source_path"`
	ArtifactPaths []NamedPath     `json:"artifact_paths"`
	ExtraMetadata json.RawMessage `json:"extra_metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Path returns the path registered under name.
func (a *PrecomputeArtifact) Path(name string) (string, bool) {
	for _, namedPath := range a.ArtifactPaths {
		if namedPath.Name == name {
			return namedPath.Path, true
		}
	}

	return "", false
}

// Tuning holds the engine-specific parameters of a generate request.
type Tuning struct {
	ExpressionScale float64 `json:"expression_scale"`
	Still           bool    `json:"still"`
	Size            int     `json:"size"`
	PoseStyle       int     `json:"pose_style"`
}

// DefaultTuning returns the tuning used when a caller supplies none.
func DefaultTuning() Tuning {
	return Tuning{
		ExpressionScale: DefaultExpressionScale,
		Still:           true,
		Size:            DefaultSize,
		PoseStyle:       DefaultPoseStyle,
	}
}

// WithDefaults fills zero numeric fields. Still is taken as given.
func (t Tuning) WithDefaults() Tuning {
	if t.ExpressionScale == 0 {
		t.ExpressionScale = DefaultExpressionScale
	}

	if t.Size == 0 {
		t.Size = DefaultSize
	}

	return t
}

// Validate ensures the tuning contains values the engine accepts.
func (t Tuning) Validate() error {
	if t.ExpressionScale < 0.0 || t.ExpressionScale > maxExpressionScale {
		return fmt.Errorf("%w: got %f", ErrExpressionScaleRange, t.ExpressionScale)
	}

	switch t.Size {
	case 256, 512:
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedSize, t.Size)
	}

	if t.PoseStyle < 0 || t.PoseStyle > maxPoseStyle {
		return fmt.Errorf("%w: got %d", ErrPoseStyleRange, t.PoseStyle)
	}

	return nil
}

// Job is one unit of synthesis work.
type Job struct {
	ID         string
	SubjectKey string
	InputRef   string
	OutputDir  string
}

// Chunk is one bounded-duration job of a chunked input.
type Chunk struct {
	Job

	Index    int
	Start    time.Duration
	Duration time.Duration
}
