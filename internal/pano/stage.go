package pano

// Stage is the position of a stitch operation in its pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageLoading
	StagePreprocessing
	StageDetecting
	StageMatching
	StageWarping
	StageBlending
	StageComplete
)

// String returns the lowercase stage name used in logs and on the wire.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageLoading:
		return "loading"
	case StagePreprocessing:
		return "preprocessing"
	case StageDetecting:
		return "detecting"
	case StageMatching:
		return "matching"
	case StageWarping:
		return "warping"
	case StageBlending:
		return "blending"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(b []byte) error {
	*s = ParseStage(string(b))
	return nil
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) Stage {
	for s := StageIdle; s <= StageComplete; s++ {
		if s.String() == name {
			return s
		}
	}
	return StageIdle
}

// ProgressEvent is a single progress checkpoint emitted by the stitch engine.
type ProgressEvent struct {
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}
