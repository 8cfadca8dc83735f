package pipeline

import (
	"sort"
	"strings"
	"time"
)

// Stage names a step of a detection cycle
type Stage string

const (
	StageCapture  Stage = "capture"
	StageDetect   Stage = "detect"
	StageAnnotate Stage = "annotate"
	StagePublish  Stage = "publish"
)

// BBox is a bounding box in pixel coordinates of the captured image
type BBox struct {
	X1 float64 `json:"x1"` // Left
	Y1 float64 `json:"y1"` // Top
	X2 float64 `json:"x2"` // Right
	Y2 float64 `json:"y2"` // Bottom
}

// Width returns the box width, never negative
func (b BBox) Width() float64 {
	if b.X2 < b.X1 {
		return 0
	}
	return b.X2 - b.X1
}

// Height returns the box height, never negative
func (b BBox) Height() float64 {
	if b.Y2 < b.Y1 {
		return 0
	}
	return b.Y2 - b.Y1
}

// Detection is a single scored object found in an image
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"` // [0-1]
	Box   BBox    `json:"box"`
}

// Tally maps a label to the number of detections that passed the score threshold.
// encoding/json sorts map keys, so the serialized form is deterministic.
type Tally map[string]int

// Labels returns the tally labels in sorted order
func (t Tally) Labels() []string {
	labels := make([]string, 0, len(t))
	for label := range t {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Total returns the sum of all counts
func (t Tally) Total() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// LabelSet is a case-insensitive set of labels. A nil LabelSet means "no set
// configured", which is different from an empty one.
type LabelSet map[string]struct{}

// NewLabelSet builds a set from labels. It returns nil when labels is nil.
func NewLabelSet(labels []string) LabelSet {
	if labels == nil {
		return nil
	}
	set := make(LabelSet, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		set[strings.ToLower(l)] = struct{}{}
	}
	return set
}

// Contains reports whether label is in the set, ignoring case
func (s LabelSet) Contains(label string) bool {
	if s == nil {
		return false
	}
	_, ok := s[strings.ToLower(label)]
	return ok
}

// Slice returns the lower-cased members in sorted order
func (s LabelSet) Slice() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Schedule describes when cycles fire. Period zero means one-shot.
type Schedule struct {
	Due    time.Duration `json:"due"`
	Period time.Duration `json:"period"`
}

// Valid reports whether both durations are non-negative
func (s Schedule) Valid() bool {
	return s.Due >= 0 && s.Period >= 0
}

// OneShot reports whether the schedule fires only once
func (s Schedule) OneShot() bool {
	return s.Period == 0
}

// OverrunPolicy decides what happens to a tick that arrives during a cycle
type OverrunPolicy string

const (
	// OverrunDrop skips ticks while a cycle is running
	OverrunDrop OverrunPolicy = "drop"
	// OverrunCoalesce remembers at most one skipped tick and runs it right after
	// the current cycle
	OverrunCoalesce OverrunPolicy = "coalesce"
)

// CycleConfig holds the tunables read by a cycle. Cycles receive a copy, so a
// replacement never changes a cycle that already started.
type CycleConfig struct {
	CaptureTimeout   time.Duration
	PublishTimeout   time.Duration
	ScoreThreshold   float64
	LabelsOfInterest LabelSet
	LabelsMinimum    []string
	Schedule         Schedule
	Overrun          OverrunPolicy
}

// DefaultCycleConfig returns the defaults used when the config file omits a value
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		CaptureTimeout: 15 * time.Second,
		PublishTimeout: 30 * time.Second,
		ScoreThreshold: 0.5,
		Schedule: Schedule{
			Due:    10 * time.Second,
			Period: 60 * time.Second,
		},
		Overrun: OverrunDrop,
	}
}

// Clone returns a deep copy of the config
func (c CycleConfig) Clone() CycleConfig {
	out := c
	if c.LabelsOfInterest != nil {
		out.LabelsOfInterest = make(LabelSet, len(c.LabelsOfInterest))
		for l := range c.LabelsOfInterest {
			out.LabelsOfInterest[l] = struct{}{}
		}
	}
	if c.LabelsMinimum != nil {
		out.LabelsMinimum = append([]string(nil), c.LabelsMinimum...)
	}
	return out
}

// CycleResult is the outcome of one detection cycle
type CycleResult struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Detections  []Detection   `json:"detections"`
	Tally       Tally         `json:"tally"`
	Interesting bool          `json:"interesting"`
	Stage       Stage         `json:"stage,omitempty"` // last stage reached
	Err         error         `json:"-"`
	PublishErr  error         `json:"-"`
}

// Failed reports whether a stage aborted the cycle
func (r *CycleResult) Failed() bool {
	return r != nil && r.Err != nil
}
