package control

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one change to the control region, applied once At has elapsed
// since the schedule started.
type Step struct {
	At time.Duration `yaml:"at"`
	// Value replaces slot 0 when non-zero.
	Value uint64 `yaml:"value,omitempty"`
	// Mbps is a convenience for Value in bitrate mode; ignored when Value is set.
	Mbps float64 `yaml:"mbps,omitempty"`
	// Enabled replaces slot 1 when set.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Schedule is an ordered list of control changes.
type Schedule struct {
	Steps []Step `yaml:"steps"`
}

// LoadSchedule reads a YAML schedule file.
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML schedule. Steps are sorted by
// offset; steps sharing an offset keep their file order.
func ParseSchedule(data []byte) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].At < s.Steps[j].At })
	return &s, nil
}

// Validate rejects steps with negative offsets or nothing to change.
func (s *Schedule) Validate() error {
	if s == nil {
		return nil
	}
	for i, st := range s.Steps {
		if st.At < 0 {
			return fmt.Errorf("schedule step %d: negative offset %s", i, st.At)
		}
		if st.Mbps < 0 {
			return fmt.Errorf("schedule step %d: negative mbps %v", i, st.Mbps)
		}
		if st.Mbps > 0 && st.value() == 0 {
			return fmt.Errorf("schedule step %d: %v mbps rounds down to 0 bit/s", i, st.Mbps)
		}
		if st.Value == 0 && st.Mbps == 0 && st.Enabled == nil {
			return fmt.Errorf("schedule step %d changes nothing", i)
		}
	}
	return nil
}

func (st Step) value() uint64 {
	if st.Value != 0 {
		return st.Value
	}
	return BitsPerSecondFromMbps(st.Mbps)
}

// Scheduler applies a Schedule to a Region as time passes. It plays the role
// of the external controller process for scripted runs.
type Scheduler struct {
	region Region
	steps  []Step
	next   int
}

// NewScheduler returns a scheduler positioned at the first step.
func NewScheduler(region Region, s *Schedule) *Scheduler {
	var steps []Step
	if s != nil {
		steps = append(steps, s.Steps...)
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].At < steps[j].At })
	}
	return &Scheduler{region: region, steps: steps}
}

// Apply writes every step whose offset is <= elapsed and has not been
// applied yet, returning how many were written.
func (s *Scheduler) Apply(elapsed time.Duration) (int, error) {
	applied := 0
	for s.next < len(s.steps) && s.steps[s.next].At <= elapsed {
		st := s.steps[s.next]
		if v := st.value(); v != 0 {
			if err := s.region.Store(SlotValue, v); err != nil {
				return applied, fmt.Errorf("apply schedule step at %s: %w", st.At, err)
			}
		}
		if st.Enabled != nil {
			if err := s.region.Store(SlotEnabled, FlagValue(*st.Enabled)); err != nil {
				return applied, fmt.Errorf("apply schedule step at %s: %w", st.At, err)
			}
		}
		s.next++
		applied++
	}
	return applied, nil
}

// NextAt returns the offset of the next pending step.
func (s *Scheduler) NextAt() (time.Duration, bool) {
	if s.next >= len(s.steps) {
		return 0, false
	}
	return s.steps[s.next].At, true
}

// Done reports whether every step has been applied.
func (s *Scheduler) Done() bool { return s.next >= len(s.steps) }
