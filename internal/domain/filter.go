package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange is returned when a time-range filter has its minimum
// after its maximum.
var ErrInvalidRange = errors.New("min timestamp is after max timestamp")

// Operator is a comparison applied by a FieldFilter.
type Operator string

const (
	OpEq Operator = "eq"
	OpNe Operator = "ne"
	OpGt Operator = "gt"
	OpLt Operator = "lt"
)

// FieldFilter is a predicate over a payload sub-field. Field is a
// dot-separated path into the JSON payload.
type FieldFilter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

func (f FieldFilter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter field is required")
	}
	switch f.Operator {
	case OpEq, OpNe, OpGt, OpLt, "":
		return nil
	default:
		return fmt.Errorf("invalid filter operator %q", f.Operator)
	}
}

// Match reports whether the payload satisfies the predicate. A missing
// field never matches, not even for ne.
func (f FieldFilter) Match(data json.RawMessage) bool {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	cur := doc
	for _, part := range strings.Split(f.Field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[part]
		if !ok {
			return false
		}
	}

	op := f.Operator
	if op == "" {
		op = OpEq
	}
	switch op {
	case OpEq:
		return looseEqual(cur, f.Value)
	case OpNe:
		return !looseEqual(cur, f.Value)
	case OpGt, OpLt:
		a, ok1 := asFloat(cur)
		b, ok2 := asFloat(f.Value)
		if !ok1 || !ok2 {
			return false
		}
		if op == OpGt {
			return a > b
		}
		return a < b
	}
	return false
}

// looseEqual compares scalars the way JSON decoding produces them:
// numbers as float64, everything else by formatted value.
func looseEqual(a, b any) bool {
	if fa, ok1 := asFloat(a); ok1 {
		if fb, ok2 := asFloat(b); ok2 {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// TaskFilter selects tasks from the store.
type TaskFilter struct {
	SchedulerID  string
	Statuses     []TaskStatus
	Hash         string
	Fields       []FieldFilter
	MinCreatedAt *time.Time
	MaxCreatedAt *time.Time
	Limit        int
	Offset       int
}

func (f TaskFilter) Validate() error {
	if f.MinCreatedAt != nil && f.MaxCreatedAt != nil && f.MinCreatedAt.After(*f.MaxCreatedAt) {
		return fmt.Errorf("created_at: %w", ErrInvalidRange)
	}
	for _, ff := range f.Fields {
		if err := ff.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleFilter selects schedules from the store.
type ScheduleFilter struct {
	SchedulerID   string
	Enabled       *bool
	Hash          string
	MinCreatedAt  *time.Time
	MaxCreatedAt  *time.Time
	MinDeadlineAt *time.Time
	MaxDeadlineAt *time.Time
	Limit         int
	Offset        int
}

func (f ScheduleFilter) Validate() error {
	if f.MinCreatedAt != nil && f.MaxCreatedAt != nil && f.MinCreatedAt.After(*f.MaxCreatedAt) {
		return fmt.Errorf("created_at: %w", ErrInvalidRange)
	}
	if f.MinDeadlineAt != nil && f.MaxDeadlineAt != nil && f.MinDeadlineAt.After(*f.MaxDeadlineAt) {
		return fmt.Errorf("deadline_at: %w", ErrInvalidRange)
	}
	return nil
}
