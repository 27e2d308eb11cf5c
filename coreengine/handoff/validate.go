package handoff

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPacket matches every ValidationError via errors.Is.
var ErrInvalidPacket = errors.New("invalid completion message")

// ValidationError reports why a packet was rejected.
type ValidationError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("invalid completion message for task %s: %s %s", e.TaskID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid completion message: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidPacket) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPacket
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks p against the packet invariants. latest is the created_at
// of the most recent accepted packet for the same task (zero if none).
// It has no side effects.
func Validate(p Packet, latest time.Time) error {
	if err := structValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			reason := "is invalid"
			switch fe.Tag() {
			case "required":
				reason = "is required"
			case "oneof":
				reason = fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
			}
			return &ValidationError{TaskID: p.TaskID, Field: fe.Field(), Reason: reason}
		}
		return &ValidationError{TaskID: p.TaskID, Field: "packet", Reason: err.Error()}
	}

	if p.Status == StatusSuccess && len(p.BlockingIssues) > 0 {
		return &ValidationError{
			TaskID: p.TaskID,
			Field:  "blocking_issues",
			Reason: fmt.Sprintf("must be empty when status is SUCCESS (%d present)", len(p.BlockingIssues)),
		}
	}

	if !latest.IsZero() && p.CreatedAt.Before(latest) {
		return &ValidationError{
			TaskID: p.TaskID,
			Field:  "created_at",
			Reason: fmt.Sprintf("%s precedes latest message at %s", p.CreatedAt.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano)),
		}
	}

	return nil
}

// Ledger tracks the latest accepted created_at per task id.
// It is not safe for concurrent use; the owning workflow serializes access.
type Ledger map[string]time.Time

// Latest returns the latest accepted timestamp for taskID.
func (l Ledger) Latest(taskID string) time.Time {
	return l[taskID]
}

// Check validates p against the ledger's history.
func (l Ledger) Check(p Packet) error {
	return Validate(p, l.Latest(p.TaskID))
}

// Record advances the ledger for p's task.
func (l Ledger) Record(p Packet) {
	if cur, ok := l[p.TaskID]; !ok || p.CreatedAt.After(cur) {
		l[p.TaskID] = p.CreatedAt
	}
}

// Forget drops a task from the ledger.
func (l Ledger) Forget(taskID string) {
	delete(l, taskID)
}
