package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type JobKind string

const (
	JobKindWipe         JobKind = "WIPE"
	JobKindFactoryReset JobKind = "FACTORY_RESET"
)

// ParseJobKind accepts the enum value as well as the lower case and dashed
// forms used in URLs and on the command line.
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case string(JobKindWipe):
		return JobKindWipe, nil
	case string(JobKindFactoryReset):
		return JobKindFactoryReset, nil
	}
	return "", fmt.Errorf("%w: unknown job kind %q", ErrValidation, s)
}

// Slug is the file and URL friendly name of a kind.
func (k JobKind) Slug() string {
	return strings.ReplaceAll(strings.ToLower(string(k)), "_", "-")
}

type WipeMethod string

const (
	WipeMethodZero   WipeMethod = "ZERO"
	WipeMethodRandom WipeMethod = "RANDOM"
)

func ParseWipeMethod(s string) (WipeMethod, error) {
	switch m := WipeMethod(strings.ToUpper(strings.TrimSpace(s))); m {
	case WipeMethodZero, WipeMethodRandom:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown wipe method %q", ErrValidation, s)
}

// Code returns the argument the wipe binary expects for the method.
func (m WipeMethod) Code() string {
	if m == WipeMethodRandom {
		return "2"
	}
	return "1"
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// JobRequest asks for one privileged job. Target and Method are set iff Kind
// is JobKindWipe. Secret is written to the child process and nowhere else.
type JobRequest struct {
	Kind   JobKind    `json:"kind" validate:"required,oneof=WIPE FACTORY_RESET"`
	Target string     `json:"target,omitempty"`
	Method WipeMethod `json:"method,omitempty" validate:"omitempty,oneof=ZERO RANDOM"`
	Secret string     `json:"secret" validate:"required"`
}

// LogValue keeps the secret out of structured logs.
func (r JobRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(r.Kind)),
		slog.String("target", r.Target),
		slog.String("method", string(r.Method)),
	)
}

func (r JobRequest) String() string {
	return fmt.Sprintf("kind: %s, target: %q, method: %q", r.Kind, r.Target, r.Method)
}

// Validate returns nil or an error wrapping ErrValidation which names every
// offending field.
func (r JobRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationError(ErrValidation, err)
	}
	return nil
}

// validationError wraps sentinel with one "key: failed on tag" message per
// offending field. Keys are dotted paths below the validated struct.
func validationError(sentinel error, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		_, key, ok := strings.Cut(fe.Namespace(), ".")
		if !ok {
			key = fe.Field()
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed on %q", key, fe.Tag()))
	}
	return fmt.Errorf("%w: %s", sentinel, strings.Join(msgs, ", "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// requests are named by their json keys, the config by its yaml keys
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "yaml"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	if err := v.RegisterValidation("duration", validDuration); err != nil {
		panic(err)
	}
	v.RegisterStructValidation(jobRequestRules, JobRequest{})
	v.RegisterStructValidation(jobsRules, Jobs{})
	return v
}

func jobRequestRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(JobRequest)
	switch req.Kind {
	case JobKindWipe:
		if req.Target == "" {
			sl.ReportError(req.Target, "target", "Target", "required_if", "kind WIPE")
		}
		if req.Method == "" {
			sl.ReportError(req.Method, "method", "Method", "required_if", "kind WIPE")
		}
	case JobKindFactoryReset:
		if req.Target != "" {
			sl.ReportError(req.Target, "target", "Target", "excluded_if", "kind FACTORY_RESET")
		}
		if req.Method != "" {
			sl.ReportError(req.Method, "method", "Method", "excluded_if", "kind FACTORY_RESET")
		}
	}
	// the secret is one stdin line, anything after a line break would be
	// read by the child as further input
	if strings.ContainsAny(req.Secret, "\r\n") {
		sl.ReportError(req.Secret, "secret", "Secret", "single_line", "")
	}
}

// JobRecord is the state of the in-flight or the most recent job. It never
// carries the secret.
type JobRecord struct {
	ID         string     `json:"id"`
	Kind       JobKind    `json:"kind"`
	Target     string     `json:"target,omitempty"`
	Method     WipeMethod `json:"method,omitempty"`
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	// Owner names the wiped process which runs the job
	Owner string `json:"owner,omitempty"`
}
