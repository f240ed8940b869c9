package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModelRequired is reported inside a ConfigurationError when fit is called
// without a model.
var ErrModelRequired = errors.New("model parameter required")

// ConfigurationError aggregates mutually exclusive or missing parameter issues.
type ConfigurationError struct {
	Issues []string
	Err    error
}

func NewConfigurationError(issues ...string) *ConfigurationError {
	e := &ConfigurationError{}
	for _, issue := range issues {
		e.Add(issue)
	}
	return e
}

func (e *ConfigurationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigurationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// DataPreparationError reports that the requested split, partitioning or
// columns could not be honored by the data preparation collaborator.
type DataPreparationError struct {
	Reason string
	Err    error
}

func (e *DataPreparationError) Error() string {
	if e.Err == nil {
		return "data preparation failed: " + e.Reason
	}
	return fmt.Sprintf("data preparation failed: %s: %v", e.Reason, e.Err)
}

func (e *DataPreparationError) Unwrap() error {
	return e.Err
}

// IncompatibleShapeError reports a disagreement between declared tensor
// shapes and the column metadata observed in the data.
type IncompatibleShapeError struct {
	Column   string
	Expected int
	Actual   int
	Reason   string
}

func (e *IncompatibleShapeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("incompatible shape for column %q: %s", e.Column, e.Reason)
	}
	return fmt.Sprintf("incompatible shape for column %q: declared %d elements, data has %d", e.Column, e.Expected, e.Actual)
}

// CheckpointReadError reports a checkpoint that exists but cannot be read or decoded.
type CheckpointReadError struct {
	Path string
	Err  error
}

func (e *CheckpointReadError) Error() string {
	return fmt.Sprintf("read checkpoint %s: %v", e.Path, e.Err)
}

func (e *CheckpointReadError) Unwrap() error {
	return e.Err
}

// BackendExecutionError reports a worker-side failure. Rank is -1 when the
// failure is not attributable to a single worker.
type BackendExecutionError struct {
	Rank int
	Err  error
}

func (e *BackendExecutionError) Error() string {
	if e.Rank < 0 {
		return fmt.Sprintf("backend execution failed: %v", e.Err)
	}
	return fmt.Sprintf("backend execution failed on rank %d: %v", e.Rank, e.Err)
}

func (e *BackendExecutionError) Unwrap() error {
	return e.Err
}
