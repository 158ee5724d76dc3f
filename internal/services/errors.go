package services

import "fmt"

// FallbackResponseMessage is the reply used when a script produced
// neither printed output nor artifacts.
const FallbackResponseMessage = "I have processed your request. If you expected a file or a specific answer, please try rephrasing."

// GenerationError means the model failed to produce a usable analysis
// script. The HTTP layer phrases this as a comprehension problem.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("script generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ExecutionError means a generated script failed inside the sandbox.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("analysis execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StorageError wraps object-store or database failures while
// materializing an artifact.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CallError is the terminal failure of the retrying model caller. It
// carries the number of attempts made and the last provider error.
type CallError struct {
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("model call failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
