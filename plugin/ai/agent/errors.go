// Package agent runs tool-calling generator loops and table-driven specialists.
package agent

import "errors"

var (
	// ErrToolNotFound indicates the generator requested a tool that is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates tool arguments failed JSON or rule validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrDependencyFailed indicates a tool was skipped because a tool it depends on failed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrIterationLimit indicates the loop hit its iteration cap without a final answer.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrConflict indicates the requested change conflicts with existing data.
	ErrConflict = errors.New("conflict")

	// ErrRegistrySealed is returned when registering into a registry already in use.
	ErrRegistrySealed = errors.New("tool registry is sealed")

	// ErrNoPatient is returned by tools that need a registered patient for the session user.
	ErrNoPatient = errors.New("patient not registered")
)
