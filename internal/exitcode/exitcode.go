// Package exitcode defines the process exit codes of asset-sync.
package exitcode

const (
	// Success means every planned unit succeeded, or nothing was eligible.
	Success = 0
	// UnitFailures means at least one unit failed; the run itself finished.
	UnitFailures = 1
	// Fatal means a configuration, authorization or listing error stopped
	// the run before or while units were dispatched.
	Fatal = 2
)
