package syncer

import (
	"fmt"
	"strings"

	"github.com/alecthomas/errors"
)

// Sentinel kinds for fatal setup failures. Callers match with errors.Is; the
// CLI maps them to exit codes.
var (
	ErrConfig      = errors.New("invalid configuration")
	ErrAuthSetup   = errors.New("authentication setup failed")
	ErrDestination = errors.New("destination unavailable")
	ErrDiscovery   = errors.New("repository discovery failed")
	ErrCancelled   = errors.New("synchronization cancelled")
)

// PartialFailureError is returned alongside a Report when at least one task
// failed. The run itself completed; the Report describes it fully.
type PartialFailureError struct {
	Failures []Result
}

func (e *PartialFailureError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Task.Ref.Name)
	}
	return fmt.Sprintf("%d repositories failed to synchronize: %s", len(e.Failures), strings.Join(names, ", "))
}
