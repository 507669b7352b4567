package executor

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/cursorbot/cursorbot/pkg/cerr"
)

// classifyFailure turns a subprocess outcome into the fixed taxonomy spec
// §4.6 requires (Timeout, Unauthorized, Unavailable, Internal), grounded on
// the teacher's pkg/channels/errutil.go ClassifySendError/ClassifyNetError
// shape — inspect the cheap signals first (ctx state, exec errors), fall
// back to scanning stderr text, default to Internal.
func classifyFailure(ctx context.Context, runErr error, stderr string) *cerr.Error {
	if runErr == nil {
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return cerr.Wrap(cerr.Timeout, "executor run timed out", runErr)
	}

	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		return cerr.Wrap(cerr.Unavailable, "executor binary not found", runErr)
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "authentication"):
		return cerr.Wrap(cerr.Unauthorized, "executor rejected credentials", runErr)
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "unavailable") || strings.Contains(lower, "connection refused"):
		return cerr.Wrap(cerr.Unavailable, "executor temporarily unavailable", runErr)
	default:
		return cerr.Wrap(cerr.Internal, "executor run failed", runErr)
	}
}
