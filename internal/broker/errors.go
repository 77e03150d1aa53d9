package broker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// classify maps an attempt error to an ErrorInfo. parent is the caller's
// context; a deadline hit while parent is still live is the attempt timeout.
func classify(err error, parent context.Context, timeout time.Duration) *models.ErrorInfo {
	var info *models.ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	if parent.Err() != nil {
		return models.NewError(models.KindOther, "request cancelled: %v", parent.Err())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindTimeout, "request timed out after %s", timeout)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.NewError(models.KindTimeout, "request timed out after %s", timeout)
		}
		return models.NewError(models.KindNetwork, "%v", err)
	}

	return models.NewError(models.KindOther, "%v", err)
}

// retryable reports whether an attempt error may be retried
func retryable(err error) bool {
	switch models.KindOf(err) {
	case models.KindTimeout, models.KindNetwork:
		return true
	default:
		return false
	}
}
