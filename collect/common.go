package collect

import (
	"errors"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	MaxRetryCount = 3
	SleepTime     = 1 * time.Second
)

func isRetryError(err error) bool {
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		switch googleErr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable:
			return true
		}
	}
	return false
}
