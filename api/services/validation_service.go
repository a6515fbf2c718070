package services

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/services"
)

const (
	maxTimeout        = 600000
	minInterval       = 1000
	maxRepeat         = 16
	maxKeyLength      = 64
	maxValueLength    = 1024
	maxURLLength      = 2048
	errExecutionAfter = "must be greater than estimate execution at %d"
)

var (
	allowedMethods = map[string]bool{
		models.MethodPost:   true,
		models.MethodPatch:  true,
		models.MethodPut:    true,
		models.MethodDelete: true,
	}
	paramKeyPattern  = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	headerKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)
)

// ValidationError names the offending field of a subscribe payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return services.ErrBadRequest }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateTask checks a subscribe payload before any default is applied.
// now is the unix ms reference for the absolute schedule checks.
func ValidateTask(in models.TaskInput, now int64) error {
	if err := validateRequest(in.HTTPRequest); err != nil {
		return err
	}
	return validateConfig(in.Config, now)
}

func validateRequest(req models.HTTPRequest) error {
	if req.URL == "" {
		return invalid("httpRequest.url", "is required")
	}
	if len(req.URL) > maxURLLength {
		return invalid("httpRequest.url", "length must be less than or equal to %d characters long", maxURLLength)
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("httpRequest.url", "must be a valid URL with a scheme matching the http:// or https:// pattern")
	}
	if strings.EqualFold(u.Hostname(), "localhost") {
		return invalid("httpRequest.url", "is not allowed to localhost")
	}

	if !allowedMethods[req.Method] {
		return invalid("httpRequest.method", "must be one of POST, PATCH, PUT or DELETE")
	}
	if req.Data != "" && strings.TrimSpace(req.Data) == "" {
		return invalid("httpRequest.data", "is not allowed to be empty")
	}

	if err := validatePairs("httpRequest.params", req.Params, paramKeyPattern); err != nil {
		return err
	}
	return validatePairs("httpRequest.headers", req.Headers, headerKeyPattern)
}

func validatePairs(field string, pairs map[string]string, key *regexp.Regexp) error {
	if pairs == nil {
		return nil
	}
	if len(pairs) == 0 {
		return invalid(field, "must be a valid object key-value")
	}
	for k, v := range pairs {
		if len(k) == 0 || len(k) > maxKeyLength || !key.MatchString(k) {
			return invalid(field, "key %q is not valid", k)
		}
		if len(v) > maxValueLength {
			return invalid(field, "value of %q must be less than or equal to %d characters long", k, maxValueLength)
		}
	}
	return nil
}

func validateConfig(c models.TaskConfigInput, now int64) error {
	if c.ExecutionDelay != nil && *c.ExecutionDelay < 1 {
		return invalid("config.executionDelay", "must be greater than or equal to 1")
	}
	if c.Timeout != nil && (*c.Timeout < 1 || *c.Timeout > maxTimeout) {
		return invalid("config.timeout", "must be between 1 and %d", maxTimeout)
	}
	if c.Retry != nil && *c.Retry < 0 {
		return invalid("config.retry", "must be greater than or equal to 0")
	}
	if c.Repeat != nil && (*c.Repeat < 0 || *c.Repeat > maxRepeat) {
		return invalid("config.repeat", "must be between 0 and %d", maxRepeat)
	}
	if c.RetryInterval != nil && *c.RetryInterval < minInterval {
		return invalid("config.retryInterval", "must be greater than or equal to %d", minInterval)
	}
	if c.RepeatInterval != nil && *c.RepeatInterval < minInterval {
		return invalid("config.repeatInterval", "must be greater than or equal to %d", minInterval)
	}

	execAt := now + models.DefaultExecutionDelay
	if c.ExecutionDelay != nil {
		execAt = now + *c.ExecutionDelay
	}
	if c.ExecutionAt != nil && *c.ExecutionAt != 0 {
		if *c.ExecutionAt <= now {
			return invalid("config.executionAt", "must be greater than today at %d", now)
		}
		execAt = *c.ExecutionAt
	}
	if c.RepeatAt != nil && *c.RepeatAt != 0 && *c.RepeatAt <= execAt {
		return invalid("config.repeatAt", errExecutionAfter, execAt)
	}
	if c.RetryAt != nil && *c.RetryAt != 0 && *c.RetryAt <= execAt {
		return invalid("config.retryAt", errExecutionAfter, execAt)
	}
	return nil
}
