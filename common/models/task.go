package models

// Supported outbound methods.
const (
	MethodPost   = "POST"
	MethodPatch  = "PATCH"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// Defaults applied to fields the caller left unset.
const (
	DefaultExecutionDelay    int64 = 1
	DefaultRetryInterval     int64 = 1000
	DefaultRepeatInterval    int64 = 1000
	DefaultRetryExponential        = true
	DefaultRepeatExponential       = true
	DefaultTimeout           int64 = 300000
)

// TaskDefinition is the HTTP call plus its schedule. It is immutable once accepted
// and is stored encrypted in the queue record metadata.
type TaskDefinition struct {
	HTTPRequest HTTPRequest `json:"httpRequest"`
	Config      TaskConfig  `json:"config"`
}

type HTTPRequest struct {
	URL     string            `json:"url"`               // The URL to call
	Method  string            `json:"method"`            // POST, PATCH, PUT or DELETE
	Data    string            `json:"data,omitempty"`    // Raw request body, dropped for DELETE
	Params  map[string]string `json:"params,omitempty"`  // Query parameters
	Headers map[string]string `json:"headers,omitempty"` // Extra request headers
}

// TaskConfig holds the scheduling parameters. Times are unix milliseconds,
// durations are milliseconds.
type TaskConfig struct {
	ExecutionAt       int64 `json:"executionAt"`
	ExecutionDelay    int64 `json:"executionDelay"`
	Retry             int64 `json:"retry"`
	RetryAt           int64 `json:"retryAt"`
	RetryInterval     int64 `json:"retryInterval"`
	RetryExponential  bool  `json:"retryExponential"`
	Repeat            int64 `json:"repeat"`
	RepeatAt          int64 `json:"repeatAt"`
	RepeatInterval    int64 `json:"repeatInterval"`
	RepeatExponential bool  `json:"repeatExponential"`
	Timeout           int64 `json:"timeout"`
}

// TaskInput is the subscribe payload. Config fields are pointers so that
// defaults only fill what was not sent.
type TaskInput struct {
	HTTPRequest HTTPRequest     `json:"httpRequest"`
	Config      TaskConfigInput `json:"config"`
}

type TaskConfigInput struct {
	ExecutionAt       *int64 `json:"executionAt,omitempty"`
	ExecutionDelay    *int64 `json:"executionDelay,omitempty"`
	Retry             *int64 `json:"retry,omitempty"`
	RetryAt           *int64 `json:"retryAt,omitempty"`
	RetryInterval     *int64 `json:"retryInterval,omitempty"`
	RetryExponential  *bool  `json:"retryExponential,omitempty"`
	Repeat            *int64 `json:"repeat,omitempty"`
	RepeatAt          *int64 `json:"repeatAt,omitempty"`
	RepeatInterval    *int64 `json:"repeatInterval,omitempty"`
	RepeatExponential *bool  `json:"repeatExponential,omitempty"`
	Timeout           *int64 `json:"timeout,omitempty"`
}

// Normalize fills defaults and applies the absolute-schedule rules: an absolute
// execution time pins the delay to 1ms and an absolute retry or repeat time
// forces its count to exactly one.
func (in TaskInput) Normalize() TaskDefinition {
	c := in.Config
	cfg := TaskConfig{
		ExecutionAt:       int64OrDefault(c.ExecutionAt, 0),
		ExecutionDelay:    int64OrDefault(c.ExecutionDelay, DefaultExecutionDelay),
		Retry:             int64OrDefault(c.Retry, 0),
		RetryAt:           int64OrDefault(c.RetryAt, 0),
		RetryInterval:     int64OrDefault(c.RetryInterval, DefaultRetryInterval),
		RetryExponential:  boolOrDefault(c.RetryExponential, DefaultRetryExponential),
		Repeat:            int64OrDefault(c.Repeat, 0),
		RepeatAt:          int64OrDefault(c.RepeatAt, 0),
		RepeatInterval:    int64OrDefault(c.RepeatInterval, DefaultRepeatInterval),
		RepeatExponential: boolOrDefault(c.RepeatExponential, DefaultRepeatExponential),
		Timeout:           int64OrDefault(c.Timeout, DefaultTimeout),
	}
	if cfg.ExecutionAt != 0 {
		cfg.ExecutionDelay = 1
	}
	if cfg.RepeatAt != 0 {
		cfg.Repeat = 1
	}
	if cfg.RetryAt != 0 {
		cfg.Retry = 1
	}

	req := in.HTTPRequest
	if req.Method == MethodDelete {
		req.Data = ""
	}
	return TaskDefinition{HTTPRequest: req, Config: cfg}
}

func int64OrDefault(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
