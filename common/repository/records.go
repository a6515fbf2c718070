package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Sumit189/letItGoTasks/common/models"
)

var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrEmptyRecord     = errors.New("empty record")
)

// Queue record fields.
const (
	FieldID              = "id"
	FieldTenantID        = "tenantId"
	FieldState           = "state"
	FieldStatusCode      = "statusCode"
	FieldEstimateStartAt = "estimateStartAt"
	FieldEstimateExecAt  = "estimateExecAt"
	FieldEstimateEndAt   = "estimateEndAt"
	FieldCurrentlyRetry  = "currentlyRetry"
	FieldCurrentlyRepeat = "currentlyRepeat"
	FieldMetadata        = "metadata"
)

// Config record fields. estimateExecAt and estimateEndAt are shared with the queue record.
const (
	FieldExecutionAt          = "executionAt"
	FieldExecutionDelay       = "executionDelay"
	FieldRetryCount           = "retryCount"
	FieldRetryLimit           = "retryLimit"
	FieldFinalizeRetry        = "finalizeRetry"
	FieldIsRetryTerminated    = "isRetryTerminated"
	FieldEstimateNextRetryAt  = "estimateNextRetryAt"
	FieldRepeatCount          = "repeatCount"
	FieldRepeatLimit          = "repeatLimit"
	FieldFinalizeRepeat       = "finalizeRepeat"
	FieldIsRepeatTerminated   = "isRepeatTerminated"
	FieldEstimateNextRepeatAt = "estimateNextRepeatAt"
)

// Tenant hash fields.
const (
	FieldEmail            = "email"
	FieldCreatedAt        = "createdAt"
	FieldTaskInQueue      = "taskInQueue"
	FieldTaskInQueueLimit = "taskInQueueLimit"
)

// Fields builds a partial hash update with values already in their stored form.
type Fields map[string]interface{}

func (f Fields) Int(name string, v int64) Fields {
	f[name] = strconv.FormatInt(v, 10)
	return f
}

func (f Fields) Bool(name string, v bool) Fields {
	f[name] = strconv.FormatBool(v)
	return f
}

func (f Fields) String(name, v string) Fields {
	f[name] = v
	return f
}

func EncodeQueueSummary(q models.QueueSummary) Fields {
	return Fields{}.
		String(FieldID, q.ID).
		String(FieldState, string(q.State)).
		Int(FieldStatusCode, int64(q.StatusCode)).
		Int(FieldEstimateStartAt, q.EstimateStartAt).
		Int(FieldEstimateExecAt, q.EstimateExecAt).
		Int(FieldEstimateEndAt, q.EstimateEndAt).
		Bool(FieldCurrentlyRetry, q.CurrentlyRetry).
		Bool(FieldCurrentlyRepeat, q.CurrentlyRepeat)
}

func EncodeQueueRecord(r models.QueueRecord) Fields {
	return EncodeQueueSummary(r.QueueSummary).
		String(FieldTenantID, r.TenantID).
		String(FieldMetadata, r.Metadata)
}

func DecodeQueueRecord(fields map[string]string) (models.QueueRecord, error) {
	if len(fields) == 0 {
		return models.QueueRecord{}, ErrEmptyRecord
	}
	d := newDecoder("queue", fields)
	r := models.QueueRecord{
		QueueSummary: models.QueueSummary{
			ID:              d.string(FieldID),
			State:           models.State(d.string(FieldState)),
			StatusCode:      int(d.int(FieldStatusCode)),
			EstimateStartAt: d.int(FieldEstimateStartAt),
			EstimateExecAt:  d.int(FieldEstimateExecAt),
			EstimateEndAt:   d.int(FieldEstimateEndAt),
			CurrentlyRetry:  d.bool(FieldCurrentlyRetry),
			CurrentlyRepeat: d.bool(FieldCurrentlyRepeat),
		},
		TenantID: d.string(FieldTenantID),
		Metadata: d.string(FieldMetadata),
	}
	if err := d.finish(); err != nil {
		return models.QueueRecord{}, err
	}
	if !r.State.Valid() {
		return models.QueueRecord{}, fmt.Errorf("%w: queue field %q has unknown value %q", ErrMalformedRecord, FieldState, r.State)
	}
	return r, nil
}

func EncodeConfigRecord(c models.ConfigRecord) Fields {
	return Fields{}.
		Int(FieldExecutionAt, c.ExecutionAt).
		Int(FieldExecutionDelay, c.ExecutionDelay).
		Int(FieldEstimateExecAt, c.EstimateExecAt).
		Int(FieldEstimateEndAt, c.EstimateEndAt).
		Int(FieldRetryCount, c.RetryCount).
		Int(FieldRetryLimit, c.RetryLimit).
		Int(FieldFinalizeRetry, c.FinalizeRetry).
		Bool(FieldIsRetryTerminated, c.IsRetryTerminated).
		Int(FieldEstimateNextRetryAt, c.EstimateNextRetryAt).
		Int(FieldRepeatCount, c.RepeatCount).
		Int(FieldRepeatLimit, c.RepeatLimit).
		Int(FieldFinalizeRepeat, c.FinalizeRepeat).
		Bool(FieldIsRepeatTerminated, c.IsRepeatTerminated).
		Int(FieldEstimateNextRepeatAt, c.EstimateNextRepeatAt)
}

func DecodeConfigRecord(fields map[string]string) (models.ConfigRecord, error) {
	if len(fields) == 0 {
		return models.ConfigRecord{}, ErrEmptyRecord
	}
	d := newDecoder("config", fields)
	c := models.ConfigRecord{
		ExecutionAt:          d.int(FieldExecutionAt),
		ExecutionDelay:       d.int(FieldExecutionDelay),
		EstimateExecAt:       d.int(FieldEstimateExecAt),
		EstimateEndAt:        d.int(FieldEstimateEndAt),
		RetryCount:           d.int(FieldRetryCount),
		RetryLimit:           d.int(FieldRetryLimit),
		FinalizeRetry:        d.int(FieldFinalizeRetry),
		IsRetryTerminated:    d.bool(FieldIsRetryTerminated),
		EstimateNextRetryAt:  d.int(FieldEstimateNextRetryAt),
		RepeatCount:          d.int(FieldRepeatCount),
		RepeatLimit:          d.int(FieldRepeatLimit),
		FinalizeRepeat:       d.int(FieldFinalizeRepeat),
		IsRepeatTerminated:   d.bool(FieldIsRepeatTerminated),
		EstimateNextRepeatAt: d.int(FieldEstimateNextRepeatAt),
	}
	if err := d.finish(); err != nil {
		return models.ConfigRecord{}, err
	}
	return c, nil
}

func EncodeTenant(t models.Tenant) Fields {
	return Fields{}.
		String(FieldID, t.ID).
		String(FieldEmail, t.Email).
		Int(FieldCreatedAt, t.CreatedAt).
		Int(FieldTaskInQueue, t.TaskInQueue).
		Int(FieldTaskInQueueLimit, t.TaskInQueueLimit)
}

func DecodeTenant(fields map[string]string) (models.Tenant, error) {
	if len(fields) == 0 {
		return models.Tenant{}, ErrEmptyRecord
	}
	d := newDecoder("tenant", fields)
	t := models.Tenant{
		ID:               d.string(FieldID),
		Email:            d.string(FieldEmail),
		CreatedAt:        d.int(FieldCreatedAt),
		TaskInQueue:      d.int(FieldTaskInQueue),
		TaskInQueueLimit: d.int(FieldTaskInQueueLimit),
	}
	if err := d.finish(); err != nil {
		return models.Tenant{}, err
	}
	return t, nil
}

func EncodeTimelineEntry(e models.TimelineEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeTimeline(values []string) ([]models.TimelineEntry, error) {
	entries := make([]models.TimelineEntry, 0, len(values))
	for i, v := range values {
		var e models.TimelineEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("%w: timeline entry %d: %v", ErrMalformedRecord, i, err)
		}
		if e.Label == "" {
			return nil, fmt.Errorf("%w: timeline entry %d has no label", ErrMalformedRecord, i)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// decoder reads typed fields out of a raw hash and remembers the first failure.
type decoder struct {
	kind   string
	fields map[string]string
	used   map[string]bool
	err    error
}

func newDecoder(kind string, fields map[string]string) *decoder {
	return &decoder{kind: kind, fields: fields, used: make(map[string]bool, len(fields))}
}

func (d *decoder) raw(name string) (string, bool) {
	if d.err != nil {
		return "", false
	}
	v, ok := d.fields[name]
	if !ok {
		d.err = fmt.Errorf("%w: %s field %q is missing", ErrMalformedRecord, d.kind, name)
		return "", false
	}
	d.used[name] = true
	return v, true
}

func (d *decoder) string(name string) string {
	v, _ := d.raw(name)
	return v
}

func (d *decoder) int(name string) int64 {
	v, ok := d.raw(name)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.err = fmt.Errorf("%w: %s field %q is not an integer: %q", ErrMalformedRecord, d.kind, name, v)
	}
	return n
}

func (d *decoder) bool(name string) bool {
	v, ok := d.raw(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		d.err = fmt.Errorf("%w: %s field %q is not a boolean: %q", ErrMalformedRecord, d.kind, name, v)
	}
	return b
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.used) == len(d.fields) {
		return nil
	}
	var unexpected []string
	for name := range d.fields {
		if !d.used[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)
	return fmt.Errorf("%w: %s has unexpected fields %v", ErrMalformedRecord, d.kind, unexpected)
}
