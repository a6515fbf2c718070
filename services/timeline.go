package services

import (
	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
)

// Timeline descriptions.
const (
	descSubscribe      = "Register task resource"
	descUnsubscribe    = "Task resource disposed"
	descPause          = "Stop dispatch task resource"
	descResume         = "Re-subscribe task resource"
	descResumeRepeat   = "Re-subscribe task resource. Start repeating task execution"
	descResumeRetry    = "Re-subscribe task resource. Start retrying task execution"
	descCompleted      = "Task has been executed successfully"
	descExceeded       = "Execution time has exceeded than the current time"
	descAlertRepeat    = "Server back to online. Start repeating task execution"
	descAlertRetry     = "Server back to online. Start retrying task execution"
	descAlertResume    = "Server back to online. Re-subscribe task resource"
	descSuccessCode    = "Success with status code %d"
	descErrorCode      = "Error with status code %d"
	descStartRepeating = "Success with status code %d. Start repeating task execution"
	descStartRetrying  = "Error with status code %d. Start retrying task execution"
)

func newEntry(label, description string, metadata map[string]int64) models.TimelineEntry {
	return models.TimelineEntry{
		Label:       label,
		Description: description,
		CreatedAt:   nowMs(),
		Metadata:    metadata,
	}
}

// stepKind names the records, headers and timeline texts of a retry or a repeat step.
type stepKind struct {
	label           string
	startLabel      string
	startDesc       string
	fireDesc        string
	countField      string
	limitField      string
	finalizeField   string
	countMeta       string
	atMeta          string
	countHeader     string
	currentlyHeader string
}

var (
	retryStep = stepKind{
		label:           models.LabelRetry,
		startLabel:      models.LabelError,
		startDesc:       descStartRetrying,
		fireDesc:        descErrorCode,
		countField:      repository.FieldRetryCount,
		limitField:      repository.FieldRetryLimit,
		finalizeField:   repository.FieldFinalizeRetry,
		countMeta:       "retryCount",
		atMeta:          "retryAt",
		countHeader:     "Retry-Count",
		currentlyHeader: "Currently-Retry",
	}
	repeatStep = stepKind{
		label:           models.LabelRepeat,
		startLabel:      models.LabelComplete,
		startDesc:       descStartRepeating,
		fireDesc:        descSuccessCode,
		countField:      repository.FieldRepeatCount,
		limitField:      repository.FieldRepeatLimit,
		finalizeField:   repository.FieldFinalizeRepeat,
		countMeta:       "repeatCount",
		atMeta:          "repeatAt",
		countHeader:     "Repeat-Count",
		currentlyHeader: "Currently-Repeat",
	}
)

func stepNames(repeat bool) stepKind {
	if repeat {
		return repeatStep
	}
	return retryStep
}
