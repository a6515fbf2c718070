package repository

import (
	"fmt"
	"strings"
)

const (
	queuePrefix    = "RC:QU:"
	configPrefix   = "RC:CF:"
	timelinePrefix = "RC:TL:"
	claimPrefix    = "RC:CL:"

	MembersIDKey    = "MEMBERS:ID"
	MembersEmailKey = "MEMBERS:EMAIL"

	QueuePattern = queuePrefix + "*"
)

func QueueKey(id, tenantID string) string    { return queuePrefix + id + ":" + tenantID }
func ConfigKey(id, tenantID string) string   { return configPrefix + id + ":" + tenantID }
func TimelineKey(id, tenantID string) string { return timelinePrefix + id + ":" + tenantID }
func ClaimKey(id, tenantID string) string    { return claimPrefix + id + ":" + tenantID }

// ParseQueueKey splits "RC:QU:<id>:<tenant>".
func ParseQueueKey(key string) (id, tenantID string, err error) {
	if !strings.HasPrefix(key, queuePrefix) {
		return "", "", fmt.Errorf("not a queue key: %q", key)
	}
	parts := strings.Split(strings.TrimPrefix(key, queuePrefix), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed queue key: %q", key)
	}
	return parts[0], parts[1], nil
}
