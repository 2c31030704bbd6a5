// Package storage is the durable object store recordings are migrated into.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MetaProviderRecordingID ties an uploaded object to the provider recording it came from.
const MetaProviderRecordingID = "provider-recording-id"

var ErrInvalidKey = errors.New("storage: invalid key")

// ObjectInfo describes an existing object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

// Store is the durable storage contract.
type Store interface {
	// PutObject writes data under key, replacing any existing object.
	PutObject(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) error

	// Stat returns the object's info; exists=false when there is no such object.
	Stat(ctx context.Context, key string) (info ObjectInfo, exists bool, err error)

	// URI is the stable durable reference recorded on the reconciliation row.
	URI(key string) string
}

// RecordingKey is the object key for an intake's recording. One key per intake keeps
// re-uploads idempotent.
func RecordingKey(prefix, intakeID string) string {
	prefix = strings.Trim(prefix, "/")
	key := "intakes/" + intakeID + "/recording"
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}
