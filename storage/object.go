package storage

import (
	"time"
)

// ObjectSummary is produced by enumeration and used for scheduling before the full object is loaded.
type ObjectSummary struct {
	Identifier string
	Directory  bool
	Size       int64
	// ListRowNum is the line number of the identifier in a source list file, zero otherwise.
	ListRowNum int
}

// Checksum of object content.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// ObjectMetadata contain system and user metadata of object.
type ObjectMetadata struct {
	Directory          bool              `json:"directory"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentLength      int64             `json:"content_length"`
	ModificationTime   time.Time         `json:"mtime"`
	Checksum           *Checksum         `json:"checksum,omitempty"`
	HttpEtag           string            `json:"etag,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	RetentionEndDate   *time.Time        `json:"retention_end_date,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
}

// UserMetadataValue return value of user metadata key or empty string.
func (m *ObjectMetadata) UserMetadataValue(key string) string {
	if m.UserMetadata == nil {
		return ""
	}
	return m.UserMetadata[key]
}

// SetUserMetadata add or replace user metadata entry.
func (m *ObjectMetadata) SetUserMetadata(key, value string) {
	if m.UserMetadata == nil {
		m.UserMetadata = make(map[string]string)
	}
	m.UserMetadata[key] = value
}

// RemoveUserMetadata remove user metadata entry if present.
func (m *ObjectMetadata) RemoveUserMetadata(key string) {
	delete(m.UserMetadata, key)
}

// Clone return deep copy of metadata.
func (m *ObjectMetadata) Clone() *ObjectMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Checksum != nil {
		sum := *m.Checksum
		c.Checksum = &sum
	}
	if m.RetentionEndDate != nil {
		t := *m.RetentionEndDate
		c.RetentionEndDate = &t
	}
	if m.UserMetadata != nil {
		c.UserMetadata = make(map[string]string, len(m.UserMetadata))
		for k, v := range m.UserMetadata {
			c.UserMetadata[k] = v
		}
	}
	return &c
}
