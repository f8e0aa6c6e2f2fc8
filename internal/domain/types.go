package domain

import "maps"

// Metadata is an unstructured JSON object stored alongside entities.
type Metadata map[string]any

// Clone is shallow. A nil receiver yields an empty, non-nil map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// PayloadRef points at an object-store blob.
type PayloadRef struct {
	Location    string
	ContentType string
	SizeBytes   int64
	SHA256      string
}
