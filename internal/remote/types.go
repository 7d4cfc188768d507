package remote

import "time"

// RawState is the processing state of an uploaded raw artifact.
type RawState string

// Raw artifact states reported by the backend.
const (
	RawStateProcessing RawState = "PROCESSING"
	RawStateActive     RawState = "ACTIVE"
	RawStateFailed     RawState = "FAILED"
)

// RawArtifact describes an uploaded raw media object. The backend derives
// store document identifiers from the artifact ID at import time, so the ID
// is the anchor of the citation identity contract.
type RawArtifact struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	State       RawState  `json:"state"`
	SizeBytes   int64     `json:"sizeBytes,string,omitempty"`
	ExpireTime  time.Time `json:"expireTime,omitempty"`
}

// Operation is a long-running backend operation handle returned by an import
// request and polled until done.
type Operation struct {
	Name       string `json:"name"`
	Done       bool   `json:"done"`
	DocumentID string `json:"documentId,omitempty"`
	ErrMessage string `json:"error,omitempty"`
}

// DocumentRef describes one indexed document in a store.
type DocumentRef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	CreateTime  time.Time `json:"createTime,omitempty"`
	ExpireTime  time.Time `json:"expireTime,omitempty"`
}

// StoreInfo describes a document store.
type StoreInfo struct {
	Name        string `json:"name"` // resource name, e.g. "stores/corpus-main"
	DisplayName string `json:"displayName"`
}
