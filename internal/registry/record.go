package registry

import (
	"fmt"
	"time"
)

// Record is one device or service an integration exposes, keyed by the
// stable unique id the integration reports for it. Records survive
// restarts and outlive reloads of their owning entry; they are deleted
// only on confirmed removal or when the entry itself is removed.
type Record struct {
	UniqueID     string    `json:"unique_id"`
	EntryID      string    `json:"entry_id"`
	Domain       string    `json:"domain"`
	Name         string    `json:"name,omitempty"`
	Model        string    `json:"model,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	SWVersion    string    `json:"sw_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the fields a record cannot exist without.
func (r *Record) Validate() error {
	if r.UniqueID == "" {
		return fmt.Errorf("%w: missing unique_id", ErrInvalidRecord)
	}
	if r.EntryID == "" {
		return fmt.Errorf("%w: missing entry_id", ErrInvalidRecord)
	}
	if r.Domain == "" {
		return fmt.Errorf("%w: missing domain", ErrInvalidRecord)
	}
	return nil
}
