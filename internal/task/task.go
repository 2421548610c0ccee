// Package task defines the persistent task model: records, trigger
// specifications with next-fire computation, and the durable repository.
package task

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindText    Kind = "text"
	KindCheckin Kind = "checkin"
	KindMedia   Kind = "media"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindCheckin, KindMedia:
		return true
	}
	return false
}

// Record is one configured scheduled send. Records are immutable once
// created; corrections are delete + recreate.
//
// Exactly one kind-specific payload is set, matching Kind.
type Record struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Kind          Kind        `json:"kind"`
	Trigger       TriggerSpec `json:"trigger"`
	DestinationID string      `json:"destination_id"`

	Text       string `json:"text,omitempty"`
	CheckinCmd string `json:"checkin_cmd,omitempty"`
	MediaPath  string `json:"media_path,omitempty"`
	Caption    string `json:"caption,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewID derives a stable task id from kind, owner and creation instant.
func NewID(kind Kind, ownerID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", kind, ownerID, at.Unix())
}

// Validate checks the payload invariant: exactly one kind-specific payload,
// matching Kind.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("task %s: owner is empty", r.ID)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("task %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.DestinationID == "" {
		return fmt.Errorf("task %s: destination is empty", r.ID)
	}

	hasText := r.Text != ""
	hasCheckin := r.CheckinCmd != ""
	hasMedia := r.MediaPath != ""

	switch r.Kind {
	case KindText:
		if !hasText || hasCheckin || hasMedia {
			return fmt.Errorf("task %s: text task must carry exactly a text payload", r.ID)
		}
	case KindCheckin:
		if !hasCheckin || hasText || hasMedia {
			return fmt.Errorf("task %s: checkin task must carry exactly a command payload", r.ID)
		}
	case KindMedia:
		if !hasMedia || hasText || hasCheckin {
			return fmt.Errorf("task %s: media task must carry exactly a media payload", r.ID)
		}
	}
	return nil
}
