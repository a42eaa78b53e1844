package registry

import "github.com/google/uuid"

// Attachment is the handle returned by Attach.
type Attachment struct {
	id       string
	traitID  string
	consumer Consumer
	reg      *Registry
	detached bool
}

func newAttachment(r *Registry, traitID string, c Consumer) *Attachment {
	return &Attachment{
		id:       uuid.NewString(),
		traitID:  traitID,
		consumer: c,
		reg:      r,
	}
}

// ID uniquely identifies the attachment.
func (a *Attachment) ID() string { return a.id }

// TraitID is the trait the consumer is attached to.
func (a *Attachment) TraitID() string { return a.traitID }

// Detached reports whether Detach has been called or the registry closed.
func (a *Attachment) Detached() bool { return a.detached }

// Detach stops every later delivery to the consumer, including the rest of a
// delivery round already in progress. Calling it more than once is a no-op.
func (a *Attachment) Detach() {
	if a.detached {
		return
	}
	a.detached = true
	if !a.reg.closed {
		a.reg.detach(a)
	}
}
