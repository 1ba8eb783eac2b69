// Package attachment implements the pre-send pipeline stage that pulls
// large inline binary content out of a message's input, output and
// metadata before the message is queued for delivery or durability.
//
// The stage consumes messages wrapped in the message.AttachmentSupporting
// envelope, asks an Extractor for binary payloads in each context, emits
// one independent CreateAttachment message per extracted payload, and
// forwards the shrunk original downstream. Messages that are not wrapped
// pass through untouched.
package attachment

import (
	"context"

	"github.com/tracepipe/tracepipe/message"
)

// Context names the part of a message an attachment was extracted from.
type Context string

const (
	ContextInput    Context = "input"
	ContextOutput   Context = "output"
	ContextMetadata Context = "metadata"
)

// Extracted is one binary payload pulled out of a message context.
type Extracted struct {
	FileName    string
	ContentType string
	Data        []byte
}

// WithContext is an extracted payload plus its provenance: which entity it
// came from and which context it was found in. Used to build the
// independent CreateAttachment message.
type WithContext struct {
	Extracted
	EntityType  message.EntityType
	EntityID    string
	ProjectName string
	Context     Context
}

// Extractor finds binary payloads inside one message context.
//
// Extract returns the payloads at least minSize bytes large, together
// with a shrunk copy of the payload structure in which the extracted
// values are replaced by small placeholders. Payloads below minSize stay
// inline and the input structure must not be mutated.
//
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, payload map[string]any, source Context, minSize int) ([]Extracted, map[string]any, error)
}

// Sender is the downstream collaborator the stage hands messages to: the
// queue feeding the delivery transport. It assigns message ids as messages
// are enqueued; the stage leaves ids unset.
type Sender interface {
	Send(ctx context.Context, msg message.Message) error
}
