package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a kind tag has no registered decoder.
// Unknown tags are a hard error: decoding must never silently fall back to
// a different variant and corrupt a persisted message.
var ErrUnknownKind = errors.New("unknown message kind")

// decoders maps each kind tag to a factory for its concrete type. The table
// is the single source of truth for codec dispatch; adding a variant means
// adding exactly one entry here.
var decoders = map[Kind]func() Message{
	KindCreateTrace:                func() Message { return &CreateTrace{} },
	KindUpdateTrace:                func() Message { return &UpdateTrace{} },
	KindCreateSpan:                 func() Message { return &CreateSpan{} },
	KindUpdateSpan:                 func() Message { return &UpdateSpan{} },
	KindCreateAttachment:           func() Message { return &CreateAttachment{} },
	KindAddFeedbackScoresBatch:     func() Message { return &AddFeedbackScoresBatch{} },
	KindCreateSpansBatch:           func() Message { return &CreateSpansBatch{} },
	KindCreateTraceBatch:           func() Message { return &CreateTraceBatch{} },
	KindCreateExperimentItemsBatch: func() Message { return &CreateExperimentItemsBatch{} },
	KindGuardrailBatch:             func() Message { return &GuardrailBatch{} },
	KindAttachmentSupporting:       func() Message { return &AttachmentSupporting{} },
}

// Encode serializes a message to its JSON wire form. Nested batch items and
// wrapped originals are encoded recursively. Timestamps round-trip exactly
// when they are UTC (see UTC).
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind(), err)
	}
	return data, nil
}

// Decode reconstructs the concrete message for the given kind tag. It is
// the exact inverse of Encode: the result is equal field-by-field to the
// encoded source, including each batch item's concrete sub-type and any
// wrapped original message.
func Decode(kind Kind, data []byte) (Message, error) {
	factory, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	m := factory()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", kind, err)
	}
	return m, nil
}
