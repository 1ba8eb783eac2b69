package message

import (
	"encoding/json"
	"fmt"
)

// EntityType identifies the record a piece of binary content belongs to.
type EntityType string

const (
	EntityTrace EntityType = "trace"
	EntitySpan  EntityType = "span"
)

// CreateAttachment records binary content extracted from a trace or span
// payload and uploaded as an independent record. FilePath points at a local
// scratch copy of the data; when DeleteAfterUpload is set the sender removes
// it once the upload succeeds.
type CreateAttachment struct {
	MessageID         int64      `json:"message_id"`
	EntityType        EntityType `json:"entity_type"`
	EntityID          string     `json:"entity_id"`
	ProjectName       string     `json:"project_name"`
	FileName          string     `json:"file_name"`
	ContentType       string     `json:"mime_type,omitempty"`
	FilePath          string     `json:"file_path"`
	DeleteAfterUpload bool       `json:"delete_after_upload"`
}

func (m *CreateAttachment) ID() int64              { return m.MessageID }
func (m *CreateAttachment) Kind() Kind             { return KindCreateAttachment }
func (m *CreateAttachment) SupportsBatching() bool { return false }

// AttachmentSupporting wraps a single original message on its way through
// the attachment extraction stage. Preprocessed marks a message that has
// already been scanned so a loop back through the stage never re-scans it.
//
// The wrapper has no id of its own; ID delegates to the nested original.
type AttachmentSupporting struct {
	Original     Message
	Preprocessed bool
}

// Wrap envelopes m for the attachment extraction stage.
func Wrap(m Message) *AttachmentSupporting {
	return &AttachmentSupporting{Original: m}
}

func (m *AttachmentSupporting) ID() int64 {
	if m.Original == nil {
		return 0
	}
	return m.Original.ID()
}

func (m *AttachmentSupporting) Kind() Kind             { return KindAttachmentSupporting }
func (m *AttachmentSupporting) SupportsBatching() bool { return false }

// attachmentEnvelope is the wire form of AttachmentSupporting. The nested
// original is recursively encoded with its own kind tag so the decoder can
// dispatch back to the concrete type.
type attachmentEnvelope struct {
	OriginalKind Kind            `json:"original_type"`
	Original     json.RawMessage `json:"original_message"`
	Preprocessed bool            `json:"preprocessed"`
}

// MarshalJSON encodes the wrapper together with its nested original.
func (m *AttachmentSupporting) MarshalJSON() ([]byte, error) {
	if m.Original == nil {
		return nil, fmt.Errorf("attachment envelope: no original message")
	}
	payload, err := Encode(m.Original)
	if err != nil {
		return nil, fmt.Errorf("encode original message: %w", err)
	}
	return json.Marshal(attachmentEnvelope{
		OriginalKind: m.Original.Kind(),
		Original:     payload,
		Preprocessed: m.Preprocessed,
	})
}

// UnmarshalJSON decodes the wrapper, reconstructing the nested original via
// the codec dispatch table.
func (m *AttachmentSupporting) UnmarshalJSON(data []byte) error {
	var env attachmentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	original, err := Decode(env.OriginalKind, env.Original)
	if err != nil {
		return fmt.Errorf("decode original message: %w", err)
	}
	m.Original = original
	m.Preprocessed = env.Preprocessed
	return nil
}
