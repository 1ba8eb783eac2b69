package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tracepipe/tracepipe/message"
)

const meterName = "tracepipe.attachment"

// DefaultMinSize is the extraction threshold when none is configured.
// Payloads below it stay inline.
const DefaultMinSize = 10 * 1024

// Stage is the attachment extraction pipeline step.
//
// It operates before a message ever needs durability: large inline binary
// content is split out into independent CreateAttachment messages, which
// are enqueued ahead of the (now shrunk) original. Whatever happens per
// context, the original message is re-queued exactly once with a one-time
// preprocessed marker so a loop back through the stage never re-scans it.
//
// Example:
//
//	stage := attachment.NewStage(attachment.NewBase64Extractor(), queue).
//	    WithMinSize(64 * 1024)
//
//	stage.Process(ctx, message.Wrap(span))
type Stage struct {
	extractor Extractor
	sender    Sender
	logger    *slog.Logger

	minSize        int
	active         bool
	scratchDir     string
	metricsEnabled bool
}

// NewStage creates an active stage with the default minimum size and the
// system temp directory for scratch copies.
func NewStage(extractor Extractor, sender Sender) *Stage {
	return &Stage{
		extractor:  extractor,
		sender:     sender,
		logger:     slog.Default().With("component", "attachment.stage"),
		minSize:    DefaultMinSize,
		active:     true,
		scratchDir: os.TempDir(),
	}
}

// WithMinSize sets the extraction threshold in bytes. Payloads smaller
// than the threshold are left inline. Values < 1 are ignored.
//
// Returns the stage for method chaining.
func (s *Stage) WithMinSize(n int) *Stage {
	if n > 0 {
		s.minSize = n
	}
	return s
}

// WithActive toggles extraction. An inactive stage still forwards the
// unwrapped original message, so toggling never breaks the pipeline.
//
// Returns the stage for method chaining.
func (s *Stage) WithActive(active bool) *Stage {
	s.active = active
	return s
}

// WithScratchDir sets the directory scratch copies are written to.
//
// Returns the stage for method chaining.
func (s *Stage) WithScratchDir(dir string) *Stage {
	if dir != "" {
		s.scratchDir = dir
	}
	return s
}

// WithLogger sets a custom logger.
//
// Returns the stage for method chaining.
func (s *Stage) WithLogger(l *slog.Logger) *Stage {
	s.logger = l
	return s
}

// WithMetrics enables an OpenTelemetry counter for extracted attachments.
//
// Returns the stage for method chaining.
func (s *Stage) WithMetrics(enabled bool) *Stage {
	s.metricsEnabled = enabled
	return s
}

// source describes where a message's attachments belong and which payload
// structures to scan.
type source struct {
	entityType  message.EntityType
	entityID    string
	projectName string
	payloads    []payloadRef
}

type payloadRef struct {
	context Context
	value   *map[string]any
}

// Process runs one message through the stage.
//
// Messages that are not wrapped in the attachment-supporting envelope pass
// through untouched. For wrapped messages, each non-nil input/output/
// metadata payload is handed to the extractor; every extracted item
// becomes a CreateAttachment message sent ahead of the shrunk original.
// An extractor error for one context is logged and treated as "no
// attachment found" there — the original is always forwarded.
func (s *Stage) Process(ctx context.Context, msg message.Message) error {
	env, ok := msg.(*message.AttachmentSupporting)
	if !ok {
		return s.sender.Send(ctx, msg)
	}

	original := env.Original
	if original == nil {
		return fmt.Errorf("attachment envelope without original message")
	}
	if !s.active || env.Preprocessed {
		return s.sender.Send(ctx, original)
	}

	src, ok := sourceOf(original)
	if ok {
		for _, ref := range src.payloads {
			if *ref.value == nil {
				continue
			}
			extracted, shrunk, err := s.extractor.Extract(ctx, *ref.value, ref.context, s.minSize)
			if err != nil {
				s.logger.Error("attachment extraction failed",
					"context", ref.context,
					"entity_type", src.entityType,
					"entity_id", src.entityID,
					"error", err)
				continue
			}
			if len(extracted) == 0 {
				continue
			}
			*ref.value = shrunk

			for _, item := range extracted {
				with := WithContext{
					Extracted:   item,
					EntityType:  src.entityType,
					EntityID:    src.entityID,
					ProjectName: src.projectName,
					Context:     ref.context,
				}
				if err := s.sendAttachment(ctx, with); err != nil {
					s.logger.Error("failed to enqueue attachment",
						"context", ref.context,
						"entity_id", src.entityID,
						"file_name", item.FileName,
						"error", err)
				}
			}
		}
	}

	// Re-queue the original exactly once, marked so it is never re-scanned.
	env.Preprocessed = true
	return s.sender.Send(ctx, env)
}

// sendAttachment writes the scratch copy and enqueues the CreateAttachment
// message built from it.
func (s *Stage) sendAttachment(ctx context.Context, att WithContext) error {
	path, err := s.writeScratch(att.Data)
	if err != nil {
		return fmt.Errorf("write scratch copy: %w", err)
	}

	msg := &message.CreateAttachment{
		EntityType:        att.EntityType,
		EntityID:          att.EntityID,
		ProjectName:       att.ProjectName,
		FileName:          att.FileName,
		ContentType:       att.ContentType,
		FilePath:          path,
		DeleteAfterUpload: true, // the encoding on disk is a scratch copy
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		os.Remove(path)
		return err
	}

	if s.metricsEnabled {
		meter := otel.Meter(meterName)
		extracted, _ := meter.Int64Counter("tracepipe.attachments.extracted",
			metric.WithDescription("Total attachments extracted from message payloads"))
		extracted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("context", string(att.Context)),
			attribute.String("entity_type", string(att.EntityType))))
	}
	return nil
}

func (s *Stage) writeScratch(data []byte) (string, error) {
	f, err := os.CreateTemp(s.scratchDir, "tracepipe-attachment-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// sourceOf maps a message variant to its attachment provenance and
// scannable payloads. Variants without inline payload structures are not
// scanned.
func sourceOf(m message.Message) (*source, bool) {
	switch t := m.(type) {
	case *message.CreateTrace:
		return &source{
			entityType:  message.EntityTrace,
			entityID:    t.TraceID,
			projectName: t.ProjectName,
			payloads: []payloadRef{
				{ContextInput, &t.Input},
				{ContextOutput, &t.Output},
				{ContextMetadata, &t.Metadata},
			},
		}, true
	case *message.UpdateTrace:
		return &source{
			entityType:  message.EntityTrace,
			entityID:    t.TraceID,
			projectName: t.ProjectName,
			payloads: []payloadRef{
				{ContextInput, &t.Input},
				{ContextOutput, &t.Output},
				{ContextMetadata, &t.Metadata},
			},
		}, true
	case *message.CreateSpan:
		return &source{
			entityType:  message.EntitySpan,
			entityID:    t.SpanID,
			projectName: t.ProjectName,
			payloads: []payloadRef{
				{ContextInput, &t.Input},
				{ContextOutput, &t.Output},
				{ContextMetadata, &t.Metadata},
			},
		}, true
	case *message.UpdateSpan:
		return &source{
			entityType:  message.EntitySpan,
			entityID:    t.SpanID,
			projectName: t.ProjectName,
			payloads: []payloadRef{
				{ContextInput, &t.Input},
				{ContextOutput, &t.Output},
				{ContextMetadata, &t.Metadata},
			},
		}, true
	default:
		return nil, false
	}
}
