package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"testing"

	"github.com/tracepipe/tracepipe/message"
)

// recordingSender captures everything the stage hands downstream.
type recordingSender struct {
	sent []message.Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg message.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

// fakeExtractor returns a fixed set of payloads and records its calls.
type fakeExtractor struct {
	extracted []Extracted
	calls     []Context
	err       error
}

func (e *fakeExtractor) Extract(ctx context.Context, payload map[string]any, source Context, minSize int) ([]Extracted, map[string]any, error) {
	e.calls = append(e.calls, source)
	if e.err != nil {
		return nil, nil, e.err
	}
	shrunk := map[string]any{"placeholder": true}
	return e.extracted, shrunk, nil
}

func span(input map[string]any) *message.CreateSpan {
	return &message.CreateSpan{
		MessageID:   1,
		SpanID:      "span-1",
		TraceID:     "trace-1",
		ProjectName: "demo",
		Input:       input,
	}
}

func TestStagePassThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("unwrapped message is forwarded untouched", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{}
		stage := NewStage(extractor, sender)

		msg := span(map[string]any{"k": "v"})
		if err := stage.Process(ctx, msg); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(sender.sent) != 1 || sender.sent[0] != message.Message(msg) {
			t.Errorf("expected pass-through, got %v", sender.sent)
		}
		if len(extractor.calls) != 0 {
			t.Error("extractor must not run for unwrapped messages")
		}
	})

	t.Run("inactive stage forwards the unwrapped original", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{}
		stage := NewStage(extractor, sender).WithActive(false)

		inner := span(map[string]any{"k": "v"})
		if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(sender.sent) != 1 || sender.sent[0] != message.Message(inner) {
			t.Errorf("expected unwrapped original, got %v", sender.sent)
		}
		if len(extractor.calls) != 0 {
			t.Error("extractor must not run when the stage is inactive")
		}
	})

	t.Run("preprocessed envelope is never re-scanned", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{}
		stage := NewStage(extractor, sender)

		inner := span(map[string]any{"k": "v"})
		env := message.Wrap(inner)
		env.Preprocessed = true

		if err := stage.Process(ctx, env); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if len(extractor.calls) != 0 {
			t.Error("extractor must not run for preprocessed messages")
		}
		if len(sender.sent) != 1 || sender.sent[0] != message.Message(inner) {
			t.Errorf("expected unwrapped original, got %v", sender.sent)
		}
	})
}

func TestStageExtraction(t *testing.T) {
	ctx := context.Background()

	t.Run("attachment enqueued before shrunk original", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{
			extracted: []Extracted{{
				FileName:    "blob.png",
				ContentType: "image/png",
				Data:        []byte("png-bytes"),
			}},
		}
		stage := NewStage(extractor, sender).WithScratchDir(t.TempDir())

		inner := span(map[string]any{"image": "huge"})
		if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(sender.sent) != 2 {
			t.Fatalf("expected attachment then original, got %d messages", len(sender.sent))
		}

		att, ok := sender.sent[0].(*message.CreateAttachment)
		if !ok {
			t.Fatalf("expected CreateAttachment first, got %T", sender.sent[0])
		}
		if !att.DeleteAfterUpload {
			t.Error("expected DeleteAfterUpload set")
		}
		if att.EntityType != message.EntitySpan || att.EntityID != "span-1" || att.ProjectName != "demo" {
			t.Errorf("provenance not copied: %+v", att)
		}
		data, err := os.ReadFile(att.FilePath)
		if err != nil {
			t.Fatalf("reading scratch copy: %v", err)
		}
		if string(data) != "png-bytes" {
			t.Errorf("scratch copy mismatch: %q", data)
		}

		env, ok := sender.sent[1].(*message.AttachmentSupporting)
		if !ok {
			t.Fatalf("expected envelope second, got %T", sender.sent[1])
		}
		if !env.Preprocessed {
			t.Error("expected preprocessed marker on the re-queued envelope")
		}
		if _, ok := env.Original.(*message.CreateSpan).Input["placeholder"]; !ok {
			t.Error("expected original input shrunk by the extractor")
		}
	})

	t.Run("nil payloads are never scanned", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{}
		stage := NewStage(extractor, sender)

		inner := span(map[string]any{"k": "v"}) // only input set
		if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(extractor.calls) != 1 || extractor.calls[0] != ContextInput {
			t.Errorf("expected exactly one input scan, got %v", extractor.calls)
		}
	})

	t.Run("all three contexts scanned when present", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{}
		stage := NewStage(extractor, sender)

		inner := span(map[string]any{"k": "v"})
		inner.Output = map[string]any{"o": "v"}
		inner.Metadata = map[string]any{"m": "v"}

		if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		want := []Context{ContextInput, ContextOutput, ContextMetadata}
		if len(extractor.calls) != 3 {
			t.Fatalf("expected 3 scans, got %v", extractor.calls)
		}
		for i, c := range want {
			if extractor.calls[i] != c {
				t.Errorf("scan %d: expected %s, got %s", i, c, extractor.calls[i])
			}
		}
	})

	t.Run("extractor failure still forwards the original once", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{err: errors.New("scan blew up")}
		stage := NewStage(extractor, sender)

		inner := span(map[string]any{"k": "v"})
		if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(sender.sent) != 1 {
			t.Fatalf("expected exactly one forwarded message, got %d", len(sender.sent))
		}
		env, ok := sender.sent[0].(*message.AttachmentSupporting)
		if !ok || !env.Preprocessed {
			t.Errorf("expected marked envelope, got %T", sender.sent[0])
		}
		if inner.Input["k"] != "v" {
			t.Error("expected payload untouched after extractor failure")
		}
	})

	t.Run("non-attachment variants forward unscanned", func(t *testing.T) {
		sender := &recordingSender{}
		extractor := &fakeExtractor{}
		stage := NewStage(extractor, sender)

		inner := &message.GuardrailBatch{MessageID: 3}
		if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if len(extractor.calls) != 0 {
			t.Error("extractor must not run for variants without payloads")
		}
		env, ok := sender.sent[0].(*message.AttachmentSupporting)
		if !ok || !env.Preprocessed {
			t.Errorf("expected marked envelope, got %T", sender.sent[0])
		}
	})
}

func TestStageMinSizeGate(t *testing.T) {
	ctx := context.Background()

	big := base64.StdEncoding.EncodeToString(make([]byte, 256))
	small := base64.StdEncoding.EncodeToString([]byte("tiny"))

	sender := &recordingSender{}
	stage := NewStage(NewBase64Extractor(), sender).
		WithMinSize(64).
		WithScratchDir(t.TempDir())

	inner := span(map[string]any{
		"big":   "data:image/png;base64," + big,
		"small": "data:image/png;base64," + small,
	})

	if err := stage.Process(ctx, message.Wrap(inner)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("expected one attachment plus the original, got %d messages", len(sender.sent))
	}

	att := sender.sent[0].(*message.CreateAttachment)
	if att.ContentType != "image/png" {
		t.Errorf("unexpected content type %q", att.ContentType)
	}

	env := sender.sent[1].(*message.AttachmentSupporting)
	input := env.Original.(*message.CreateSpan).Input
	if input["small"] != "data:image/png;base64,"+small {
		t.Error("expected payload under the threshold left inline")
	}
	if input["big"] == "data:image/png;base64,"+big {
		t.Error("expected payload over the threshold extracted")
	}
}
