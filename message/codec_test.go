package message

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

// roundTrip encodes m, decodes it back through the dispatch table and
// requires field-by-field equality.
func roundTrip(t *testing.T, m Message) Message {
	t.Helper()

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(m.Kind(), data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("round trip mismatch for %s (-want +got):\n%s", m.Kind(), diff)
	}
	return got
}

func someCost() *float64 {
	c := float64(faker.RandomInt(1, 1000)) / 100
	return &c
}

func TestRoundTripPointMessages(t *testing.T) {
	start := UTC(time.Now())
	end := UTC(time.Now().Add(3 * time.Second))

	t.Run("CreateTrace", func(t *testing.T) {
		roundTrip(t, &CreateTrace{
			MessageID:   1,
			TraceID:     "trace-1",
			ProjectName: "demo",
			Name:        faker.Lorem().String(),
			StartTime:   start,
			EndTime:     end,
			Input:       map[string]any{"prompt": faker.Lorem().String()},
			Output:      map[string]any{"completion": faker.Lorem().String()},
			Metadata:    map[string]any{"env": "test", "weight": 0.5},
			Tags:        []string{"a", "b"},
			ThreadID:    "thread-1",
			ErrorInfo: &ErrorInfo{
				ExceptionType: "TimeoutError",
				Message:       "deadline exceeded",
				Traceback:     "...",
			},
		})
	})

	t.Run("UpdateTrace", func(t *testing.T) {
		roundTrip(t, &UpdateTrace{
			MessageID:   2,
			TraceID:     "trace-1",
			ProjectName: "demo",
			EndTime:     end,
			Output:      map[string]any{"completion": faker.Lorem().String()},
			Tags:        []string{"done"},
		})
	})

	t.Run("CreateSpan", func(t *testing.T) {
		roundTrip(t, &CreateSpan{
			MessageID:    3,
			SpanID:       "span-1",
			TraceID:      "trace-1",
			ParentSpanID: "span-0",
			ProjectName:  "demo",
			Name:         "llm call",
			SpanType:     "llm",
			StartTime:    start,
			EndTime:      end,
			Input:        map[string]any{"messages": []any{map[string]any{"role": "user"}}},
			Output:       map[string]any{"text": faker.Lorem().String()},
			Usage:        map[string]int{"prompt_tokens": 12, "completion_tokens": 34},
			Model:        "gpt-4o",
			Provider:     "openai",
			TotalCost:    someCost(),
		})
	})

	t.Run("UpdateSpan", func(t *testing.T) {
		roundTrip(t, &UpdateSpan{
			MessageID:   4,
			SpanID:      "span-1",
			TraceID:     "trace-1",
			ProjectName: "demo",
			EndTime:     end,
			Usage:       map[string]int{"total_tokens": 46},
			TotalCost:   someCost(),
		})
	})

	t.Run("CreateAttachment", func(t *testing.T) {
		roundTrip(t, &CreateAttachment{
			MessageID:         5,
			EntityType:        EntitySpan,
			EntityID:          "span-1",
			ProjectName:       "demo",
			FileName:          "image.png",
			ContentType:       "image/png",
			FilePath:          "/tmp/scratch/image.png",
			DeleteAfterUpload: true,
		})
	})
}

func TestRoundTripBatchMessages(t *testing.T) {
	start := UTC(time.Now())

	t.Run("AddFeedbackScoresBatch", func(t *testing.T) {
		for _, scope := range []ScoreScope{ScopeTrace, ScopeSpan, ScopeThread} {
			roundTrip(t, &AddFeedbackScoresBatch{
				MessageID: 10,
				Scope:     scope,
				Batch: []FeedbackScoreItem{
					{
						EntityID:     "entity-1",
						ProjectName:  "demo",
						Name:         "relevance",
						CategoryName: "good",
						Value:        0.9,
						Reason:       faker.Lorem().String(),
						Source:       "sdk",
					},
					{EntityID: "entity-2", ProjectName: "demo", Name: "toxicity", Value: 0},
				},
			})
		}
	})

	t.Run("CreateSpansBatch", func(t *testing.T) {
		roundTrip(t, &CreateSpansBatch{
			MessageID: 11,
			Batch: []CreateSpan{
				{SpanID: "s1", TraceID: "t1", ProjectName: "demo", StartTime: start},
				{SpanID: "s2", TraceID: "t1", ProjectName: "demo", SpanType: "tool"},
			},
		})
	})

	t.Run("CreateTraceBatch", func(t *testing.T) {
		roundTrip(t, &CreateTraceBatch{
			MessageID: 12,
			Batch: []CreateTrace{
				{TraceID: "t1", ProjectName: "demo", StartTime: start},
				{TraceID: "t2", ProjectName: "demo", Tags: []string{"x"}},
			},
		})
	})

	t.Run("CreateExperimentItemsBatch", func(t *testing.T) {
		roundTrip(t, &CreateExperimentItemsBatch{
			MessageID: 13,
			Batch: []ExperimentItem{
				{ItemID: "i1", ExperimentID: "e1", DatasetItemID: "d1", TraceID: "t1"},
				{ExperimentID: "e1", DatasetItemID: "d2", TraceID: "t2"},
			},
		})
	})

	t.Run("GuardrailBatch", func(t *testing.T) {
		roundTrip(t, &GuardrailBatch{
			MessageID: 14,
			Batch: []GuardrailItem{
				{
					EntityID:    "t1",
					SpanID:      "s1",
					ProjectName: "demo",
					Name:        "pii",
					Result:      "failed",
					Config:      map[string]any{"threshold": 0.8},
					Details:     map[string]any{"matches": []any{"email"}},
				},
			},
		})
	})
}

func TestRoundTripAttachmentEnvelope(t *testing.T) {
	inner := &CreateSpan{
		MessageID:   20,
		SpanID:      "span-1",
		TraceID:     "trace-1",
		ProjectName: "demo",
		Input:       map[string]any{"image": "data:image/png;base64,aGVsbG8="},
	}

	env := Wrap(inner)
	got := roundTrip(t, env).(*AttachmentSupporting)

	if got.ID() != inner.MessageID {
		t.Errorf("expected wrapper to delegate id %d, got %d", inner.MessageID, got.ID())
	}
	if got.Preprocessed {
		t.Error("expected preprocessed to default to false")
	}

	t.Run("preprocessed marker survives", func(t *testing.T) {
		env := Wrap(inner)
		env.Preprocessed = true
		got := roundTrip(t, env).(*AttachmentSupporting)
		if !got.Preprocessed {
			t.Error("expected preprocessed marker to round trip")
		}
	})

	t.Run("nested envelope", func(t *testing.T) {
		roundTrip(t, Wrap(Wrap(inner)))
	})
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(Kind("telepathy"), []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSupportsBatching(t *testing.T) {
	containers := []Message{
		&AddFeedbackScoresBatch{},
		&CreateSpansBatch{},
		&CreateTraceBatch{},
		&CreateExperimentItemsBatch{},
		&GuardrailBatch{},
	}
	for _, m := range containers {
		if !m.SupportsBatching() {
			t.Errorf("%s should support batching", m.Kind())
		}
	}

	points := []Message{
		&CreateTrace{}, &UpdateTrace{}, &CreateSpan{}, &UpdateSpan{},
		&CreateAttachment{}, &AttachmentSupporting{},
	}
	for _, m := range points {
		if m.SupportsBatching() {
			t.Errorf("%s should not support batching", m.Kind())
		}
	}
}

func TestEncodeLargeIDs(t *testing.T) {
	m := &CreateTrace{MessageID: math.MaxInt64, TraceID: "t", ProjectName: "p"}
	got := roundTrip(t, m).(*CreateTrace)
	if got.MessageID != math.MaxInt64 {
		t.Errorf("expected message id to survive, got %d", got.MessageID)
	}
}
