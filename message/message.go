// Package message defines the closed set of telemetry messages that travel
// through the delivery pipeline, together with their JSON codec.
//
// Every message carries a caller-assigned, monotonically increasing integer
// id and a kind tag identifying its variant. Point messages describe a
// single trace/span/attachment write; batch containers carry an ordered
// list of item records; the AttachmentSupporting wrapper holds one nested
// original message on its way through the attachment extraction stage.
//
// The codec is bijective: for every variant m, Decode(m.Kind(), Encode(m))
// reconstructs a value equal field-by-field to m, including nested batch
// items and wrapped originals. Dispatch is driven by the kind tag; an
// unrecognized tag is a hard error, never a silent fallback.
package message

import "time"

// Kind identifies a message variant. It is persisted alongside the encoded
// payload and drives codec dispatch on the way back in.
type Kind string

const (
	KindCreateTrace                Kind = "create_trace"
	KindUpdateTrace                Kind = "update_trace"
	KindCreateSpan                 Kind = "create_span"
	KindUpdateSpan                 Kind = "update_span"
	KindCreateAttachment           Kind = "create_attachment"
	KindAddFeedbackScoresBatch     Kind = "add_feedback_scores_batch"
	KindCreateSpansBatch           Kind = "create_spans_batch"
	KindCreateTraceBatch           Kind = "create_trace_batch"
	KindCreateExperimentItemsBatch Kind = "create_experiment_items_batch"
	KindGuardrailBatch             Kind = "guardrail_batch"
	KindAttachmentSupporting       Kind = "attachment_supporting"
)

// Message is a telemetry event awaiting delivery.
//
// Implementations are the concrete variant structs in this package. The id
// is assigned by the caller before the message is registered with a store;
// ids are unique and monotonically increasing within one SDK instance.
type Message interface {
	// ID returns the caller-assigned message id (0 = unassigned).
	ID() int64
	// Kind returns the variant tag.
	Kind() Kind
	// SupportsBatching reports whether this message is a batch container.
	SupportsBatching() bool
}

// ErrorInfo captures error details attached to a trace or span.
type ErrorInfo struct {
	ExceptionType string `json:"exception_type,omitempty"`
	Message       string `json:"message,omitempty"`
	Traceback     string `json:"traceback,omitempty"`
}

// CreateTrace records the creation of a trace.
type CreateTrace struct {
	MessageID   int64          `json:"message_id"`
	TraceID     string         `json:"trace_id"`
	ProjectName string         `json:"project_name"`
	Name        string         `json:"name,omitempty"`
	StartTime   *time.Time     `json:"start_time,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	ErrorInfo   *ErrorInfo     `json:"error_info,omitempty"`
}

func (m *CreateTrace) ID() int64              { return m.MessageID }
func (m *CreateTrace) Kind() Kind             { return KindCreateTrace }
func (m *CreateTrace) SupportsBatching() bool { return false }

// UpdateTrace records a partial update to an existing trace.
type UpdateTrace struct {
	MessageID   int64          `json:"message_id"`
	TraceID     string         `json:"trace_id"`
	ProjectName string         `json:"project_name"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	ErrorInfo   *ErrorInfo     `json:"error_info,omitempty"`
}

func (m *UpdateTrace) ID() int64              { return m.MessageID }
func (m *UpdateTrace) Kind() Kind             { return KindUpdateTrace }
func (m *UpdateTrace) SupportsBatching() bool { return false }

// CreateSpan records the creation of a span within a trace.
type CreateSpan struct {
	MessageID    int64          `json:"message_id"`
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	ProjectName  string         `json:"project_name"`
	Name         string         `json:"name,omitempty"`
	SpanType     string         `json:"type,omitempty"` // llm, tool, guardrail or general
	StartTime    *time.Time     `json:"start_time,omitempty"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	TotalCost    *float64       `json:"total_cost,omitempty"`
	ErrorInfo    *ErrorInfo     `json:"error_info,omitempty"`
}

func (m *CreateSpan) ID() int64              { return m.MessageID }
func (m *CreateSpan) Kind() Kind             { return KindCreateSpan }
func (m *CreateSpan) SupportsBatching() bool { return false }

// UpdateSpan records a partial update to an existing span.
type UpdateSpan struct {
	MessageID    int64          `json:"message_id"`
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	ProjectName  string         `json:"project_name"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	TotalCost    *float64       `json:"total_cost,omitempty"`
	ErrorInfo    *ErrorInfo     `json:"error_info,omitempty"`
}

func (m *UpdateSpan) ID() int64              { return m.MessageID }
func (m *UpdateSpan) Kind() Kind             { return KindUpdateSpan }
func (m *UpdateSpan) SupportsBatching() bool { return false }

// UTC normalizes t to UTC so encoded timestamps are deterministic.
// The codec round-trips time values exactly when they are UTC.
func UTC(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
