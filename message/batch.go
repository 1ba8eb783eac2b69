package message

// ScoreScope identifies the entity a feedback score applies to.
type ScoreScope string

const (
	ScopeTrace  ScoreScope = "trace"
	ScopeSpan   ScoreScope = "span"
	ScopeThread ScoreScope = "thread"
)

// FeedbackScoreItem is one feedback score within an AddFeedbackScoresBatch.
type FeedbackScoreItem struct {
	EntityID     string  `json:"id"` // trace, span or thread id, per the batch scope
	ProjectName  string  `json:"project_name"`
	Name         string  `json:"name"`
	CategoryName string  `json:"category_name,omitempty"`
	Value        float64 `json:"value"`
	Reason       string  `json:"reason,omitempty"`
	Source       string  `json:"source,omitempty"`
}

// AddFeedbackScoresBatch carries feedback scores for traces, spans or
// threads, as selected by Scope.
type AddFeedbackScoresBatch struct {
	MessageID int64               `json:"message_id"`
	Scope     ScoreScope          `json:"scope"`
	Batch     []FeedbackScoreItem `json:"batch"`
}

func (m *AddFeedbackScoresBatch) ID() int64              { return m.MessageID }
func (m *AddFeedbackScoresBatch) Kind() Kind             { return KindAddFeedbackScoresBatch }
func (m *AddFeedbackScoresBatch) SupportsBatching() bool { return true }

// CreateSpansBatch carries multiple span writes in one message.
// Item message ids are ignored; only the container id is significant.
type CreateSpansBatch struct {
	MessageID int64        `json:"message_id"`
	Batch     []CreateSpan `json:"batch"`
}

func (m *CreateSpansBatch) ID() int64              { return m.MessageID }
func (m *CreateSpansBatch) Kind() Kind             { return KindCreateSpansBatch }
func (m *CreateSpansBatch) SupportsBatching() bool { return true }

// CreateTraceBatch carries multiple trace writes in one message.
type CreateTraceBatch struct {
	MessageID int64         `json:"message_id"`
	Batch     []CreateTrace `json:"batch"`
}

func (m *CreateTraceBatch) ID() int64              { return m.MessageID }
func (m *CreateTraceBatch) Kind() Kind             { return KindCreateTraceBatch }
func (m *CreateTraceBatch) SupportsBatching() bool { return true }

// ExperimentItem links a dataset item to the trace produced while
// evaluating it.
type ExperimentItem struct {
	ItemID        string `json:"id,omitempty"`
	ExperimentID  string `json:"experiment_id"`
	DatasetItemID string `json:"dataset_item_id"`
	TraceID       string `json:"trace_id"`
}

// CreateExperimentItemsBatch carries experiment item writes.
type CreateExperimentItemsBatch struct {
	MessageID int64            `json:"message_id"`
	Batch     []ExperimentItem `json:"batch"`
}

func (m *CreateExperimentItemsBatch) ID() int64              { return m.MessageID }
func (m *CreateExperimentItemsBatch) Kind() Kind             { return KindCreateExperimentItemsBatch }
func (m *CreateExperimentItemsBatch) SupportsBatching() bool { return true }

// GuardrailItem is one guardrail evaluation result.
type GuardrailItem struct {
	EntityID    string         `json:"entity_id"` // the guarded trace id
	SpanID      string         `json:"secondary_id,omitempty"`
	ProjectName string         `json:"project_name"`
	Name        string         `json:"name"`
	Result      string         `json:"result"` // passed or failed
	Config      map[string]any `json:"config,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// GuardrailBatch carries guardrail evaluation results.
type GuardrailBatch struct {
	MessageID int64           `json:"message_id"`
	Batch     []GuardrailItem `json:"batch"`
}

func (m *GuardrailBatch) ID() int64              { return m.MessageID }
func (m *GuardrailBatch) Kind() Kind             { return KindGuardrailBatch }
func (m *GuardrailBatch) SupportsBatching() bool { return true }
