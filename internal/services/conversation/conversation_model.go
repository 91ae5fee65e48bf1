package conversation

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	json "github.com/bytedance/sonic"
)

const (
	MessageKindUser      = "user"
	MessageKindAssistant = "assistant"

	SegmentKindText = "text"
	SegmentKindTool = "tool"
)

// ToolStatus is the lifecycle state of a tool segment.
type ToolStatus string

const (
	StatusPending          ToolStatus = "pending"
	StatusAwaitingApproval ToolStatus = "awaiting_approval"
	StatusExecuting        ToolStatus = "executing"
	StatusApproved         ToolStatus = "approved"
	StatusDenied           ToolStatus = "denied"
	StatusCompleted        ToolStatus = "completed"
	StatusError            ToolStatus = "error"
)

// legalTransitions is the tool-segment state machine. approved is a
// transient state between an approval decision and dispatch.
var legalTransitions = map[ToolStatus][]ToolStatus{
	StatusPending:          {StatusAwaitingApproval, StatusExecuting},
	StatusAwaitingApproval: {StatusApproved, StatusExecuting, StatusDenied},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusCompleted, StatusError},
}

func (s ToolStatus) canTransitionTo(next ToolStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeniedResultText is the fixed result recorded for a denied tool call.
const DeniedResultText = "Tool call was denied by the user"

// ToolResultBlock is one element of a tool segment's result.
type ToolResultBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Segment is one element of an assistant message: either text or a tool call.
type Segment struct {
	Kind string `json:"kind"`

	// Text segment
	Text string `json:"text,omitempty"`

	// Tool segment
	Tool             string            `json:"tool,omitempty"`
	Title            string            `json:"title,omitempty"`
	Args             map[string]any    `json:"args,omitempty"`
	Status           ToolStatus        `json:"status,omitempty"`
	Result           []ToolResultBlock `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	CallID           string            `json:"call_id,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// TokenUsage is the metrics block attached to a finalized assistant message.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	Cost             float64 `json:"cost"`
	Source           string  `json:"source"` // "provider" or "estimated"
	TTFTMS           int64   `json:"ttft_ms"`
	TTRMS            int64   `json:"ttr_ms"`
}

// Message is one element of the transcript.
type Message struct {
	Kind       string      `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Segments   []Segment   `json:"segments,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// Messages is the transcript stored in the conversations.messages JSONB column.
type Messages []Message

func (m *Messages) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported type for Messages")
	}
}

func (m Messages) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

// Conversation is a conversation row plus its transcript.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     *string   `json:"title" db:"title"`
	Messages  Messages  `json:"messages" db:"messages"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AppendUserMessage appends a new user message at the end of the transcript.
func (c *Conversation) AppendUserMessage(text string, timestamp int64) {
	c.Messages = append(c.Messages, Message{
		Kind:      MessageKindUser,
		Text:      text,
		Timestamp: timestamp,
	})
}

// currentAssistantMessage returns the last message when it is assistant-kind,
// creating a fresh assistant message otherwise.
func (c *Conversation) currentAssistantMessage(timestamp int64) *Message {
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Kind == MessageKindAssistant {
		return &c.Messages[n-1]
	}

	c.Messages = append(c.Messages, Message{
		Kind:      MessageKindAssistant,
		Timestamp: timestamp,
	})
	return &c.Messages[len(c.Messages)-1]
}

// AppendTextSegment appends text to the current assistant message. When the
// last segment is a text segment with no tool segment after it, the text is
// merged into it instead of starting a new segment.
func (c *Conversation) AppendTextSegment(text string, timestamp int64) {
	msg := c.currentAssistantMessage(timestamp)

	if n := len(msg.Segments); n > 0 && msg.Segments[n-1].Kind == SegmentKindText {
		msg.Segments[n-1].Text += text
		return
	}

	msg.Segments = append(msg.Segments, Segment{
		Kind:      SegmentKindText,
		Text:      text,
		Timestamp: timestamp,
	})
}

// AppendToolSegment appends a tool segment to the current assistant message.
// Idempotent on call_id: a second append with a known call_id is a no-op.
// Returns whether the segment was appended.
func (c *Conversation) AppendToolSegment(seg Segment) bool {
	if c.FindToolSegment(seg.CallID) != nil {
		return false
	}

	seg.Kind = SegmentKindTool
	if seg.Status == "" {
		seg.Status = StatusPending
	}

	msg := c.currentAssistantMessage(seg.Timestamp)
	msg.Segments = append(msg.Segments, seg)
	return true
}

// FindToolSegment looks up a tool segment by call_id anywhere in the
// conversation.
func (c *Conversation) FindToolSegment(callID string) *Segment {
	for i := range c.Messages {
		for j := range c.Messages[i].Segments {
			seg := &c.Messages[i].Segments[j]
			if seg.Kind == SegmentKindTool && seg.CallID == callID {
				return seg
			}
		}
	}
	return nil
}

// UpdateToolSegmentStatus moves a tool segment through the state machine,
// recording the result or error. Illegal transitions leave the segment
// unchanged and return an error.
func (c *Conversation) UpdateToolSegmentStatus(callID string, status ToolStatus, result []ToolResultBlock, errText string) error {
	seg := c.FindToolSegment(callID)
	if seg == nil {
		return fmt.Errorf("tool segment %s not found", callID)
	}

	// Repeated writes of the same status are no-ops so a decision applied
	// both eagerly and by the run loop does not error.
	if seg.Status == status {
		return nil
	}

	if !seg.Status.canTransitionTo(status) {
		return fmt.Errorf("illegal tool status transition %s -> %s for call %s", seg.Status, status, callID)
	}

	switch status {
	case StatusCompleted:
		if len(result) == 0 {
			return fmt.Errorf("completed call %s requires a result", callID)
		}
		seg.Result = result
		seg.Error = ""
	case StatusDenied:
		if len(result) == 0 {
			result = []ToolResultBlock{{Type: "text", Text: DeniedResultText}}
		}
		seg.Result = result
		seg.Error = ""
	case StatusError:
		if errText == "" {
			return fmt.Errorf("errored call %s requires an error", callID)
		}
		seg.Error = errText
		seg.Result = nil
	default:
		seg.Result = nil
		seg.Error = ""
	}

	seg.Status = status
	return nil
}

// FinalizeAssistantMessage attaches usage metrics to the most recent
// assistant message.
func (c *Conversation) FinalizeAssistantMessage(usage *TokenUsage) error {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Kind == MessageKindAssistant {
			c.Messages[i].TokenUsage = usage
			return nil
		}
	}
	return errors.New("no assistant message to finalize")
}

// PendingToolSegments returns the tool segments of the last assistant
// message still waiting to run or to be decided on. Used to rebuild run
// state on approval resume.
func (c *Conversation) PendingToolSegments() []Segment {
	if n := len(c.Messages); n == 0 || c.Messages[n-1].Kind != MessageKindAssistant {
		return nil
	}

	last := c.Messages[len(c.Messages)-1]
	var pending []Segment
	for _, seg := range last.Segments {
		if seg.Kind != SegmentKindTool {
			continue
		}
		if seg.Status == StatusPending || seg.Status == StatusAwaitingApproval {
			pending = append(pending, seg)
		}
	}
	return pending
}
