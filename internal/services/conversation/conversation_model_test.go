package conversation

import (
	"testing"

	json "github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendTextSegmentMergesContiguousText(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("Say hi.", 1000)

	conv.AppendTextSegment("h", 1001)
	conv.AppendTextSegment("i", 1002)

	require.Len(t, conv.Messages, 2)
	assistant := conv.Messages[1]
	require.Equal(t, MessageKindAssistant, assistant.Kind)
	require.Len(t, assistant.Segments, 1)
	assert.Equal(t, "hi", assistant.Segments[0].Text)
}

func TestAppendTextSegmentDoesNotMergeAcrossToolSegment(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("List pods.", 1000)

	conv.AppendTextSegment("Checking.", 1001)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "get_pods", Timestamp: 1002})
	conv.AppendTextSegment("You have 2 pods.", 1003)

	assistant := conv.Messages[1]
	require.Len(t, assistant.Segments, 3)
	assert.Equal(t, SegmentKindText, assistant.Segments[0].Kind)
	assert.Equal(t, SegmentKindTool, assistant.Segments[1].Kind)
	assert.Equal(t, "You have 2 pods.", assistant.Segments[2].Text)
}

func TestAppendToolSegmentIdempotentOnCallID(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("Delete pod.", 1000)

	appended := conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", Timestamp: 1001})
	assert.True(t, appended)

	appended = conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", Timestamp: 1002})
	assert.False(t, appended)

	count := 0
	for _, msg := range conv.Messages {
		for _, seg := range msg.Segments {
			if seg.CallID == "C1" {
				count++
			}
		}
	}
	assert.Equal(t, 1, count)
}

func TestToolSegmentDefaultsToPending(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "get_pods", Timestamp: 2})

	seg := conv.FindToolSegment("C1")
	require.NotNil(t, seg)
	assert.Equal(t, StatusPending, seg.Status)
}

func TestLegalStatusTransitions(t *testing.T) {
	result := []ToolResultBlock{{Type: "text", Text: "ok"}}

	cases := []struct {
		name   string
		states []ToolStatus
	}{
		{"auto approved", []ToolStatus{StatusExecuting, StatusCompleted}},
		{"auto approved error", []ToolStatus{StatusExecuting, StatusError}},
		{"approval approved", []ToolStatus{StatusAwaitingApproval, StatusApproved, StatusExecuting, StatusCompleted}},
		{"approval direct execute", []ToolStatus{StatusAwaitingApproval, StatusExecuting, StatusCompleted}},
		{"approval denied", []ToolStatus{StatusAwaitingApproval, StatusDenied}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &Conversation{}
			conv.AppendUserMessage("go", 1)
			conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", Timestamp: 2})

			for _, status := range tc.states {
				errText := ""
				res := result
				if status == StatusError {
					errText = "boom"
					res = nil
				}
				require.NoError(t, conv.UpdateToolSegmentStatus("C1", status, res, errText))
			}
		})
	}
}

func TestIllegalStatusTransitionsRejected(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", Timestamp: 2})

	// pending -> completed skips executing
	err := conv.UpdateToolSegmentStatus("C1", StatusCompleted, []ToolResultBlock{{Type: "text", Text: "x"}}, "")
	require.Error(t, err)
	assert.Equal(t, StatusPending, conv.FindToolSegment("C1").Status)

	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusExecuting, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusCompleted, []ToolResultBlock{{Type: "text", Text: "x"}}, ""))

	// completed is terminal
	err = conv.UpdateToolSegmentStatus("C1", StatusExecuting, nil, "")
	require.Error(t, err)
	assert.Equal(t, StatusCompleted, conv.FindToolSegment("C1").Status)
}

func TestRepeatedStatusWriteIsNoOp(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", RequiresApproval: true, Timestamp: 2})

	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusAwaitingApproval, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusDenied, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusDenied, nil, ""))

	seg := conv.FindToolSegment("C1")
	assert.Equal(t, StatusDenied, seg.Status)
	require.Len(t, seg.Result, 1)
	assert.Equal(t, DeniedResultText, seg.Result[0].Text)
}

func TestResultPresenceInvariants(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", Timestamp: 2})
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusExecuting, nil, ""))

	// completed without a result is rejected
	require.Error(t, conv.UpdateToolSegmentStatus("C1", StatusCompleted, nil, ""))

	// error without an error string is rejected
	require.Error(t, conv.UpdateToolSegmentStatus("C1", StatusError, nil, ""))

	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusError, nil, "connection refused"))
	seg := conv.FindToolSegment("C1")
	assert.Empty(t, seg.Result)
	assert.Equal(t, "connection refused", seg.Error)
}

func TestDeniedGetsFixedResultText(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "delete_pod", RequiresApproval: true, Timestamp: 2})
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusAwaitingApproval, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusDenied, nil, ""))

	seg := conv.FindToolSegment("C1")
	require.Len(t, seg.Result, 1)
	assert.Equal(t, DeniedResultText, seg.Result[0].Text)
	assert.Empty(t, seg.Error)
}

func TestSegmentTimestampsMonotonic(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1000)
	conv.AppendTextSegment("a", 1001)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "get_pods", Timestamp: 1002})
	conv.AppendTextSegment("b", 1003)
	conv.AppendToolSegment(Segment{CallID: "C2", Tool: "get_pods", Timestamp: 1004})

	for _, msg := range conv.Messages {
		var prev int64
		for _, seg := range msg.Segments {
			require.GreaterOrEqual(t, seg.Timestamp, prev)
			prev = seg.Timestamp
		}
	}
}

func TestFinalizeAssistantMessagePlacement(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("one", 1000)
	conv.AppendTextSegment("first answer", 1001)
	conv.AppendUserMessage("two", 2000)
	conv.AppendTextSegment("second answer", 2001)

	usage := &TokenUsage{TotalTokens: 42, Source: "provider"}
	require.NoError(t, conv.FinalizeAssistantMessage(usage))

	require.Len(t, conv.Messages, 4)
	assert.Nil(t, conv.Messages[1].TokenUsage)
	require.NotNil(t, conv.Messages[3].TokenUsage)
	assert.Equal(t, 42, conv.Messages[3].TokenUsage.TotalTokens)
}

func TestFinalizeWithoutAssistantMessage(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("hello", 1000)

	assert.Error(t, conv.FinalizeAssistantMessage(&TokenUsage{}))
}

func TestPendingToolSegments(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("go", 1)
	conv.AppendToolSegment(Segment{CallID: "C1", Tool: "get_pods", Timestamp: 2})
	conv.AppendToolSegment(Segment{CallID: "C2", Tool: "delete_pod", RequiresApproval: true, Timestamp: 3})
	require.NoError(t, conv.UpdateToolSegmentStatus("C2", StatusAwaitingApproval, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusExecuting, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusCompleted, []ToolResultBlock{{Type: "text", Text: "ok"}}, ""))

	pending := conv.PendingToolSegments()
	require.Len(t, pending, 1)
	assert.Equal(t, "C2", pending[0].CallID)
	assert.Equal(t, StatusAwaitingApproval, pending[0].Status)
}

func TestTranscriptRoundTrip(t *testing.T) {
	conv := &Conversation{}
	conv.AppendUserMessage("List pods.", 1000)
	conv.AppendToolSegment(Segment{
		CallID:    "C1",
		Tool:      "get_pods",
		Title:     "Get Pods",
		Args:      map[string]any{"namespace": "default"},
		Timestamp: 1001,
	})
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusExecuting, nil, ""))
	require.NoError(t, conv.UpdateToolSegmentStatus("C1", StatusCompleted, []ToolResultBlock{{Type: "text", Text: "pod-a\npod-b"}}, ""))
	conv.AppendTextSegment("You have 2 pods.", 1002)
	require.NoError(t, conv.FinalizeAssistantMessage(&TokenUsage{TotalTokens: 7, Source: "provider"}))

	buf, err := conv.Messages.Value()
	require.NoError(t, err)

	var restored Messages
	require.NoError(t, restored.Scan(buf))

	original, err := json.Marshal(conv.Messages)
	require.NoError(t, err)
	reread, err := json.Marshal(restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(original), string(reread))

	restoredConv := &Conversation{Messages: restored}
	seg := restoredConv.FindToolSegment("C1")
	require.NotNil(t, seg)
	assert.Equal(t, StatusCompleted, seg.Status)
}
