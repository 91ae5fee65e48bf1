package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	json "github.com/bytedance/sonic"
	"github.com/helmsman-ops/helmsman/internal/utils"
)

// Frame is a single server-sent event: `event: <type>\ndata: <json>\n\n`.
type Frame struct {
	Event string
	Data  []byte
}

// WireForm renders the frame in SSE wire form.
func (f Frame) WireForm() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "event: %s\n", f.Event)
	fmt.Fprintf(&b, "data: %s\n\n", f.Data)
	return b.Bytes()
}

// ParseFrame parses the SSE wire form back into a Frame.
func ParseFrame(raw []byte) (Frame, error) {
	var frame Frame

	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.Data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}

	if frame.Event == "" {
		return frame, fmt.Errorf("malformed frame: %q", raw)
	}
	return frame, nil
}

// Subscription delivers frames for one channel until Close is called.
type Subscription struct {
	C     <-chan Frame
	close func()
}

func (s *Subscription) Close() {
	s.close()
}

// Bus fans out run events to any number of subscribers. Delivery is
// at-most-once: frames published with no subscriber attached are dropped,
// and a publisher is never blocked by a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, channel, event string, payload map[string]any) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
}

// encodeFrame stamps a timestamp, strips integration metadata and renders
// the payload as a frame. metaKeys lists extra key names to strip besides
// the underscore-prefixed ones.
func encodeFrame(event string, payload map[string]any, metaKeys []string) (Frame, error) {
	sanitized := redactPayload(payload, metaKeys)
	if _, ok := sanitized["timestamp"]; !ok {
		sanitized["timestamp"] = utils.NowMS()
	}

	data, err := json.Marshal(sanitized)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Event: event, Data: data}, nil
}

// redactPayload returns a deep copy of payload with every key that starts
// with "_" or appears in metaKeys removed, at any nesting depth.
func redactPayload(payload map[string]any, metaKeys []string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if strings.HasPrefix(k, "_") || slices.Contains(metaKeys, k) {
			continue
		}
		out[k] = redactValue(v, metaKeys)
	}
	return out
}

func redactValue(v any, metaKeys []string) any {
	switch val := v.(type) {
	case map[string]any:
		return redactPayload(val, metaKeys)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, metaKeys)
		}
		return out
	default:
		return v
	}
}
