package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/mozilla-conduit/git-hg-sync/internal/events"
)

// decode implements the Event Dispatcher decode pipeline (spec §4.1): a
// JSON-string body is parsed into an object, `payload` is extracted and
// dispatched by its `type` field. Any failure along this pipeline is
// reported as an error, which the caller treats as a reject (drop).
func decode(body []byte) (events.Push, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return events.Push{}, fmt.Errorf("parsing message body as JSON: %w", err)
	}

	// A body that decodes to a JSON string is itself JSON-encoded one more
	// level deep; unwrap it before requiring an object.
	if s, ok := raw.(string); ok {
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return events.Push{}, fmt.Errorf("parsing string message body as JSON: %w", err)
		}
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return events.Push{}, fmt.Errorf("message body is not a JSON object")
	}

	payloadRaw, ok := obj["payload"]
	if !ok {
		return events.Push{}, fmt.Errorf("message missing payload field")
	}
	payload, ok := payloadRaw.(map[string]any)
	if !ok || len(payload) == 0 {
		return events.Push{}, fmt.Errorf("payload is missing or not an object")
	}

	typ, _ := payload["type"].(string)
	switch typ {
	case "push":
		return decodePush(payload)
	default:
		return events.Push{}, fmt.Errorf("unsupported payload type %q", typ)
	}
}

func decodePush(payload map[string]any) (events.Push, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return events.Push{}, fmt.Errorf("re-encoding push payload: %w", err)
	}

	var push events.Push
	if err := json.Unmarshal(data, &push); err != nil {
		return events.Push{}, fmt.Errorf("decoding push payload: %w", err)
	}
	if err := push.Validate(); err != nil {
		return events.Push{}, fmt.Errorf("invalid push payload: %w", err)
	}
	return push, nil
}
