package client

import (
	"encoding/json"
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Envelope locates the payload and the error list inside a backend
// response with JSONPath selectors.
type Envelope struct {
	data   jp.Expr
	errors jp.Expr
}

// NewEnvelope parses the two selectors. An empty data selector means the
// whole body is the payload; an empty error selector disables error
// extraction.
func NewEnvelope(dataSelector, errorSelector string) (*Envelope, error) {
	e := &Envelope{}
	if dataSelector != "" {
		x, err := jp.ParseString(dataSelector)
		if err != nil {
			return nil, fmt.Errorf("invalid jsonpath '%s': %w", dataSelector, err)
		}
		e.data = x
	}
	if errorSelector != "" {
		x, err := jp.ParseString(errorSelector)
		if err != nil {
			return nil, fmt.Errorf("invalid jsonpath '%s': %w", errorSelector, err)
		}
		e.errors = x
	}
	return e, nil
}

// Data returns the raw JSON of the payload. Plain child paths are walked
// over the raw bytes so object key order is kept; other expressions are
// evaluated by ojg and re-encoded. A missing payload yields nil, nil.
func (e *Envelope) Data(body []byte) (json.RawMessage, error) {
	if len(e.data) == 0 {
		return body, nil
	}
	if keys, ok := childPath(e.data); ok {
		return walkRaw(body, keys)
	}

	doc, err := oj.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	results := e.data.Get(doc)
	if len(results) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(results[0])
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// Errors returns the server messages found under the error selector.
// Strings are kept as is, anything else is rendered as JSON.
func (e *Envelope) Errors(body []byte) []string {
	if len(e.errors) == 0 {
		return nil
	}
	doc, err := oj.Parse(body)
	if err != nil {
		return nil
	}

	var msgs []string
	for _, r := range e.errors.Get(doc) {
		msgs = appendMessages(msgs, r)
	}
	return msgs
}

func appendMessages(msgs []string, v any) []string {
	switch t := v.(type) {
	case nil:
	case string:
		msgs = append(msgs, t)
	case []any:
		for _, item := range t {
			msgs = appendMessages(msgs, item)
		}
	case map[string]any:
		// the backend sends {"field": "message"} pairs for validation errors
		for k, item := range t {
			if s, ok := item.(string); ok {
				msgs = append(msgs, k+": "+s)
			} else {
				msgs = append(msgs, k+": "+oj.JSON(item))
			}
		}
	default:
		msgs = append(msgs, oj.JSON(t))
	}
	return msgs
}

// childPath reports the key sequence of a $.a.b style expression.
func childPath(x jp.Expr) ([]string, bool) {
	keys := make([]string, 0, len(x))
	for _, frag := range x {
		switch f := frag.(type) {
		case jp.Root:
		case jp.Child:
			keys = append(keys, string(f))
		default:
			return nil, false
		}
	}
	return keys, true
}

func walkRaw(body []byte, keys []string) (json.RawMessage, error) {
	cur := json.RawMessage(body)
	for i, key := range keys {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			if i == 0 {
				return nil, fmt.Errorf("parse response: %w", err)
			}
			return nil, nil
		}
		next, ok := obj[key]
		if !ok {
			return nil, nil
		}
		cur = next
	}
	if string(cur) == "null" {
		return nil, nil
	}
	return cur, nil
}
