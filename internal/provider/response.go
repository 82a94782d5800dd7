package provider

import (
	"encoding/json"

	"github.com/jkaninda/sanduku/internal/tools"
)

// RawResult is a provider's wire-level result before normalization.
// Content is either a plain string or an arbitrary JSON-decoded value.
type RawResult struct {
	IsError bool `json:"isError,omitempty"`
	Content any  `json:"content,omitempty"`
}

// Fragment is one element of a streamed provider response. A fragment
// carries a result, an intermediate chunk, or an arbitrary progress event;
// only the last fragment of a stream is authoritative.
type Fragment struct {
	Result *RawResult      `json:"result,omitempty"`
	Chunk  *RawResult      `json:"chunk,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
}

// Response is the tagged variant of the two answer shapes a provider may
// produce. Exactly one of Single or Streamed implements it; there is no
// runtime shape-sniffing anywhere downstream.
type Response interface {
	isResponse()
}

// Single wraps a provider answer that arrived as one complete result.
type Single struct {
	Result RawResult
}

func (Single) isResponse() {}

// Streamed wraps a provider answer that arrives as a fragment sequence.
// The channel is closed by the provider when the stream ends, including on
// error and context cancellation.
type Streamed struct {
	Fragments <-chan Fragment
}

func (Streamed) isResponse() {}

// Normalize collapses either response shape into the uniform tool result.
//
// For a stream, every fragment is accumulated in arrival order and only the
// last one is used — earlier fragments are progress noise by provider
// convention. An empty stream is an error result.
func Normalize(resp Response) *tools.Result {
	switch r := resp.(type) {
	case Single:
		return fromRaw(r.Result)
	case Streamed:
		var last *Fragment
		for frag := range r.Fragments {
			f := frag
			last = &f
		}
		if last == nil {
			return tools.Errorf("No results received from stream")
		}
		return fromFragment(*last)
	default:
		return tools.Errorf("unknown provider response shape %T", resp)
	}
}

// fromFragment extracts the effective result from the last stream fragment.
func fromFragment(f Fragment) *tools.Result {
	switch {
	case f.Result != nil:
		return fromRaw(*f.Result)
	case f.Chunk != nil:
		return fromRaw(*f.Chunk)
	default:
		return fromRaw(RawResult{Content: json.RawMessage(f.Event)})
	}
}

// fromRaw converts a wire result into a tool result. String content is
// wrapped as text; anything else is serialized to a JSON string and wrapped
// as text, preserving the provider's error flag either way.
func fromRaw(raw RawResult) *tools.Result {
	status := tools.StatusSuccess
	if raw.IsError {
		status = tools.StatusError
	}

	var text string
	switch c := raw.Content.(type) {
	case string:
		text = c
	case nil:
		text = ""
	case json.RawMessage:
		text = string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return tools.Errorf("encoding provider content: %v", err)
		}
		text = string(data)
	}

	return &tools.Result{Status: status, Content: []tools.Content{{Text: text}}}
}
