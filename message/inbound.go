package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound is one classified frame received from the remote side. Exactly one
// of Responses and Notification is set. Dropped lists batch items that could
// not be correlated with a request, such as error replies with a null id.
type Inbound struct {
	Responses    []*Response
	Notification *Notification
	Dropped      []error
}

// probe is wide enough to hold any frame this package knows how to route.
type probe struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorObject    `json:"error"`
}

// Parse classifies one raw frame. Arrays are response batches; objects are
// either a single response (they carry an ID) or a notification (they carry a
// method and no ID). Requests from the remote side are rejected.
func Parse(raw []byte) (*Inbound, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("message: empty frame")
	}
	if raw[0] == '[' {
		var items []probe
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("message: decode batch frame: %w", err)
		}
		in := &Inbound{Responses: make([]*Response, 0, len(items))}
		for i := range items {
			resp, err := items[i].response()
			if err != nil {
				in.Dropped = append(in.Dropped, fmt.Errorf("message: batch item %d: %w", i, err))
				continue
			}
			in.Responses = append(in.Responses, resp)
		}
		return in, nil
	}

	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("message: decode frame: %w", err)
	}
	if p.ID.IsZero() && p.Method != "" {
		var params NotificationParams
		if err := json.Unmarshal(p.Params, &params); err != nil {
			return nil, fmt.Errorf("message: decode notification params: %w", err)
		}
		return &Inbound{Notification: &Notification{JSONRPC: Version, Method: p.Method, Params: params}}, nil
	}
	resp, err := p.response()
	if err != nil {
		return nil, err
	}
	return &Inbound{Responses: []*Response{resp}}, nil
}

func (p *probe) response() (*Response, error) {
	if p.ID.IsZero() {
		return nil, errors.New("response without id")
	}
	if p.Method != "" {
		return nil, fmt.Errorf("unexpected request %q from remote", p.Method)
	}
	if p.Error == nil && p.Result == nil {
		return nil, fmt.Errorf("response %s has neither result nor error", p.ID)
	}
	return &Response{JSONRPC: Version, ID: p.ID, Result: p.Result, Error: p.Error}, nil
}
