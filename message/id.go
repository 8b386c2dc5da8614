package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is the correlation identifier embedded in a request and echoed in its
// response. It is either a number or an opaque string. The zero ID means
// "absent" and never matches an outstanding request.
type ID struct {
	num   uint64
	str   string
	isStr bool
	set   bool
}

// NumberID returns the numeric variant.
func NumberID(n uint64) ID {
	return ID{num: n, set: true}
}

// StringID returns the string variant.
func StringID(s string) ID {
	return ID{str: s, isStr: true, set: true}
}

func (id ID) IsZero() bool { return !id.set }

func (id ID) IsString() bool { return id.isStr }

// Number returns the numeric value and whether id is the numeric variant.
func (id ID) Number() (uint64, bool) {
	return id.num, id.set && !id.isStr
}

func (id ID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatUint(id.num, 10)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return strconv.AppendUint(nil, id.num, 10), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("message: invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("message: invalid numeric id %s: %w", data, err)
	}
	*id = NumberID(n)
	return nil
}
