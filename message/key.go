package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// KeySize is the byte length of a subscription key.
const KeySize = 32

// SubscriptionKey identifies one push feed on a connection.
type SubscriptionKey [KeySize]byte

// ParseKey decodes a hex key of up to 64 digits, with or without a 0x
// prefix. Shorter keys are quantities with leading zeros stripped and are
// left-padded.
func ParseKey(s string) (SubscriptionKey, error) {
	var key SubscriptionKey
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 0 || len(s) > 2*KeySize {
		return key, fmt.Errorf("message: subscription key must be 1 to %d hex digits, got %d", 2*KeySize, len(s))
	}
	s = strings.Repeat("0", 2*KeySize-len(s)) + s
	if _, err := hex.Decode(key[:], []byte(s)); err != nil {
		return key, fmt.Errorf("message: invalid subscription key: %w", err)
	}
	return key, nil
}

func (k SubscriptionKey) String() string {
	return "0x" + hex.EncodeToString(k[:])
}

func (k SubscriptionKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *SubscriptionKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message: subscription key must be a string: %w", err)
	}
	parsed, err := ParseKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
