package secrets

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// SealedSecret is an encrypted value. It can only be produced by a Cipher
// (or scanned back from storage), and it refuses to render its contents
// through String or JSON so token material cannot leak into logs or API
// responses.
type SealedSecret struct {
	ciphertext string
}

// IsZero reports whether the secret holds no ciphertext.
func (s SealedSecret) IsZero() bool {
	return s.ciphertext == ""
}

func (s SealedSecret) String() string {
	return "[sealed]"
}

func (s SealedSecret) GoString() string {
	return "[sealed]"
}

// MarshalJSON always renders a redacted placeholder.
func (s SealedSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal("[sealed]")
}

// UnmarshalJSON rejects inbound JSON. Secrets enter the system as plaintext
// request fields and are sealed by the cipher, never deserialized directly.
func (s *SealedSecret) UnmarshalJSON([]byte) error {
	return fmt.Errorf("sealed secrets cannot be unmarshaled from JSON")
}

// Value stores the ciphertext as text.
func (s SealedSecret) Value() (driver.Value, error) {
	if s.ciphertext == "" {
		return nil, nil
	}
	return s.ciphertext, nil
}

// Scan restores the ciphertext from a text column.
func (s *SealedSecret) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.ciphertext = ""
	case string:
		s.ciphertext = v
	case []byte:
		s.ciphertext = string(v)
	default:
		return fmt.Errorf("cannot scan %T into SealedSecret", src)
	}
	return nil
}
