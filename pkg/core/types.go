package core

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// UUID is a 128-bit identifier rendered in canonical lowercase form
type UUID string

// NewUUID returns a random (version 4) identifier
func NewUUID() UUID {
	return UUID(uuid.NewString())
}

// ParseUUID validates s and returns it in canonical form. Only the 36
// character hyphenated form is accepted.
func ParseUUID(s string) (UUID, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return UUID(id.String()), nil
}

// MustParseUUID is like ParseUUID but panics on malformed input
func MustParseUUID(s string) UUID {
	id, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identifier as a string
func (u UUID) String() string { return string(u) }

// IsZero reports whether the identifier is unset
func (u UUID) IsZero() bool { return u == "" }

// Validate checks that u is a canonical identifier
func (u UUID) Validate() error {
	if strings.ToLower(string(u)) != string(u) {
		return fmt.Errorf("%w: %q is not lowercase", ErrInvalidID, string(u))
	}
	_, err := ParseUUID(string(u))
	return err
}

// Value implements driver.Valuer
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner. NULL scans to the zero identifier.
func (u *UUID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", src)
	}
	return nil
}

// CheckIDs validates required identifiers for op. An empty identifier is
// reported as invalid input, a malformed one as a constraint violation.
func CheckIDs(op string, ids map[string]UUID) error {
	for name, id := range ids {
		if id.IsZero() {
			return InvalidInput(op, "%s is required", name)
		}
		if err := id.Validate(); err != nil {
			return &StoreError{Op: op, Err: fmt.Errorf("%s: %w", name, err)}
		}
	}
	return nil
}

// CheckOptionalID validates id only when it is set
func CheckOptionalID(op, name string, id UUID) error {
	if id.IsZero() {
		return nil
	}
	if err := id.Validate(); err != nil {
		return &StoreError{Op: op, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return nil
}

// Attachment is media or a document referenced by a message
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Content is the payload of a memory or knowledge item. Known fields are
// typed; any other key is preserved in Extra and written back unchanged.
type Content struct {
	Text        string       `json:"text"`
	Action      string       `json:"action,omitempty"`
	Source      string       `json:"source,omitempty"`
	URL         string       `json:"url,omitempty"`
	InReplyTo   UUID         `json:"inReplyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	Extra map[string]any `json:"-"`
}

var contentKeys = map[string]struct{}{
	"text": {}, "action": {}, "source": {}, "url": {}, "inReplyTo": {}, "attachments": {},
}

type contentFields Content

// MarshalJSON merges Extra into the object; typed fields win on conflict.
func (c Content) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(contentFields(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]any, len(c.Extra)+len(contentKeys))
	for k, v := range c.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the typed fields and keeps unknown keys in Extra.
func (c *Content) UnmarshalJSON(data []byte) error {
	var fields contentFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range contentKeys {
		delete(all, k)
	}

	*c = Content(fields)
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

// Millis converts t to Unix milliseconds, the stored timestamp format
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts stored Unix milliseconds to UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Now returns the current time truncated to the stored precision
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
