// Package ulid wraps github.com/oklog/ulid/v2 with prefixed, time-ordered
// identifiers for queued actions, sync log entries and settings.
//
// ULIDs sort lexicographically by creation time and the shared monotonic
// entropy source guarantees that two IDs minted in the same millisecond
// still sort in mint order. The action queue relies on this to break
// created_at ties without a separate sequence column.
package ulid

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// PrefixAction marks queued action IDs
	PrefixAction = "act"

	// PrefixSyncLog marks accounting log entries written after a replay
	PrefixSyncLog = "log"

	// PrefixSetting marks persistent settings
	PrefixSetting = "set"

	// PrefixRequest marks request IDs attached to log lines
	PrefixRequest = "req"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
	// Nil represents the zero value of ULID, useful for nil checks
	Nil = ULID{ulid.ULID{}, ""}
)

// ULID wraps ulid.ULID with an optional human readable prefix.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
func GenerateWithPrefix(prefix string) ULID {
	return NewWithTimeAndPrefix(time.Now(), prefix)
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// NewWithTimeAndPrefix creates a new ULID with a specific timestamp and prefix.
func NewWithTimeAndPrefix(t time.Time, prefix string) ULID {
	id := NewWithTime(t)
	id.prefix = prefix
	return id
}

// Parse parses a plain or prefixed ULID ("act-01AN4Z07BY79KA1307SR9X4MV3").
func Parse(id string) (ULID, error) {
	prefix, rawID := splitPrefix(id)

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// MustParse is like Parse but panics if the string cannot be parsed.
func MustParse(s string) ULID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate reports whether id is a valid plain or prefixed ULID.
func Validate(id string) bool {
	_, err := Parse(id)
	return err == nil
}

func splitPrefix(id string) (string, string) {
	if i := strings.LastIndex(id, PrefixSeparator); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// Compare compares two ULIDs lexicographically, ignoring prefixes.
// Returns -1 if u < other, 1 if u > other, and 0 if they're equal.
func (u ULID) Compare(other ULID) int {
	return u.ULID.Compare(other.ULID)
}

// IsZero returns true if the ULID is the zero value.
func (u ULID) IsZero() bool {
	return u.ULID.Compare(ulid.ULID{}) == 0
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns "prefix-ulid", or the bare ULID when there is no prefix.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// MarshalJSON implements the json.Marshaler interface.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements the driver.Valuer interface. ULIDs are stored as strings.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements the sql.Scanner interface.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// ActionID generates a queued action ID stamped with t.
func ActionID(t time.Time) string {
	return NewWithTimeAndPrefix(t, PrefixAction).String()
}

// SyncLogID generates a new accounting log entry ID
func SyncLogID() string {
	return GenerateWithPrefix(PrefixSyncLog).String()
}

// SettingID generates a new setting ID
func SettingID() string {
	return GenerateWithPrefix(PrefixSetting).String()
}

// RequestID generates a new request ID
func RequestID() string {
	return GenerateWithPrefix(PrefixRequest).String()
}
