package bus

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is one entry read from a Redis stream topic.
type Message struct {
	Topic  string
	ID     string
	Fields map[string]any
}

// String returns the named field as a string. Redis returns every stream
// value as a string, so missing fields read as "".
func (m *Message) String(key string) string {
	v, ok := m.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// Has reports whether the message carries the named field.
func (m *Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

// Bool interprets the named field as a boolean. Absent fields return def.
func (m *Message) Bool(key string, def bool) bool {
	if !m.Has(key) {
		return def
	}
	b, err := strconv.ParseBool(m.String(key))
	if err != nil {
		return def
	}
	return b
}

// Timestamp returns the time Redis assigned to the entry, decoded from the
// millisecond part of the stream id. Returns the zero time for malformed ids.
func (m *Message) Timestamp() time.Time {
	ms, _, ok := strings.Cut(m.ID, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// Status is the JSON record stored per interface or router in the status hash.
type Status struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	ConnectionString string `json:"connection_string,omitempty"`
	Clients          int    `json:"clients"`
	TxQueueSize      int    `json:"txsize"`
	RxQueueSize      int    `json:"rxsize"`
	BytesWritten     int64  `json:"txbytes"`
	BytesRead        int64  `json:"rxbytes"`
	WriteCount       int64  `json:"txcnt"`
	ReadCount        int64  `json:"rxcnt"`
	CmdCount         int64  `json:"cmdcnt"`
	TlmCount         int64  `json:"tlmcnt"`
	UpdatedAt        int64  `json:"updated_at"`
}
