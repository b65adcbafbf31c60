package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// IdentityKey is the stable identity of a transaction across report pulls
// (the PayU transaction id for the order report).
type IdentityKey string

// FieldKind describes how a report column is typed and normalized.
type FieldKind int

const (
	KindString FieldKind = iota
	KindDecimal
	KindTimestamp
	KindInteger
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindDecimal:
		return "decimal"
	case KindTimestamp:
		return "timestamp"
	case KindInteger:
		return "integer"
	default:
		return "unknown"
	}
}

// Value is one typed field value of a TransactionRecord.
// An invalid Value represents SQL NULL (an empty optional column).
type Value struct {
	Kind    FieldKind
	Valid   bool
	Text    string
	Decimal decimal.Decimal
	Time    time.Time
	Int     int64
}

// StringValue returns a valid string Value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Valid: true, Text: s}
}

// DecimalValue returns a valid decimal Value.
func DecimalValue(d decimal.Decimal) Value {
	return Value{Kind: KindDecimal, Valid: true, Decimal: d}
}

// TimeValue returns a valid timestamp Value normalized to UTC.
func TimeValue(t time.Time) Value {
	return Value{Kind: KindTimestamp, Valid: true, Time: t.UTC()}
}

// IntValue returns a valid integer Value.
func IntValue(i int64) Value {
	return Value{Kind: KindInteger, Valid: true, Int: i}
}

// NullValue returns a NULL of the given kind.
func NullValue(kind FieldKind) Value {
	return Value{Kind: kind}
}

// Canonical returns the normalized textual form used for checksums and for
// comparing against stored values. Equal meaning yields equal output: decimals
// drop trailing zeros, timestamps are RFC 3339 in UTC.
func (v Value) Canonical() string {
	if !v.Valid {
		return ""
	}
	switch v.Kind {
	case KindDecimal:
		return v.Decimal.String()
	case KindTimestamp:
		return v.Time.UTC().Format(time.RFC3339)
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	default:
		return v.Text
	}
}

// DBValue returns the value bound as a SQL argument.
func (v Value) DBValue() any {
	if !v.Valid {
		return nil
	}
	switch v.Kind {
	case KindDecimal:
		return v.Decimal.String()
	case KindTimestamp:
		return v.Time.UTC()
	case KindInteger:
		return v.Int
	default:
		return v.Text
	}
}

// TransactionRecord is one parsed report row.
type TransactionRecord struct {
	Key      IdentityKey
	Row      int // 1-based artifact row, diagnostics only
	Fields   map[string]Value
	Checksum string
}

// PersistedRow is the stored counterpart of a TransactionRecord.
// Fields hold the stored column values as text, for audit output only.
type PersistedRow struct {
	Key           IdentityKey
	Fields        map[string]string
	Checksum      string
	LastUpdatedAt time.Time
}

// Update pairs the stored row with the incoming record replacing it.
type Update struct {
	Old PersistedRow
	New TransactionRecord
}

// ChangedColumns lists the columns whose stored text differs from the
// incoming canonical value. Used for logging update diffs.
func (u Update) ChangedColumns() []string {
	var cols []string
	for name, v := range u.New.Fields {
		old, ok := u.Old.Fields[name]
		if !ok || canonicalStored(v.Kind, old) != v.Canonical() {
			cols = append(cols, name)
		}
	}
	return cols
}

// storedTimeLayouts are the text forms drivers return for timestamp columns.
// Parsing accepts fractional seconds even when a layout omits them.
var storedTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// canonicalStored brings a stored column text into the form Canonical
// produces for the same kind. Text that does not parse is compared as is.
func canonicalStored(kind FieldKind, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	switch kind {
	case KindDecimal:
		if d, err := decimal.NewFromString(text); err == nil {
			return d.String()
		}
	case KindTimestamp:
		for _, layout := range storedTimeLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
		}
	case KindInteger:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
	}
	return text
}

// ChangeSet is the result of reconciling a batch against a snapshot.
// The three partitions are disjoint and together cover the batch.
type ChangeSet struct {
	ToInsert  []TransactionRecord
	ToUpdate  []Update
	Unchanged []IdentityKey
}

// Total returns the number of classified records.
func (c *ChangeSet) Total() int {
	return len(c.ToInsert) + len(c.ToUpdate) + len(c.Unchanged)
}

// IsEmpty reports whether applying the set would write nothing.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.ToInsert) == 0 && len(c.ToUpdate) == 0
}

// ApplyResult counts the rows written by one ChangeSet application.
type ApplyResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}
