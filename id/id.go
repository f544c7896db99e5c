// Package id defines the TypeID identifiers of courier records: jobs,
// dead-letter entries, worker pools and stream subscriptions.
//
// An ID prints as "prefix_suffix", for example
// "job_01h455vb4pex5vsknk084sn02q". Suffixes are UUIDv7, so IDs of one
// kind sort by creation time.
package id

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the record kind.
type Prefix string

const (
	PrefixJob          Prefix = "job"
	PrefixDLQ          Prefix = "dlq"
	PrefixWorker       Prefix = "wkr"
	PrefixSubscription Prefix = "sub"
)

// ID is a prefixed TypeID. The zero value is Nil.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the unset ID. It encodes as "" and as SQL NULL.
var Nil ID

var errEmpty = errors.New("empty string")

type (
	JobID          = ID
	DLQID          = ID
	WorkerID       = ID
	SubscriptionID = ID
)

// New generates an ID. It panics on an invalid prefix, which is a
// programming error.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{tid: tid, set: true}
}

func NewJobID() ID          { return New(PrefixJob) }
func NewDLQID() ID          { return New(PrefixDLQ) }
func NewWorkerID() ID       { return New(PrefixWorker) }
func NewSubscriptionID() ID { return New(PrefixSubscription) }

// Parse accepts any prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: %w", errEmpty)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseJobID parses s and requires the "job" prefix.
func ParseJobID(s string) (ID, error) { return parseKind(s, PrefixJob) }

// ParseDLQID parses s and requires the "dlq" prefix.
func ParseDLQID(s string) (ID, error) { return parseKind(s, PrefixDLQ) }

func parseKind(s string, want Prefix) (ID, error) {
	i, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := i.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %q id, want %q", s, got, want)
	}
	return i, nil
}

func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

func (i ID) IsNil() bool { return !i.set }

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value stores Nil as NULL and anything else as its string form.
func (i ID) Value() (driver.Value, error) {
	if !i.set {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.String(), nil
}

func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	}
	return fmt.Errorf("id: cannot scan %T", src)
}
