package transport

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/courier/id"
)

// Codec serializes tasks for transports that cross process boundaries.
type Codec interface {
	Encode(t Task) ([]byte, error)
	Decode(data []byte) (Task, error)
	Name() string
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// ParseCodec returns the codec named name. The empty name selects JSON.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", CodecNameJSON:
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("courier/transport: unknown codec %q", name)
	}
}

// wireTask is the encoded form of Task.
type wireTask struct {
	JobID   string `json:"job_id" msgpack:"j"`
	FileID  int64  `json:"file_id" msgpack:"f"`
	Attempt int    `json:"attempt" msgpack:"a"`
}

func toWire(t Task) wireTask {
	return wireTask{JobID: t.JobID.String(), FileID: t.FileID, Attempt: t.Attempt}
}

func fromWire(w wireTask) (Task, error) {
	jobID, err := id.ParseJobID(w.JobID)
	if err != nil {
		return Task{}, fmt.Errorf("courier/transport: decode task: %w", err)
	}
	return Task{JobID: jobID, FileID: w.FileID, Attempt: w.Attempt}, nil
}

// JSONCodec encodes tasks as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(t Task) ([]byte, error) { return json.Marshal(toWire(t)) }

func (JSONCodec) Decode(data []byte) (Task, error) {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return Task{}, fmt.Errorf("courier/transport: decode task: %w", err)
	}
	return fromWire(w)
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes tasks as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(t Task) ([]byte, error) { return msgpack.Marshal(toWire(t)) }

func (MsgpackCodec) Decode(data []byte) (Task, error) {
	var w wireTask
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Task{}, fmt.Errorf("courier/transport: decode task: %w", err)
	}
	return fromWire(w)
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
