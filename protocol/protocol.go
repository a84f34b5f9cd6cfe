// Package protocol implements the call frames exchanged between client and server.
//
// Frames carry no length prefix: the body is a self-delimiting Writable, so the
// receiver must know the body type in advance (the server's request type, the
// client's response type) and decode it straight off the stream.
//
// Frame formats:
//
//	request:  ┌─────────┬──────────────────────┐
//	          │ callId  │ request body ...     │
//	          │ int32   │ Writable             │
//	          └─────────┴──────────────────────┘
//
//	reply:    ┌─────────┬─────────┬──────────────────────────────────┐
//	          │ callId  │ isError │ error text | response body ...   │
//	          │ int32   │ bool    │ uint16 len + modified UTF-8 | W  │
//	          └─────────┴─────────┴──────────────────────────────────┘
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"track-rpc/codec"
)

// Header is the fixed part of a frame. IsError is only meaningful on replies.
type Header struct {
	CallID  int32
	IsError bool
}

// Reply is a decoded reply frame. Exactly one of Body and Error is set.
type Reply struct {
	Header
	Error string
	Body  codec.Writable
}

// EncodeRequest writes a request frame. Frames from concurrent calls must
// never interleave on one stream, so writers either hold the connection's write
// lock or encode into a private buffer first.
func EncodeRequest(out *codec.DataOutput, callID int32, body codec.Writable) error {
	if err := out.WriteInt32(callID); err != nil {
		return err
	}
	return body.Write(out)
}

// DecodeRequestHeader reads the call id that starts a request frame. The body
// follows and is decoded by DecodeRequestBody.
func DecodeRequestHeader(in *codec.DataInput) (*Header, error) {
	id, err := in.ReadInt32()
	if err != nil {
		return nil, err
	}
	return &Header{CallID: id}, nil
}

// DecodeRequestBody decodes the body of a request frame into a fresh value
// of the given type.
func DecodeRequestBody(in *codec.DataInput, bodyType codec.Type) (codec.Writable, error) {
	body, err := in.Registry().NewInstance(bodyType)
	if err != nil {
		return nil, err
	}
	if err := body.ReadFields(in); err != nil {
		return nil, fmt.Errorf("protocol: decode %s request: %w", bodyType, err)
	}
	return body, nil
}

// EncodeReply writes a successful reply frame.
func EncodeReply(out *codec.DataOutput, callID int32, body codec.Writable) error {
	if err := out.WriteInt32(callID); err != nil {
		return err
	}
	if err := out.WriteBool(false); err != nil {
		return err
	}
	return body.Write(out)
}

// EncodeError writes a failed reply frame carrying msg.
func EncodeError(out *codec.DataOutput, callID int32, msg string) error {
	if err := out.WriteInt32(callID); err != nil {
		return err
	}
	if err := out.WriteBool(true); err != nil {
		return err
	}
	return out.WriteString(msg)
}

// DecodeReplyHeader reads the call id and the error flag of a reply frame.
func DecodeReplyHeader(in *codec.DataInput) (*Header, error) {
	id, err := in.ReadInt32()
	if err != nil {
		return nil, err
	}
	isErr, err := in.ReadBool()
	if err != nil {
		return nil, err
	}
	return &Header{CallID: id, IsError: isErr}, nil
}

// DecodeReplyBody finishes a reply frame whose header has been read: the error
// text for failed calls, otherwise a fresh value of bodyType.
func DecodeReplyBody(in *codec.DataInput, h *Header, bodyType codec.Type) (*Reply, error) {
	r := &Reply{Header: *h}
	if h.IsError {
		msg, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		r.Error = msg
		return r, nil
	}
	body, err := in.Registry().NewInstance(bodyType)
	if err != nil {
		return nil, err
	}
	if err := body.ReadFields(in); err != nil {
		return nil, fmt.Errorf("protocol: decode %s reply: %w", bodyType, err)
	}
	r.Body = body
	return r, nil
}

// AwaitFrame blocks until the next frame starts arriving on br or idle elapses.
// Bytes already received stay buffered in br, so a timeout never splits a
// frame. The read deadline is cleared before AwaitFrame returns, letting the
// frame itself be decoded without one. An idle of zero waits indefinitely.
func AwaitFrame(conn net.Conn, br *bufio.Reader, idle time.Duration) error {
	if br.Buffered() > 0 {
		return nil
	}
	if idle > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return err
		}
	}
	_, err := br.Peek(1)
	if idle > 0 {
		if derr := conn.SetReadDeadline(time.Time{}); err == nil {
			err = derr
		}
	}
	return err
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
