// Package pingproto implements the UDP echo protocol used for round-trip
// latency measurement, and the pacer that drives one ping attempt per
// interval. Each request carries an opaque session token issued by the
// control plane; the server acknowledges with a success or an
// invalidate-session reply matched by sequence number.
package pingproto

import (
	"encoding/binary"
	"fmt"
)

// Wire tags. A request is RP01‖seq(u32 BE)‖token; replies are exactly
// tag‖seq with no payload.
const (
	tagRequest      = "RP01"
	tagReplyOK      = "RR01"
	tagReplyInvalid = "RE01"

	tagLen   = 4
	replyLen = tagLen + 4
)

// ReplyKind classifies a decoded reply frame.
type ReplyKind int

const (
	// ReplyOK acknowledges the ping; the session remains valid.
	ReplyOK ReplyKind = iota
	// ReplyInvalidSession tells the client to discard the session and
	// request a new one before the next attempt.
	ReplyInvalidSession
)

// EncodeRequest builds a ping request frame for the given sequence number
// and Base64 session token.
func EncodeRequest(seq uint32, token []byte) []byte {
	buf := make([]byte, replyLen+len(token))
	copy(buf, tagRequest)
	binary.BigEndian.PutUint32(buf[tagLen:], seq)
	copy(buf[replyLen:], token)
	return buf
}

// DecodeReply parses a reply frame, returning its sequence number and kind.
func DecodeReply(buf []byte) (uint32, ReplyKind, error) {
	if len(buf) < replyLen {
		return 0, 0, fmt.Errorf("reply too short: %d bytes", len(buf))
	}
	seq := binary.BigEndian.Uint32(buf[tagLen:replyLen])
	switch string(buf[:tagLen]) {
	case tagReplyOK:
		return seq, ReplyOK, nil
	case tagReplyInvalid:
		return seq, ReplyInvalidSession, nil
	default:
		return 0, 0, fmt.Errorf("unknown reply tag %q", buf[:tagLen])
	}
}
