// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// Status is the lifecycle state of an outbound envelope.
// Values are ordered: an envelope only ever moves to a higher value.
type Status int

const (
	NotSent Status = iota
	SentAwaitingReply
	SentNoReplyNeeded
	RepliedOnTime
	RepliedAfterTimeout
	Failed
)

func (s Status) String() string {
	switch s {
	case NotSent:
		return "not_sent"
	case SentAwaitingReply:
		return "sent_awaiting_reply"
	case SentNoReplyNeeded:
		return "sent_no_reply_needed"
	case RepliedOnTime:
		return "replied_on_time"
	case RepliedAfterTimeout:
		return "replied_after_timeout"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case SentNoReplyNeeded, RepliedOnTime, RepliedAfterTimeout, Failed:
		return true
	default:
		return false
	}
}
