package ably

import (
	"sort"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
)

// SendCallback is invoked once per message with nil on acknowledgement or
// the reason the message was rejected.
type SendCallback func(err *proto.ErrorInfo)

type pendingMessage struct {
	msg *proto.ProtocolMessage
	cb  SendCallback
}

func (p *pendingMessage) complete(err *proto.ErrorInfo) {
	if p.cb != nil {
		p.cb(err)
	}
}

// pendingQueue is the ledger of sent messages awaiting ACK or NACK, ordered
// by msgSerial.
type pendingQueue struct {
	items []*pendingMessage
}

// Push appends msg. Serials must be pushed in ascending order.
func (q *pendingQueue) Push(msg *proto.ProtocolMessage, cb SendCallback) {
	q.items = append(q.items, &pendingMessage{msg: msg, cb: cb})
}

func (q *pendingQueue) Len() int {
	return len(q.items)
}

// Messages returns the pending messages in serial order.
func (q *pendingQueue) Messages() []*proto.ProtocolMessage {
	msgs := make([]*proto.ProtocolMessage, len(q.items))
	for i, p := range q.items {
		msgs[i] = p.msg
	}
	return msgs
}

// CompleteRange resolves every entry with serial in [serial, serial+count),
// in ascending order, and returns how many were found.
func (q *pendingQueue) CompleteRange(serial int64, count int, err *proto.ErrorInfo) int {
	if count <= 0 || len(q.items) == 0 {
		return 0
	}
	end := serial + int64(count)
	lo := sort.Search(len(q.items), func(i int) bool { return q.items[i].msg.MsgSerial >= serial })
	hi := sort.Search(len(q.items), func(i int) bool { return q.items[i].msg.MsgSerial >= end })
	if lo == hi {
		return 0
	}

	done := make([]*pendingMessage, hi-lo)
	copy(done, q.items[lo:hi])
	q.items = append(q.items[:lo], q.items[hi:]...)

	for _, p := range done {
		p.complete(err)
	}
	return len(done)
}

// CompleteAll resolves every entry with err and empties the ledger.
func (q *pendingQueue) CompleteAll(err *proto.ErrorInfo) int {
	done := q.items
	q.items = nil
	for _, p := range done {
		p.complete(err)
	}
	return len(done)
}

// Renumber reassigns serials from first upwards, keeping the order, and
// returns the next free serial.
func (q *pendingQueue) Renumber(first int64) int64 {
	next := first
	for _, p := range q.items {
		p.msg = p.msg.WithMsgSerial(next)
		next++
	}
	return next
}
