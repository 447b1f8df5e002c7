// Package events defines the state-change notifications emitted by the core
// and the append-only log they are recorded in.
//
// The log is the only channel through which off-ledger agents observe the
// registry, accounts and payment requests. It supports polling by cursor
// (Since) and push delivery (Subscribe).
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"xdao.co/agentpay/identity"
)

// Kind names an event type. Kinds are stable wire identifiers.
type Kind string

const (
	KindIdentityRegistered   Kind = "IdentityRegistered"
	KindIdentityUpdated      Kind = "IdentityUpdated"
	KindIdentityDeactivated  Kind = "IdentityDeactivated"
	KindAccountDeployed      Kind = "AccountDeployed"
	KindOwnershipTransferred Kind = "OwnershipTransferred"
	KindSent                 Kind = "Sent"
	KindReceived             Kind = "Received"
	KindPaymentRequested     Kind = "PaymentRequested"
	KindPaymentCompleted     Kind = "PaymentCompleted"
	KindPaymentRejected      Kind = "PaymentRejected"
	KindPaymentCancelled     Kind = "PaymentCancelled"
	KindTransfer             Kind = "Transfer"
	KindApproval             Kind = "Approval"
)

// Payload is the kind-specific body of an event.
type Payload interface {
	Kind() Kind
	// Parties lists every identity or account address the event concerns.
	Parties() []identity.Address
}

// Event is one entry of the log.
//
// Seq is the 1-based position in the log, assigned on append. TxSeq is the
// sequence number of the submission that produced the event.
type Event struct {
	Seq     uint64
	TxSeq   uint64
	Time    time.Time
	Payload Payload
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Involves reports whether addr is one of the event's parties.
func (e Event) Involves(addr identity.Address) bool {
	if e.Payload == nil {
		return false
	}
	for _, p := range e.Payload.Parties() {
		if p == addr {
			return true
		}
	}
	return false
}

type wireEvent struct {
	Seq   uint64          `json:"seq"`
	TxSeq uint64          `json:"txSeq"`
	Kind  Kind            `json:"kind"`
	Time  time.Time       `json:"time"`
	Data  json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("events: event %d has no payload", e.Seq)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Seq: e.Seq, TxSeq: e.TxSeq, Kind: e.Payload.Kind(), Time: e.Time, Data: data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	newPayload, ok := payloadTypes[w.Kind]
	if !ok {
		return fmt.Errorf("events: unknown kind %q", w.Kind)
	}
	p := newPayload()
	if err := json.Unmarshal(w.Data, p); err != nil {
		return fmt.Errorf("events: decode %s: %w", w.Kind, err)
	}
	*e = Event{Seq: w.Seq, TxSeq: w.TxSeq, Time: w.Time, Payload: deref(p)}
	return nil
}

var payloadTypes = map[Kind]func() Payload{
	KindIdentityRegistered:   func() Payload { return &IdentityRegistered{} },
	KindIdentityUpdated:      func() Payload { return &IdentityUpdated{} },
	KindIdentityDeactivated:  func() Payload { return &IdentityDeactivated{} },
	KindAccountDeployed:      func() Payload { return &AccountDeployed{} },
	KindOwnershipTransferred: func() Payload { return &OwnershipTransferred{} },
	KindSent:                 func() Payload { return &Sent{} },
	KindReceived:             func() Payload { return &Received{} },
	KindPaymentRequested:     func() Payload { return &PaymentRequested{} },
	KindPaymentCompleted:     func() Payload { return &PaymentCompleted{} },
	KindPaymentRejected:      func() Payload { return &PaymentRejected{} },
	KindPaymentCancelled:     func() Payload { return &PaymentCancelled{} },
	KindTransfer:             func() Payload { return &Transfer{} },
	KindApproval:             func() Payload { return &Approval{} },
}

// Emitted payloads are values; decoding goes through pointers.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *IdentityRegistered:
		return *v
	case *IdentityUpdated:
		return *v
	case *IdentityDeactivated:
		return *v
	case *AccountDeployed:
		return *v
	case *OwnershipTransferred:
		return *v
	case *Sent:
		return *v
	case *Received:
		return *v
	case *PaymentRequested:
		return *v
	case *PaymentCompleted:
		return *v
	case *PaymentRejected:
		return *v
	case *PaymentCancelled:
		return *v
	case *Transfer:
		return *v
	case *Approval:
		return *v
	default:
		return p
	}
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{
		KindIdentityRegistered, KindIdentityUpdated, KindIdentityDeactivated,
		KindAccountDeployed, KindOwnershipTransferred, KindSent, KindReceived,
		KindPaymentRequested, KindPaymentCompleted, KindPaymentRejected, KindPaymentCancelled,
		KindTransfer, KindApproval,
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := payloadTypes[k]; !ok {
		return "", fmt.Errorf("events: unknown kind %q", s)
	}
	return k, nil
}
