package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	KindTicketIssued    = "ticket_issued"
	KindTicketValidated = "ticket_validated"
	KindTicketExpired   = "ticket_expired"
	KindPaymentSettled  = "payment_settled"
)

// Event 票据生命周期事件
type Event interface {
	Kind() string
	// Key 同一票据的事件路由到同一分区
	Key() string
}

type TicketIssued struct {
	TicketID  int64     `json:"ticket_id"`
	HolderID  string    `json:"holder_id"`
	TripID    string    `json:"trip_id"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (TicketIssued) Kind() string  { return KindTicketIssued }
func (e TicketIssued) Key() string { return strconv.FormatInt(e.TicketID, 10) }

type TicketValidated struct {
	TicketID    int64     `json:"ticket_id"`
	HolderID    string    `json:"holder_id"`
	TripID      string    `json:"trip_id"`
	Timestamp   time.Time `json:"timestamp"`
	ValidatorID string    `json:"validator_id"`
	IsPaid      bool      `json:"is_paid"`
}

func (TicketValidated) Kind() string  { return KindTicketValidated }
func (e TicketValidated) Key() string { return strconv.FormatInt(e.TicketID, 10) }

type TicketExpired struct {
	TicketID  int64     `json:"ticket_id"`
	HolderID  string    `json:"holder_id"`
	TripID    string    `json:"trip_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (TicketExpired) Kind() string  { return KindTicketExpired }
func (e TicketExpired) Key() string { return strconv.FormatInt(e.TicketID, 10) }

// PaymentSettled 支付层发来的支付完成事件
type PaymentSettled struct {
	TicketID  int64     `json:"ticket_id"`
	PaymentID string    `json:"payment_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (PaymentSettled) Kind() string  { return KindPaymentSettled }
func (e PaymentSettled) Key() string { return strconv.FormatInt(e.TicketID, 10) }

// Envelope Kafka事件的传输格式
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent 序列化事件
func MarshalEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: e.Kind(), Data: data})
}

// UnmarshalEvent 按类型反序列化事件
func UnmarshalEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Kind {
	case KindTicketIssued:
		var v TicketIssued
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindTicketValidated:
		var v TicketValidated
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindTicketExpired:
		var v TicketExpired
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindPaymentSettled:
		var v PaymentSettled
		err = json.Unmarshal(env.Data, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return e, nil
}
