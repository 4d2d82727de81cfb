package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/internal/model"
	"github.com/lvdashuaibi/farepass/internal/qr"
	"github.com/lvdashuaibi/farepass/internal/repository"
	"github.com/lvdashuaibi/farepass/internal/ticket"
)

// Resolver Query和Mutation的根解析器
type Resolver struct {
	tickets Tickets
	logger  *zap.Logger
}

func NewResolver(tickets Tickets, logger *zap.Logger) *Resolver {
	return &Resolver{tickets: tickets, logger: logger}
}

func parseID(id graphql.ID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ticket id %q", id)
	}
	return n, nil
}

func (r *Resolver) Ticket(ctx context.Context, args struct{ ID graphql.ID }) (*TicketResolver, error) {
	id, err := parseID(args.ID)
	if err != nil {
		return nil, err
	}
	t, err := r.tickets.Ticket(ctx, id)
	if errors.Is(err, repository.ErrTicketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &TicketResolver{t: t}, nil
}

func (r *Resolver) HolderTickets(ctx context.Context, args struct{ HolderID string }) ([]*TicketResolver, error) {
	tickets, err := r.tickets.HolderTickets(ctx, args.HolderID)
	if err != nil {
		return nil, err
	}
	return ticketResolvers(tickets), nil
}

func (r *Resolver) ValidatorTickets(ctx context.Context, args struct{ ValidatorID string }) (*ValidatorTicketsResolver, error) {
	tickets, stats, err := r.tickets.ValidatorTickets(ctx, args.ValidatorID)
	if err != nil {
		return nil, err
	}
	return &ValidatorTicketsResolver{tickets: tickets, stats: stats}, nil
}

func (r *Resolver) IssueTicket(ctx context.Context, args struct {
	HolderID string
	TripID   string
}) (*IssuedResolver, error) {
	is, err := r.tickets.Issue(ctx, args.HolderID, args.TripID)
	if err != nil {
		r.logger.Error("issue ticket", zap.String("holder_id", args.HolderID), zap.Error(err))
		return nil, err
	}
	return &IssuedResolver{is: is}, nil
}

// RedeemTicket 可重试的失败以结果返回, 核验设备据此提示重新扫码
func (r *Resolver) RedeemTicket(ctx context.Context, args struct {
	Credential  string
	ValidatorID string
}) (*RedeemResultResolver, error) {
	res, err := r.tickets.Redeem(ctx, args.Credential, args.ValidatorID)
	switch {
	case errors.Is(err, repository.ErrStoreUnavailable):
		r.logger.Warn("redeem: token store unavailable", zap.String("validator_id", args.ValidatorID), zap.Error(err))
		return &RedeemResultResolver{res: &model.RedeemResult{Outcome: model.OutcomeStoreUnavailable}, retryable: true}, nil
	case errors.Is(err, ticket.ErrLedgerInconsistent):
		return &RedeemResultResolver{res: &model.RedeemResult{Outcome: model.OutcomeLedgerInconsistent}, retryable: true}, nil
	case err != nil:
		return nil, err
	}
	return &RedeemResultResolver{res: res}, nil
}

func (r *Resolver) ConfirmCashPayment(ctx context.Context, args struct {
	TicketID    graphql.ID
	ValidatorID string
}) (*TicketResolver, error) {
	id, err := parseID(args.TicketID)
	if err != nil {
		return nil, err
	}
	t, err := r.tickets.ConfirmCashPayment(ctx, id, args.ValidatorID)
	if err != nil {
		return nil, err
	}
	return &TicketResolver{t: t}, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func ticketResolvers(tickets []*model.Ticket) []*TicketResolver {
	out := make([]*TicketResolver, len(tickets))
	for i, t := range tickets {
		out[i] = &TicketResolver{t: t}
	}
	return out
}

type TicketResolver struct {
	t *model.Ticket
}

func (r *TicketResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.t.ID, 10))
}

func (r *TicketResolver) HolderID() string     { return r.t.HolderID }
func (r *TicketResolver) TripID() string       { return r.t.TripID }
func (r *TicketResolver) IssuedAt() string     { return *formatTime(&r.t.IssuedAt) }
func (r *TicketResolver) ExpiresAt() string    { return *formatTime(&r.t.ExpiresAt) }
func (r *TicketResolver) IsValidated() bool    { return r.t.IsValidated }
func (r *TicketResolver) ValidatedBy() *string { return r.t.ValidatedBy }
func (r *TicketResolver) ValidatedAt() *string { return formatTime(r.t.ValidatedAt) }
func (r *TicketResolver) IsExpired() bool      { return r.t.IsExpired }
func (r *TicketResolver) ExpiredAt() *string   { return formatTime(r.t.ExpiredAt) }
func (r *TicketResolver) IsPaid() bool         { return r.t.IsPaid }
func (r *TicketResolver) PaidAt() *string      { return formatTime(r.t.PaidAt) }

type IssuedResolver struct {
	is *model.Issued
}

func (r *IssuedResolver) Ticket() *TicketResolver { return &TicketResolver{t: r.is.Ticket} }
func (r *IssuedResolver) Credential() string      { return r.is.Credential }
func (r *IssuedResolver) QrCode() string          { return qr.DataURL(r.is.QRPNG) }

type RedeemResultResolver struct {
	res       *model.RedeemResult
	retryable bool
}

func (r *RedeemResultResolver) Outcome() string { return string(r.res.Outcome) }
func (r *RedeemResultResolver) Message() string { return r.res.Outcome.Message() }
func (r *RedeemResultResolver) Retryable() bool { return r.retryable }

func (r *RedeemResultResolver) Ticket() *TicketResolver {
	if r.res.Ticket == nil {
		return nil
	}
	return &TicketResolver{t: r.res.Ticket}
}

func (r *RedeemResultResolver) UsedBy() *string {
	if r.res.UsedBy == "" {
		return nil
	}
	return &r.res.UsedBy
}

func (r *RedeemResultResolver) UsedAt() *string        { return formatTime(r.res.UsedAt) }
func (r *RedeemResultResolver) PaymentRequired() bool { return r.res.PaymentRequired }

type ValidatorTicketsResolver struct {
	tickets []*model.Ticket
	stats   model.ValidatorStats
}

func (r *ValidatorTicketsResolver) Tickets() []*TicketResolver { return ticketResolvers(r.tickets) }

func (r *ValidatorTicketsResolver) Stats() *ValidatorStatsResolver {
	return &ValidatorStatsResolver{s: r.stats}
}

type ValidatorStatsResolver struct {
	s model.ValidatorStats
}

func (r *ValidatorStatsResolver) TotalValidated() int32 { return int32(r.s.TotalValidated) }
func (r *ValidatorStatsResolver) PaidElectronic() int32 { return int32(r.s.PaidElectronic) }
func (r *ValidatorStatsResolver) CashPending() int32    { return int32(r.s.CashPending) }
