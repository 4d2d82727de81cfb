package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/metrics"
	"github.com/lvdashuaibi/farepass/internal/model"
	"github.com/lvdashuaibi/farepass/internal/repository"
)

const rollbackTimeout = 5 * time.Second

var (
	// ErrLedgerInconsistent 令牌已核验但账本写入失败. 核验进入待补写队列,
	// 同一核验员重试时返回OK
	ErrLedgerInconsistent = errors.New("ledger write failed after redemption")
	ErrAlreadyPaid        = errors.New("ticket already paid")
	ErrNotValidator       = errors.New("ticket was not validated by this validator")
	ErrInvalidRequest     = errors.New("invalid request")
	// ErrTicketClosed 票据已核验或已过期
	ErrTicketClosed = errors.New("ticket is no longer usable")
)

// IsRetryable 调用方是否应重试
func IsRetryable(err error) bool {
	return errors.Is(err, repository.ErrStoreUnavailable) || errors.Is(err, ErrLedgerInconsistent)
}

type Ledger interface {
	Create(ctx context.Context, holderID, tripID string, issuedAt time.Time, ttl time.Duration) (*model.Ticket, error)
	AttachCredential(ctx context.Context, ticketID int64, credential string) error
	MarkValidated(ctx context.Context, ticketID int64, validatorID string, at time.Time) (*model.Ticket, bool, error)
	MarkExpired(ctx context.Context, ticketID int64, at time.Time) (*model.Ticket, bool, error)
	MarkPaid(ctx context.Context, ticketID int64, at time.Time) (*model.Ticket, bool, error)
	Delete(ctx context.Context, ticketID int64) error
	Get(ctx context.Context, ticketID int64) (*model.Ticket, error)
	ListByHolder(ctx context.Context, holderID string) ([]*model.Ticket, error)
	ListValidatedBy(ctx context.Context, validatorID string) ([]*model.Ticket, error)
	FindExpirable(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}

type TokenStore interface {
	Put(ctx context.Context, m *model.TokenMetadata) error
	Delete(ctx context.Context, tokenID string) error
	Redeem(ctx context.Context, tokenID string, ticketID int64, validatorID string, now time.Time) (*model.Redemption, error)
	RedemptionInFlight(ctx context.Context, ticketID int64) (bool, error)
	SavePending(ctx context.Context, p model.PendingValidation) error
	ClaimPending(ctx context.Context, tokenID, validatorID string) (*model.PendingValidation, error)
	ListPending(ctx context.Context) ([]string, error)
	MarkReconciled(ctx context.Context, tokenID, validatorID string, until time.Time) error
	ReconciledBy(ctx context.Context, tokenID string) (string, error)
}

type Codec interface {
	Encode(p model.TokenPayload) (string, error)
	Decode(credential string) (*model.TokenPayload, error)
}

type Renderer interface {
	PNG(text string) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// TicketService 票据服务, 负责签发和核验
type TicketService struct {
	ledger   Ledger
	store    TokenStore
	codec    Codec
	renderer Renderer
	events   Publisher
	clock    clockwork.Clock
	logger   *zap.Logger
	ttl      time.Duration
	// 发布事件的超时, 0表示不限
	publishTimeout time.Duration
}

func NewTicketService(
	ledger Ledger,
	store TokenStore,
	codec Codec,
	renderer Renderer,
	events Publisher,
	cfg config.TicketConfig,
	clock clockwork.Clock,
	logger *zap.Logger,
) *TicketService {
	return &TicketService{
		ledger:   ledger,
		store:    store,
		codec:    codec,
		renderer: renderer,
		events:   events,
		clock:    clock,
		logger:   logger,
		ttl:      cfg.TTL,

		publishTimeout: cfg.PublishTimeout,
	}
}

// now 截断到毫秒, 与存储和账本的精度一致
func (s *TicketService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// Issue 签发票据和一次性凭证. 账本行写入之后的任何失败都会先删除该行
func (s *TicketService) Issue(ctx context.Context, holderID, tripID string) (*model.Issued, error) {
	if holderID == "" || tripID == "" {
		return nil, fmt.Errorf("%w: holder and trip are required", ErrInvalidRequest)
	}

	now := s.now()
	t, err := s.ledger.Create(ctx, holderID, tripID, now, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	tokenID := uuid.NewString()
	payload := model.TokenPayload{
		TokenID:   tokenID,
		TicketID:  t.ID,
		HolderID:  holderID,
		CreatedAt: now,
		ExpiresAt: t.ExpiresAt,
		Nonce:     uuid.NewString(),
	}

	credential, err := s.codec.Encode(payload)
	if err != nil {
		s.rollback(ctx, t.ID, "", err)
		return nil, fmt.Errorf("encode credential: %w", err)
	}

	meta := &model.TokenMetadata{
		TokenID:   tokenID,
		TicketID:  t.ID,
		HolderID:  holderID,
		CreatedAt: now,
		ExpiresAt: t.ExpiresAt,
	}
	if err := s.store.Put(ctx, meta); err != nil {
		s.rollback(ctx, t.ID, tokenID, err)
		return nil, fmt.Errorf("store token: %w", err)
	}

	if err := s.ledger.AttachCredential(ctx, t.ID, credential); err != nil {
		s.rollback(ctx, t.ID, tokenID, err)
		return nil, fmt.Errorf("attach credential: %w", err)
	}

	png, err := s.renderer.PNG(credential)
	if err != nil {
		s.rollback(ctx, t.ID, tokenID, err)
		return nil, fmt.Errorf("render qr: %w", err)
	}

	t.Credential = &credential
	metrics.TicketsIssued.Inc()
	s.publish(ctx, model.TicketIssued{
		TicketID:  t.ID,
		HolderID:  holderID,
		TripID:    tripID,
		Timestamp: now,
		ExpiresAt: t.ExpiresAt,
	})

	return &model.Issued{
		Ticket:     t,
		TokenID:    tokenID,
		Credential: credential,
		QRPNG:      png,
	}, nil
}

// rollback 脱离调用方的context执行, 请求取消时仍能删除半成品票据
func (s *TicketService) rollback(ctx context.Context, ticketID int64, tokenID string, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	metrics.IssueRollbacks.Inc()
	log := s.logger.With(zap.Int64("ticket_id", ticketID), zap.NamedError("cause", cause))

	if tokenID != "" {
		if err := s.store.Delete(rctx, tokenID); err != nil {
			log.Warn("rollback: delete token failed", zap.String("token_id", tokenID), zap.Error(err))
		}
	}
	if err := s.ledger.Delete(rctx, ticketID); err != nil {
		log.Error("rollback: delete ticket failed", zap.Error(err))
		return
	}
	log.Info("issuance rolled back")
}

// Redeem 核验扫描到的凭证. 核验结果以值返回, 只有基础设施故障返回错误
func (s *TicketService) Redeem(ctx context.Context, credential, validatorID string) (*model.RedeemResult, error) {
	if validatorID == "" {
		return nil, fmt.Errorf("%w: validator is required", ErrInvalidRequest)
	}

	res, err := s.redeem(ctx, credential, validatorID)
	switch {
	case errors.Is(err, repository.ErrStoreUnavailable):
		metrics.RedeemOutcomes.WithLabelValues(string(model.OutcomeStoreUnavailable)).Inc()
	case errors.Is(err, ErrLedgerInconsistent):
		metrics.RedeemOutcomes.WithLabelValues(string(model.OutcomeLedgerInconsistent)).Inc()
	case err == nil:
		metrics.RedeemOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (s *TicketService) redeem(ctx context.Context, credential, validatorID string) (*model.RedeemResult, error) {
	payload, err := s.codec.Decode(credential)
	if err != nil {
		return &model.RedeemResult{Outcome: model.OutcomeInvalidToken}, nil
	}

	red, err := s.store.Redeem(ctx, payload.TokenID, payload.TicketID, validatorID, s.now())
	if err != nil {
		return nil, fmt.Errorf("redeem token: %w", err)
	}

	switch red.Outcome {
	case model.OutcomeOK:
		return s.applyValidation(ctx, payload.TokenID, payload.TicketID, validatorID, *red.Record.UsedAt)

	case model.OutcomeAlreadyUsed, model.OutcomeNotFound:
		// 账本写入失败后的重试: 先认领自己的待补写记录
		p, err := s.store.ClaimPending(ctx, payload.TokenID, validatorID)
		if err != nil {
			return nil, fmt.Errorf("claim pending validation: %w", err)
		}
		if p != nil {
			return s.applyValidation(ctx, p.TokenID, p.TicketID, p.ValidatorID, p.UsedAt)
		}

		if red.Outcome == model.OutcomeAlreadyUsed {
			if red.Record.UsedBy == validatorID {
				res, err := s.recoverOwn(ctx, payload, red.Record)
				if res != nil || err != nil {
					return res, err
				}
			}
			return &model.RedeemResult{
				Outcome: model.OutcomeAlreadyUsed,
				UsedBy:  red.Record.UsedBy,
				UsedAt:  red.Record.UsedAt,
			}, nil
		}
		return s.notFound(ctx, payload.TicketID), nil

	case model.OutcomeExpired:
		return &model.RedeemResult{Outcome: model.OutcomeExpired}, nil

	case model.OutcomeInvalidToken:
		s.logger.Warn("credential does not match stored token",
			zap.String("token_id", payload.TokenID), zap.Int64("ticket_id", payload.TicketID))
		return &model.RedeemResult{Outcome: model.OutcomeInvalidToken}, nil
	}

	return nil, fmt.Errorf("unexpected store outcome %s", red.Outcome)
}

// recoverOwn 处理同一核验员对自己已占用令牌的重试. 清理任务已替它补写时
// 按标记报告 OK 且不重发事件; 待补写记录丢失而账本仍未核验时按令牌记录补写.
// 返回 nil 表示这是一次普通的重复扫码.
func (s *TicketService) recoverOwn(ctx context.Context, payload *model.TokenPayload, rec *model.TokenMetadata) (*model.RedeemResult, error) {
	validatorID := rec.UsedBy
	by, err := s.store.ReconciledBy(ctx, payload.TokenID)
	if err != nil {
		return nil, fmt.Errorf("read reconciled marker: %w", err)
	}

	t, err := s.ledger.Get(ctx, payload.TicketID)
	if errors.Is(err, repository.ErrTicketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ticket %d: %w", ErrLedgerInconsistent, payload.TicketID, err)
	}

	owned := t.IsValidated && t.ValidatedBy != nil && *t.ValidatedBy == validatorID
	switch {
	case owned && by == validatorID:
		return &model.RedeemResult{
			Outcome:         model.OutcomeOK,
			Ticket:          t,
			UsedBy:          validatorID,
			UsedAt:          t.ValidatedAt,
			PaymentRequired: !t.IsPaid,
		}, nil

	case !t.IsValidated && !t.IsExpired:
		s.logger.Warn("redemption missing from ledger and outbox, applying from token record",
			zap.String("token_id", payload.TokenID), zap.Int64("ticket_id", t.ID), zap.String("validator_id", validatorID))
		return s.applyValidation(ctx, payload.TokenID, t.ID, validatorID, *rec.UsedAt)
	}
	return nil, nil
}

// notFound 令牌已淘汰且票据已过期时返回 EXPIRED
func (s *TicketService) notFound(ctx context.Context, ticketID int64) *model.RedeemResult {
	t, err := s.ledger.Get(ctx, ticketID)
	if err != nil {
		if !errors.Is(err, repository.ErrTicketNotFound) {
			s.logger.Warn("ledger lookup for evicted token failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		}
		return &model.RedeemResult{Outcome: model.OutcomeNotFound}
	}
	if t.IsExpired {
		return &model.RedeemResult{Outcome: model.OutcomeExpired, Ticket: t}
	}
	return &model.RedeemResult{Outcome: model.OutcomeNotFound}
}

// applyValidation 写入调用方独占的核验, 来自刚通过的原子核验或认领到的待补写记录
func (s *TicketService) applyValidation(ctx context.Context, tokenID string, ticketID int64, validatorID string, usedAt time.Time) (*model.RedeemResult, error) {
	t, flipped, err := s.ledger.MarkValidated(ctx, ticketID, validatorID, usedAt)
	if errors.Is(err, repository.ErrTicketNotFound) {
		s.logger.Error("redeemed token has no ledger row",
			zap.String("token_id", tokenID), zap.Int64("ticket_id", ticketID))
		return &model.RedeemResult{Outcome: model.OutcomeNotFound}, nil
	}
	if err != nil {
		s.queuePending(ctx, model.PendingValidation{
			TokenID:     tokenID,
			TicketID:    ticketID,
			ValidatorID: validatorID,
			UsedAt:      usedAt,
		}, err)
		return nil, fmt.Errorf("%w: ticket %d: %w", ErrLedgerInconsistent, ticketID, err)
	}

	return s.validationResult(ctx, t, flipped, validatorID, usedAt), nil
}

// validationResult 根据 MarkValidated 之后的账本状态得出核验结果,
// 本次核验生效时发布 ticket_validated
func (s *TicketService) validationResult(ctx context.Context, t *model.Ticket, flipped bool, validatorID string, usedAt time.Time) *model.RedeemResult {
	ownedBy := t.IsValidated && t.ValidatedBy != nil && *t.ValidatedBy == validatorID
	switch {
	case flipped || ownedBy:
		// 未置位但属于自己: 之前的账本写入报错但实际已落账, 事件尚未发送
		s.publish(ctx, model.TicketValidated{
			TicketID:    t.ID,
			HolderID:    t.HolderID,
			TripID:      t.TripID,
			Timestamp:   usedAt,
			ValidatorID: validatorID,
			IsPaid:      t.IsPaid,
		})
		return &model.RedeemResult{
			Outcome:         model.OutcomeOK,
			Ticket:          t,
			UsedBy:          validatorID,
			UsedAt:          &usedAt,
			PaymentRequired: !t.IsPaid,
		}

	case t.IsValidated:
		res := &model.RedeemResult{Outcome: model.OutcomeAlreadyUsed, Ticket: t, UsedAt: t.ValidatedAt}
		if t.ValidatedBy != nil {
			res.UsedBy = *t.ValidatedBy
		}
		return res

	default:
		s.logger.Error("validation declined, ticket already expired in ledger",
			zap.Int64("ticket_id", t.ID), zap.String("validator_id", validatorID), zap.Time("used_at", usedAt))
		return &model.RedeemResult{Outcome: model.OutcomeExpired, Ticket: t}
	}
}

func (s *TicketService) queuePending(ctx context.Context, p model.PendingValidation, cause error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("token_id", p.TokenID),
		zap.Int64("ticket_id", p.TicketID),
		zap.String("validator_id", p.ValidatorID),
		zap.Time("used_at", p.UsedAt),
		zap.NamedError("cause", cause),
	}
	if err := s.store.SavePending(pctx, p); err != nil {
		s.logger.Error("redemption not recorded in ledger and could not be queued", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Error("redemption not recorded in ledger, queued for reconciliation", fields...)
}

// ConfirmCashPayment 核验员确认现金支付
func (s *TicketService) ConfirmCashPayment(ctx context.Context, ticketID int64, validatorID string) (*model.Ticket, error) {
	t, err := s.ledger.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !t.IsValidated || t.ValidatedBy == nil || *t.ValidatedBy != validatorID {
		return nil, ErrNotValidator
	}
	if t.IsPaid {
		return nil, ErrAlreadyPaid
	}

	t, flipped, err := s.ledger.MarkPaid(ctx, ticketID, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark ticket paid: %w", err)
	}
	if !flipped {
		return nil, ErrAlreadyPaid
	}
	s.logger.Info("cash payment confirmed", zap.Int64("ticket_id", ticketID), zap.String("validator_id", validatorID))
	return t, nil
}

// SettlePayment 处理 payment_settled 事件. 未知票据只记录日志, 消费者不重试
func (s *TicketService) SettlePayment(ctx context.Context, e model.PaymentSettled) error {
	at := e.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, flipped, err := s.ledger.MarkPaid(ctx, e.TicketID, at)
	if errors.Is(err, repository.ErrTicketNotFound) {
		s.logger.Warn("payment for unknown ticket", zap.Int64("ticket_id", e.TicketID), zap.String("payment_id", e.PaymentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark ticket %d paid: %w", e.TicketID, err)
	}
	if flipped {
		s.logger.Info("payment settled", zap.Int64("ticket_id", e.TicketID), zap.String("payment_id", e.PaymentID))
	}
	return nil
}

func (s *TicketService) Ticket(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	return s.ledger.Get(ctx, ticketID)
}

func (s *TicketService) HolderTickets(ctx context.Context, holderID string) ([]*model.Ticket, error) {
	return s.ledger.ListByHolder(ctx, holderID)
}

// ValidatorTickets 核验员核验过的票据及支付统计
func (s *TicketService) ValidatorTickets(ctx context.Context, validatorID string) ([]*model.Ticket, model.ValidatorStats, error) {
	tickets, err := s.ledger.ListValidatedBy(ctx, validatorID)
	if err != nil {
		return nil, model.ValidatorStats{}, err
	}

	stats := model.ValidatorStats{TotalValidated: len(tickets)}
	for _, t := range tickets {
		if t.IsPaid {
			stats.PaidElectronic++
		} else {
			stats.CashPending++
		}
	}
	return tickets, stats, nil
}

// TicketQR 票据可用时重新生成二维码. 其他持票人的票据返回 repository.ErrTicketNotFound
func (s *TicketService) TicketQR(ctx context.Context, ticketID int64, holderID string) ([]byte, error) {
	t, err := s.ledger.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.HolderID != holderID || t.Credential == nil {
		return nil, repository.ErrTicketNotFound
	}
	if t.IsValidated || t.IsExpired {
		return nil, ErrTicketClosed
	}
	return s.renderer.PNG(*t.Credential)
}

func (s *TicketService) publish(ctx context.Context, e model.Event) {
	publishEvent(ctx, s.events, s.publishTimeout, s.logger, e)
}

// publishEvent 脱离请求的取消并限时发布, 失败只记录日志. 事件发布不影响
// 已经落账的结果.
func publishEvent(ctx context.Context, events Publisher, timeout time.Duration, logger *zap.Logger, e model.Event) {
	if events == nil {
		return
	}
	pctx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(pctx, timeout)
		defer cancel()
	}
	if err := events.Publish(pctx, e); err != nil {
		logger.Warn("publish event failed", zap.String("kind", e.Kind()), zap.String("ticket_id", e.Key()), zap.Error(err))
	}
}
