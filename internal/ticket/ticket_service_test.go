package ticket

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvdashuaibi/farepass/internal/codec"
	"github.com/lvdashuaibi/farepass/internal/model"
	"github.com/lvdashuaibi/farepass/internal/qr"
	"github.com/lvdashuaibi/farepass/internal/repository"
)

func TestIssue(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()

	is := h.issue(t)

	row := h.ledger.row(is.Ticket.ID)
	require.NotNil(t, row.Credential)
	assert.Equal(t, is.Credential, *row.Credential)
	assert.Equal(t, testNow.Add(900*time.Second), row.ExpiresAt)

	ttl, err := h.store.TTL(ctx, is.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, ttl)

	meta, err := h.store.Get(ctx, is.TokenID)
	require.NoError(t, err)
	assert.Equal(t, is.Ticket.ID, meta.TicketID)
	assert.Equal(t, row.ExpiresAt, meta.ExpiresAt)
	assert.False(t, meta.Used)

	img, err := png.Decode(bytes.NewReader(is.QRPNG))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds().Dx(), img.Bounds().Dy())

	issued := h.events.kinds(model.KindTicketIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, is.Ticket.ID, issued[0].(model.TicketIssued).TicketID)
}

func TestIssueRequiresHolderAndTrip(t *testing.T) {
	h := newHarness(t, testTicketConfig)

	_, err := h.svc.Issue(context.Background(), "", "trip-9")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, h.ledger.count())
}

func TestIssueTokenIDsAreNotLedgerIDs(t *testing.T) {
	h := newHarness(t, testTicketConfig)

	a, b := h.issue(t), h.issue(t)
	assert.NotEqual(t, a.TokenID, b.TokenID)
	assert.NotEqual(t, a.Credential, b.Credential)
	assert.NotEqual(t, "1", a.TokenID)
}

func TestRedeemOnce(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)

	h.advance(time.Minute)
	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.True(t, res.PaymentRequired)
	assert.Equal(t, "V1", res.UsedBy)
	require.NotNil(t, res.UsedAt)
	assert.Equal(t, testNow.Add(time.Minute), *res.UsedAt)

	row := h.ledger.row(is.Ticket.ID)
	assert.True(t, row.IsValidated)
	assert.Equal(t, "V1", *row.ValidatedBy)

	// the store keeps the original expiry after redemption
	ttl, err := h.store.TTL(ctx, is.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second-time.Minute, ttl)

	for _, v := range []string{"V2", "V1"} {
		res, err = h.svc.Redeem(ctx, is.Credential, v)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAlreadyUsed, res.Outcome)
		assert.Equal(t, "V1", res.UsedBy)
		assert.Equal(t, testNow.Add(time.Minute), *res.UsedAt)
	}

	validated := h.events.kinds(model.KindTicketValidated)
	require.Len(t, validated, 1)
	ev := validated[0].(model.TicketValidated)
	assert.Equal(t, "V1", ev.ValidatorID)
	assert.False(t, ev.IsPaid)
}

func TestRedeemConcurrentExactlyOneOK(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	is := h.issue(t)

	const n = 40
	var ok, used atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		validator := "V1"
		if i%2 == 1 {
			validator = "V2"
		}
		g.Go(func() error {
			res, err := h.svc.Redeem(context.Background(), is.Credential, validator)
			if err != nil {
				return err
			}
			switch res.Outcome {
			case model.OutcomeOK:
				ok.Add(1)
			case model.OutcomeAlreadyUsed:
				used.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, used.Load())
	assert.Len(t, h.events.kinds(model.KindTicketValidated), 1)
}

func TestRedeemInvalidCredential(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()

	res, err := h.svc.Redeem(ctx, "not-a-credential", "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInvalidToken, res.Outcome)

	other, err := codec.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	forged, err := other.Encode(model.TokenPayload{
		TokenID: "t", TicketID: 1, Nonce: "n", ExpiresAt: testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	res, err = h.svc.Redeem(ctx, forged, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInvalidToken, res.Outcome)
}

func TestRedeemRequiresValidator(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	is := h.issue(t)

	_, err := h.svc.Redeem(context.Background(), is.Credential, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRedeemAfterExpiry(t *testing.T) {
	h := newHarness(t, config5s())
	ctx := context.Background()
	is := h.issue(t)

	// past the logical expiry, before eviction
	h.clock.Advance(5*time.Second + time.Millisecond)
	h.mr.SetTime(h.clock.Now())
	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExpired, res.Outcome)
	assert.False(t, h.ledger.row(is.Ticket.ID).IsValidated)
}

func TestRedeemEvictedToken(t *testing.T) {
	h := newHarness(t, config5s())
	ctx := context.Background()
	is := h.issue(t)

	h.advance(6 * time.Second)
	require.False(t, h.mr.Exists("fp:token:"+is.TokenID))

	// evicted but not yet swept
	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNotFound, res.Outcome)

	h.advance(2 * time.Second)
	n, err := h.sweeper.Run(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExpired, res.Outcome)
}

func TestRedeemStoreUnavailable(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	is := h.issue(t)

	h.mr.SetError("ERR injected failure")
	res, err := h.svc.Redeem(context.Background(), is.Credential, "V1")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
	assert.True(t, IsRetryable(err))
	assert.False(t, h.ledger.row(is.Ticket.ID).IsValidated)
}

func TestRedeemLedgerFailureThenRetry(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)
	h.ledger.validateErrs = 1

	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrLedgerInconsistent)
	assert.True(t, IsRetryable(err))

	pending, err := h.store.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{is.TokenID}, pending)

	// another validator cannot take over the pending redemption
	res, err = h.svc.Redeem(ctx, is.Credential, "V2")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyUsed, res.Outcome)
	assert.Equal(t, "V1", res.UsedBy)

	res, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, "V1", *h.ledger.row(is.Ticket.ID).ValidatedBy)

	res, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyUsed, res.Outcome)

	pending, err = h.store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, h.events.kinds(model.KindTicketValidated), 1)
}

func TestRedeemRetryAfterLandedWrite(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)
	h.ledger.validateErrs = 1
	h.ledger.landed = true

	_, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.ErrorIs(t, err, ErrLedgerInconsistent)
	assert.True(t, h.ledger.row(is.Ticket.ID).IsValidated)
	assert.Empty(t, h.events.kinds(model.KindTicketValidated))

	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Len(t, h.events.kinds(model.KindTicketValidated), 1)
}

func TestRedeemRetryAfterSweepReconciled(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)
	h.ledger.validateErrs = 1

	_, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.ErrorIs(t, err, ErrLedgerInconsistent)

	n, err := h.sweeper.Run(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.True(t, h.ledger.row(is.Ticket.ID).IsValidated)

	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, "V1", res.UsedBy)
	assert.Equal(t, testNow, *res.UsedAt)
	assert.True(t, res.PaymentRequired)

	res, err = h.svc.Redeem(ctx, is.Credential, "V2")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyUsed, res.Outcome)
	assert.Equal(t, "V1", res.UsedBy)

	assert.Len(t, h.events.kinds(model.KindTicketValidated), 1, "the sweep already announced it")
}

func TestRedeemRetryWithLostPendingEntry(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)
	h.ledger.validateErrs = 1

	_, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.ErrorIs(t, err, ErrLedgerInconsistent)

	// the outbox write failed too
	p, err := h.store.ClaimPending(ctx, is.TokenID, "")
	require.NoError(t, err)
	require.NotNil(t, p)

	res, err := h.svc.Redeem(ctx, is.Credential, "V2")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyUsed, res.Outcome)

	res, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)

	row := h.ledger.row(is.Ticket.ID)
	assert.True(t, row.IsValidated)
	assert.Equal(t, "V1", *row.ValidatedBy)
	assert.Equal(t, testNow, *row.ValidatedAt)

	res, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAlreadyUsed, res.Outcome)
	assert.Len(t, h.events.kinds(model.KindTicketValidated), 1)
}

func TestRedeemTicketMismatch(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)
	other := h.issue(t)

	c, err := codec.New(testKey)
	require.NoError(t, err)
	// a signed credential pairing this token with another ticket
	forged, err := c.Encode(model.TokenPayload{
		TokenID: is.TokenID, TicketID: other.Ticket.ID, Nonce: "n", ExpiresAt: is.Ticket.ExpiresAt,
	})
	require.NoError(t, err)

	res, err := h.svc.Redeem(ctx, forged, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInvalidToken, res.Outcome)
	assert.False(t, h.ledger.row(other.Ticket.ID).IsValidated)

	res, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
}

type stallingPublisher struct {
	deadline atomic.Bool
}

func (p *stallingPublisher) Publish(ctx context.Context, _ model.Event) error {
	if _, ok := ctx.Deadline(); ok {
		p.deadline.Store(true)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRedeemPublishTimeout(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	cfg := testTicketConfig
	cfg.PublishTimeout = 20 * time.Millisecond

	c, err := codec.New(testKey)
	require.NoError(t, err)
	pub := &stallingPublisher{}
	svc := NewTicketService(h.ledger, h.store, c, qr.NewRenderer(), pub, cfg, h.clock, zap.NewNop())

	is, err := svc.Issue(context.Background(), "holder-1", "trip-9")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.True(t, pub.deadline.Load())
	assert.NoError(t, ctx.Err(), "a stalled broker does not hold the request")
}

func TestRedeemDeclinedByExpiredLedger(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)

	_, flipped, err := h.ledger.MarkExpired(ctx, is.Ticket.ID, testNow)
	require.NoError(t, err)
	require.True(t, flipped)

	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExpired, res.Outcome)

	row := h.ledger.row(is.Ticket.ID)
	assert.True(t, row.IsExpired)
	assert.False(t, row.IsValidated)
	assert.Empty(t, h.events.kinds(model.KindTicketValidated))
}

func TestIssueRollbackOnAttachFailure(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	h.ledger.attachErr = errors.New("mysql: deadlock")

	_, err := h.svc.Issue(context.Background(), "holder-1", "trip-9")
	require.ErrorContains(t, err, "deadlock")

	assert.Zero(t, h.ledger.count())
	assert.Empty(t, h.mr.Keys())
	assert.Empty(t, h.events.kinds(model.KindTicketIssued))
}

type cancellingRenderer struct {
	cancel context.CancelFunc
}

func (r cancellingRenderer) PNG(string) ([]byte, error) {
	r.cancel()
	return nil, context.Canceled
}

func TestIssueRollbackSurvivesCancellation(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := codec.New(testKey)
	require.NoError(t, err)
	svc := NewTicketService(h.ledger, h.store, c, cancellingRenderer{cancel: cancel}, h.events, testTicketConfig, h.clock, zap.NewNop())

	_, err = svc.Issue(ctx, "holder-1", "trip-9")
	require.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, h.ledger.count())
	assert.Empty(t, h.mr.Keys())
}

func TestConfirmCashPayment(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)

	_, err := h.svc.ConfirmCashPayment(ctx, is.Ticket.ID, "V1")
	assert.ErrorIs(t, err, ErrNotValidator)

	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeOK, res.Outcome)

	_, err = h.svc.ConfirmCashPayment(ctx, is.Ticket.ID, "V2")
	assert.ErrorIs(t, err, ErrNotValidator)

	tk, err := h.svc.ConfirmCashPayment(ctx, is.Ticket.ID, "V1")
	require.NoError(t, err)
	assert.True(t, tk.IsPaid)

	_, err = h.svc.ConfirmCashPayment(ctx, is.Ticket.ID, "V1")
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	_, err = h.svc.ConfirmCashPayment(ctx, 404, "V1")
	assert.ErrorIs(t, err, repository.ErrTicketNotFound)
}

func TestSettlePayment(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)

	paidAt := testNow.Add(30 * time.Second)
	require.NoError(t, h.svc.SettlePayment(ctx, model.PaymentSettled{TicketID: is.Ticket.ID, PaymentID: "p1", Timestamp: paidAt}))
	row := h.ledger.row(is.Ticket.ID)
	assert.True(t, row.IsPaid)
	assert.Equal(t, paidAt, *row.PaidAt)

	// redelivery is a no-op
	require.NoError(t, h.svc.SettlePayment(ctx, model.PaymentSettled{TicketID: is.Ticket.ID, PaymentID: "p1"}))
	assert.Equal(t, paidAt, *h.ledger.row(is.Ticket.ID).PaidAt)

	assert.NoError(t, h.svc.SettlePayment(ctx, model.PaymentSettled{TicketID: 404}))

	res, err := h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.False(t, res.PaymentRequired)
	assert.True(t, h.events.kinds(model.KindTicketValidated)[0].(model.TicketValidated).IsPaid)
}

func TestValidatorTickets(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		is := h.issue(t)
		ids = append(ids, is.Ticket.ID)
		res, err := h.svc.Redeem(ctx, is.Credential, "V1")
		require.NoError(t, err)
		require.Equal(t, model.OutcomeOK, res.Outcome)
	}
	other := h.issue(t)
	_, err := h.svc.Redeem(ctx, other.Credential, "V2")
	require.NoError(t, err)

	require.NoError(t, h.svc.SettlePayment(ctx, model.PaymentSettled{TicketID: ids[0]}))

	tickets, stats, err := h.svc.ValidatorTickets(ctx, "V1")
	require.NoError(t, err)
	assert.Len(t, tickets, 3)
	assert.Equal(t, model.ValidatorStats{TotalValidated: 3, PaidElectronic: 1, CashPending: 2}, stats)

	held, err := h.svc.HolderTickets(ctx, "holder-1")
	require.NoError(t, err)
	assert.Len(t, held, 4)
}

func TestTicketQR(t *testing.T) {
	h := newHarness(t, testTicketConfig)
	ctx := context.Background()
	is := h.issue(t)

	img, err := h.svc.TicketQR(ctx, is.Ticket.ID, "holder-1")
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(img))
	assert.NoError(t, err)

	_, err = h.svc.TicketQR(ctx, is.Ticket.ID, "holder-2")
	assert.ErrorIs(t, err, repository.ErrTicketNotFound)

	_, err = h.svc.Redeem(ctx, is.Credential, "V1")
	require.NoError(t, err)
	_, err = h.svc.TicketQR(ctx, is.Ticket.ID, "holder-1")
	assert.ErrorIs(t, err, ErrTicketClosed)
}
