package ticket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/codec"
	"github.com/lvdashuaibi/farepass/internal/lock"
	"github.com/lvdashuaibi/farepass/internal/model"
	"github.com/lvdashuaibi/farepass/internal/qr"
	"github.com/lvdashuaibi/farepass/internal/repository"
)

var testNow = time.UnixMilli(1760000000000).UTC()

var testKey = []byte("0123456789abcdef0123456789abcdef")

// memLedger mirrors the conditional UPDATEs of the MySQL ledger.
type memLedger struct {
	mu   sync.Mutex
	next int64
	rows map[int64]*model.Ticket

	attachErr error
	// validateErrs fail the next MarkValidated calls; landed applies the
	// write before failing.
	validateErrs int
	landed       bool
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[int64]*model.Ticket)}
}

func (l *memLedger) snapshot(t *model.Ticket) *model.Ticket {
	c := *t
	return &c
}

func (l *memLedger) Create(ctx context.Context, holderID, tripID string, issuedAt time.Time, ttl time.Duration) (*model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	t := &model.Ticket{ID: l.next, HolderID: holderID, TripID: tripID, IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(ttl)}
	l.rows[t.ID] = t
	return l.snapshot(t), nil
}

func (l *memLedger) AttachCredential(ctx context.Context, ticketID int64, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attachErr != nil {
		return l.attachErr
	}
	t, ok := l.rows[ticketID]
	if !ok {
		return repository.ErrTicketNotFound
	}
	t.Credential = &credential
	return nil
}

func (l *memLedger) MarkValidated(ctx context.Context, ticketID int64, validatorID string, at time.Time) (*model.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.rows[ticketID]
	if !ok {
		return nil, false, repository.ErrTicketNotFound
	}
	fail := l.validateErrs > 0
	if fail {
		l.validateErrs--
		if !l.landed {
			return nil, false, errors.New("mysql: connection reset")
		}
	}
	flipped := !t.IsValidated && !t.IsExpired
	if flipped {
		t.IsValidated = true
		t.ValidatedBy = &validatorID
		t.ValidatedAt = &at
	}
	if fail {
		return nil, false, errors.New("mysql: connection reset after commit")
	}
	return l.snapshot(t), flipped, nil
}

func (l *memLedger) MarkExpired(ctx context.Context, ticketID int64, at time.Time) (*model.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.rows[ticketID]
	if !ok {
		return nil, false, repository.ErrTicketNotFound
	}
	flipped := !t.IsValidated && !t.IsExpired
	if flipped {
		t.IsExpired = true
		t.ExpiredAt = &at
	}
	return l.snapshot(t), flipped, nil
}

func (l *memLedger) MarkPaid(ctx context.Context, ticketID int64, at time.Time) (*model.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.rows[ticketID]
	if !ok {
		return nil, false, repository.ErrTicketNotFound
	}
	flipped := !t.IsPaid
	if flipped {
		t.IsPaid = true
		t.PaidAt = &at
	}
	return l.snapshot(t), flipped, nil
}

func (l *memLedger) Delete(ctx context.Context, ticketID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, ticketID)
	return nil
}

func (l *memLedger) Get(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.rows[ticketID]
	if !ok {
		return nil, repository.ErrTicketNotFound
	}
	return l.snapshot(t), nil
}

func (l *memLedger) filter(keep func(*model.Ticket) bool) []*model.Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Ticket
	for _, t := range l.rows {
		if keep(t) {
			out = append(out, l.snapshot(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *memLedger) ListByHolder(_ context.Context, holderID string) ([]*model.Ticket, error) {
	return l.filter(func(t *model.Ticket) bool { return t.HolderID == holderID }), nil
}

func (l *memLedger) ListValidatedBy(_ context.Context, validatorID string) ([]*model.Ticket, error) {
	return l.filter(func(t *model.Ticket) bool {
		return t.IsValidated && t.ValidatedBy != nil && *t.ValidatedBy == validatorID
	}), nil
}

func (l *memLedger) FindExpirable(_ context.Context, cutoff time.Time, limit int) ([]int64, error) {
	rows := l.filter(func(t *model.Ticket) bool {
		return !t.IsValidated && !t.IsExpired && t.ExpiresAt.Before(cutoff)
	})
	var ids []int64
	for _, t := range rows {
		if len(ids) == limit {
			break
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (l *memLedger) row(id int64) model.Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.rows[id]
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds(kind string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc     *TicketService
	sweeper *Sweeper
	ledger  *memLedger
	store   *repository.TokenStore
	events  *recorder
	clock   *clockwork.FakeClock
	mr      *miniredis.Miniredis
}

var testTicketConfig = config.TicketConfig{
	TTL:        900 * time.Second,
	SweepBatch: 2,
}

func config5s() config.TicketConfig {
	cfg := testTicketConfig
	cfg.TTL = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg config.TicketConfig) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	mr.SetTime(testNow)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	store, err := repository.NewTokenStore(context.Background(), client, "fp:", time.Second)
	require.NoError(t, err)

	c, err := codec.New(testKey)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(testNow)
	ledger := newMemLedger()
	events := &recorder{}
	logger := zap.NewNop()

	redlock := lock.NewRedLockWithClients([]*redis.Client{client}, []string{mr.Addr()}, 1, 10*time.Millisecond, logger)

	return &harness{
		svc:     NewTicketService(ledger, store, c, qr.NewRenderer(), events, cfg, clock, logger),
		sweeper: NewSweeper(ledger, store, events, redlock, cfg, 30*time.Second, clock, logger),
		ledger:  ledger,
		store:   store,
		events:  events,
		clock:   clock,
		mr:      mr,
	}
}

// advance moves the service clock and the store clock together.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.mr.FastForward(d)
	h.mr.SetTime(h.clock.Now())
}

func (h *harness) issue(t *testing.T) *model.Issued {
	t.Helper()
	is, err := h.svc.Issue(context.Background(), "holder-1", "trip-9")
	require.NoError(t, err)
	return is
}
