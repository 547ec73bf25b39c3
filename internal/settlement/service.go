package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/skinsettle/internal/chain"
	"github.com/mbd888/skinsettle/internal/identity"
	"github.com/mbd888/skinsettle/internal/logging"
	"github.com/mbd888/skinsettle/internal/oracle"
	"github.com/mbd888/skinsettle/internal/pagination"
	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/steam"
	"github.com/mbd888/skinsettle/internal/syncutil"
	"github.com/mbd888/skinsettle/internal/traces"
	"github.com/mbd888/skinsettle/internal/validation"
)

var (
	errAssetAbsent    = errors.New("asset not in seller inventory")
	errNotTradable    = errors.New("asset is not tradable")
	errStaleInventory = errors.New("seller inventory snapshot too old")
)

// Config bounds settlement timing.
type Config struct {
	DefaultDeadline       time.Duration
	MinDeadline           time.Duration
	MaxDeadline           time.Duration
	OwnershipMaxStaleness time.Duration // oldest cached seller snapshot accepted as proof
	ConfirmTimeout        time.Duration // per delivery confirmation attempt
	ExpiryGrace           time.Duration // slack before an unwatched record is expired
	ConfirmWorkers        int
	ConfirmQueue          int    // pending confirmations before new ones are left to the sweep
	OfferMessage          string // fmt pattern, receives the settlement id
}

// DefaultConfig mirrors the escrow program's accepted deadline window.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline:       5 * time.Minute,
		MinDeadline:           time.Minute,
		MaxDeadline:           10 * time.Minute,
		OwnershipMaxStaleness: 2 * time.Minute,
		ConfirmTimeout:        90 * time.Second,
		ExpiryGrace:           30 * time.Second,
		ConfirmWorkers:        2,
		ConfirmQueue:          64,
		OfferMessage:          "Escrow settlement %s",
	}
}

// Service implements settlement orchestration. It is the only writer of
// settlement records.
type Service struct {
	store     Store
	steam     SteamAPI
	escrow    chain.Escrow
	oracle    Oracle
	receipts  ReceiptReader
	resolver  IdentityResolver
	notifiers []Notifier
	locks     *syncutil.KeyedMutex
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	confirmOnce sync.Once
	confirmQ    chan confirmJob
	confirmWG   sync.WaitGroup
	pending     atomic.Int64 // queued or running confirmations
	quit        chan struct{}
	closeOnce   sync.Once
}

type confirmJob struct {
	ctx     context.Context
	id      string
	receipt *receipts.Receipt
}

var _ oracle.Listener = (*Service)(nil)

// NewService creates a new settlement service.
func NewService(store Store, api SteamAPI, escrow chain.Escrow, watcher Oracle, rr ReceiptReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		steam:    api,
		escrow:   escrow,
		oracle:   watcher,
		receipts: rr,
		locks:    syncutil.NewKeyedMutex(),
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   logger.With("component", "settlement"),
		quit:     make(chan struct{}),
	}
}

// WithConfig replaces the timing configuration. Zero fields keep defaults.
func (s *Service) WithConfig(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = def.DefaultDeadline
	}
	if cfg.MinDeadline <= 0 {
		cfg.MinDeadline = def.MinDeadline
	}
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = def.MaxDeadline
	}
	if cfg.OwnershipMaxStaleness <= 0 {
		cfg.OwnershipMaxStaleness = def.OwnershipMaxStaleness
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = def.ExpiryGrace
	}
	if cfg.ConfirmWorkers <= 0 {
		cfg.ConfirmWorkers = def.ConfirmWorkers
	}
	if cfg.ConfirmQueue <= 0 {
		cfg.ConfirmQueue = def.ConfirmQueue
	}
	if cfg.OfferMessage == "" {
		cfg.OfferMessage = def.OfferMessage
	}
	s.cfg = cfg
	return s
}

// WithResolver enables wallet addresses as settlement identities.
func (s *Service) WithResolver(r IdentityResolver) *Service {
	s.resolver = r
	return s
}

// WithNotifier adds a state change subscriber.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartSettlement runs the synchronous steps up to Monitoring. Failures at
// any step end the record in Failed and come back as a rejection; caller
// errors (invalid input, duplicate id) come back as errors.
func (s *Service) StartSettlement(ctx context.Context, req StartRequest) (result *StartResult, err error) {
	if err := validateStart(req); err != nil {
		return nil, err
	}
	deadlineIn, err := s.deadlineOffset(req.DeadlineSeconds)
	if err != nil {
		return nil, err
	}
	seller, err := s.resolve(ctx, "sellerIdentity", req.SellerIdentity)
	if err != nil {
		return nil, err
	}
	buyer, err := s.resolve(ctx, "buyerIdentity", req.BuyerIdentity)
	if err != nil {
		return nil, err
	}
	if seller == buyer {
		return nil, fmt.Errorf("%w: buyer and seller are the same account", ErrInvalidRequest)
	}

	id := req.SettlementID
	unlock := s.locks.Lock(id)
	defer unlock()

	ctx = logging.WithSettlementID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "settlement.start", traces.SettlementID(id), traces.AssetID(req.AssetID))
	defer func() { traces.End(span, err) }()

	instance := req.AssetInstanceID
	if instance == "" {
		instance = req.AssetID
	}
	now := s.now().UTC()
	rec := &Record{
		SettlementID:    id,
		State:           StateInitiated,
		SellerIdentity:  seller,
		BuyerIdentity:   buyer,
		AssetID:         req.AssetID,
		AssetInstanceID: instance,
		Deadline:        now.Add(deadlineIn),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	startedTotal.Inc()
	s.emit(ctx, rec)

	// 1. ownership
	if err := s.step(ctx, "ownership", func() error { return s.verifyOwnership(ctx, rec) }); err != nil {
		return s.reject(ctx, rec, ReasonOwnership, err)
	}
	if err := s.advance(ctx, rec, StateOwnershipVerified); err != nil {
		return nil, err
	}

	// 2. on-chain verification
	var tx string
	if err := s.step(ctx, "chain_verify", func() (err error) {
		tx, err = s.escrow.SubmitOwnershipVerification(ctx, id)
		return err
	}); err != nil {
		return s.reject(ctx, rec, ReasonOnChain, err)
	}
	rec.VerifyTx = tx

	// 3. trade offer
	var offerID string
	if err := s.step(ctx, "offer", func() (err error) {
		offerID, err = s.steam.SendOffer(ctx, steam.OfferRequest{
			PartnerIdentity: buyer,
			Token:           req.BuyerToken,
			AssetIDs:        []string{instance},
			Message:         s.offerMessage(req),
		})
		return err
	}); err != nil {
		return s.reject(ctx, rec, ReasonOffer, err)
	}
	rec.OfferID = offerID
	if err := s.advance(ctx, rec, StateOfferSent); err != nil {
		return nil, err
	}

	// 4. monitoring
	if err := s.oracle.AddWatchTarget(id, buyer, rec.AssetID, rec.Deadline); err != nil {
		return s.reject(ctx, rec, ReasonMonitoring, err)
	}
	if err := s.advance(ctx, rec, StateMonitoring); err != nil {
		s.oracle.RemoveWatchTarget(id)
		return s.reject(ctx, rec, ReasonMonitoring, err)
	}

	s.logger.Info("settlement monitoring",
		"settlementId", id, "assetId", rec.AssetID, "buyer", buyer, "offerId", offerID, "deadline", rec.Deadline)
	cp := *rec
	return &StartResult{Accepted: true, Record: &cp}, nil
}

// GetSettlement returns the record for id.
func (s *Service) GetSettlement(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByIdentity pages through settlements where identity is buyer or
// seller, newest first.
func (s *Service) ListByIdentity(ctx context.Context, ident string, limit int, cursor string) (*Page, error) {
	steamID, err := s.resolve(ctx, "identity", ident)
	if err != nil {
		return nil, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	limit = pagination.ClampLimit(limit)

	records, err := s.store.ListByIdentity(ctx, steamID, after, limit+1)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.SettlementID
	})
	if page == nil {
		page = []*Record{}
	}
	return &Page{Settlements: page, NextCursor: next, HasMore: more}, nil
}

// OnDelivered queues the on-chain confirmation for a resolved watch target.
// It never blocks the oracle: with the queue full the receipt is left for
// the next sweep, which confirms any Monitoring record that has one.
func (s *Service) OnDelivered(ctx context.Context, t oracle.Target, r *receipts.Receipt) {
	s.confirmOnce.Do(s.startConfirmers)
	job := confirmJob{ctx: context.WithoutCancel(ctx), id: t.SettlementID, receipt: r}
	s.pending.Add(1)
	select {
	case s.confirmQ <- job:
	default:
		s.pending.Add(-1)
		confirmsDropped.Inc()
		s.logger.Warn("confirmation queue full, leaving to sweep", "settlementId", t.SettlementID)
	}
}

func (s *Service) startConfirmers() {
	s.confirmQ = make(chan confirmJob, s.cfg.ConfirmQueue)
	for i := 0; i < s.cfg.ConfirmWorkers; i++ {
		s.confirmWG.Add(1)
		go s.confirmLoop()
	}
}

func (s *Service) confirmLoop() {
	defer s.confirmWG.Done()
	for {
		select {
		case <-s.quit:
			return
		case job := <-s.confirmQ:
			s.safeConfirm(job)
			s.pending.Add(-1)
		}
	}
}

func (s *Service) safeConfirm(job confirmJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in delivery confirmation", "settlementId", job.id, "panic", fmt.Sprint(r))
		}
	}()

	unlock := s.locks.Lock(job.id)
	defer unlock()

	rec, err := s.store.Get(job.ctx, job.id)
	if err != nil {
		s.logger.Error("delivered settlement lookup failed", "settlementId", job.id, "error", err)
		return
	}
	if rec.State != StateMonitoring {
		s.logger.Debug("delivery for settlement not monitoring",
			"settlementId", rec.SettlementID, "state", rec.State)
		return
	}
	if err := s.confirmLocked(job.ctx, rec, job.receipt); err != nil {
		s.logger.Warn("delivery confirmation failed, will retry",
			"settlementId", rec.SettlementID, "error", err)
	}
}

// Close stops the confirmation workers after their current submission.
// Queued confirmations are picked up by the next sweep or reconciliation.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	s.confirmWG.Wait()
}

// OnExpired ends a monitoring settlement whose deadline passed unresolved.
// Funds are left to the escrow program's own refund path.
func (s *Service) OnExpired(ctx context.Context, t oracle.Target) {
	unlock := s.locks.Lock(t.SettlementID)
	defer unlock()

	rec, err := s.store.Get(ctx, t.SettlementID)
	if err != nil {
		s.logger.Error("expired settlement lookup failed", "settlementId", t.SettlementID, "error", err)
		return
	}
	if rec.State != StateMonitoring {
		return
	}
	rec.Reason = ReasonDeadline
	if err := s.advance(ctx, rec, StateExpired); err != nil {
		s.logger.Error("failed to expire settlement", "settlementId", rec.SettlementID, "error", err)
		return
	}
	s.logger.Info("settlement expired", "settlementId", rec.SettlementID, "deadline", rec.Deadline)
}

// confirmLocked submits the delivery confirmation. The caller holds the
// settlement lock and has checked the record is Monitoring. On failure the
// record stays Monitoring with LastError set.
func (s *Service) confirmLocked(ctx context.Context, rec *Record, r *receipts.Receipt) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConfirmTimeout)
	defer cancel()

	var tx string
	err := s.step(cctx, "chain_confirm", func() (err error) {
		tx, err = s.escrow.SubmitDeliveryConfirmation(cctx, rec.SettlementID, r)
		return err
	})
	if err != nil {
		confirmFailures.Inc()
		rec.LastError = err.Error()
		rec.UpdatedAt = s.now().UTC()
		if uerr := s.store.Update(ctx, rec); uerr != nil {
			s.logger.Error("failed to record confirmation error", "settlementId", rec.SettlementID, "error", uerr)
		}
		return err
	}

	rec.ConfirmTx = tx
	rec.LastError = ""
	if err := s.advance(ctx, rec, StateDelivered); err != nil {
		// Confirmed on-chain; a later sweep finds the receipt and resubmits.
		s.logger.Error("settlement confirmed on-chain but not persisted",
			"settlementId", rec.SettlementID, "tx", tx, "error", err)
		return err
	}
	s.logger.Info("settlement delivered", "settlementId", rec.SettlementID, "tx", tx)
	return nil
}

func (s *Service) verifyOwnership(ctx context.Context, rec *Record) error {
	snap, err := s.steam.FetchInventory(ctx, rec.SellerIdentity)
	if err != nil {
		return err
	}
	item, ok := snap.Find(rec.AssetID)
	if !ok {
		return errAssetAbsent
	}
	if !item.Tradable {
		return errNotTradable
	}
	if snap.Stale && s.now().Sub(snap.FetchedAt) > s.cfg.OwnershipMaxStaleness {
		return errStaleInventory
	}
	return nil
}

// advance moves rec to state and persists it.
func (s *Service) advance(ctx context.Context, rec *Record, to State) error {
	if !CanTransition(rec.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, rec.State, to)
	}
	from := rec.State
	rec.State = to
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, rec); err != nil {
		rec.State = from
		return fmt.Errorf("settlement: persist %s: %w", to, err)
	}
	transitionsTotal.WithLabelValues(string(to)).Inc()
	s.emit(ctx, rec)
	return nil
}

// fail ends rec in Failed with reason; cause is kept as LastError.
func (s *Service) fail(ctx context.Context, rec *Record, reason string, cause error) error {
	rec.Reason = reason
	if cause != nil {
		rec.LastError = cause.Error()
	}
	failuresTotal.WithLabelValues(reason).Inc()
	s.logger.Warn("settlement failed",
		"settlementId", rec.SettlementID, "state", rec.State, "reason", reason, "error", rec.LastError)
	return s.advance(ctx, rec, StateFailed)
}

func (s *Service) reject(ctx context.Context, rec *Record, reason string, cause error) (*StartResult, error) {
	if err := s.fail(ctx, rec, reason, cause); err != nil {
		return nil, err
	}
	cp := *rec
	return &StartResult{Accepted: false, Reason: reason, Record: &cp}, nil
}

func (s *Service) step(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	_, span := traces.StartSpan(ctx, "settlement."+name)
	err := fn()
	traces.End(span, err)
	stepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

func (s *Service) emit(ctx context.Context, rec *Record) {
	if len(s.notifiers) == 0 {
		return
	}
	cp := *rec
	ev := Event{Type: "settlement." + string(rec.State), Settlement: &cp, Timestamp: rec.UpdatedAt}
	for _, n := range s.notifiers {
		n.NotifySettlement(ctx, ev)
	}
}

func (s *Service) deadlineOffset(seconds int64) (time.Duration, error) {
	if seconds == 0 {
		return s.cfg.DefaultDeadline, nil
	}
	d := time.Duration(seconds) * time.Second
	if seconds < 0 || d < s.cfg.MinDeadline || d > s.cfg.MaxDeadline {
		return 0, fmt.Errorf("%w: must be between %s and %s", ErrInvalidDeadline, s.cfg.MinDeadline, s.cfg.MaxDeadline)
	}
	return d, nil
}

func (s *Service) resolve(ctx context.Context, field, ident string) (string, error) {
	if validation.IsSteamID64(ident) {
		return ident, nil
	}
	if s.resolver == nil {
		return "", fmt.Errorf("%w: %s must be a SteamID64", ErrInvalidRequest, field)
	}
	steamID, err := s.resolver.Resolve(ctx, ident)
	if errors.Is(err, identity.ErrNotLinked) || errors.Is(err, identity.ErrInvalidIdentity) {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRequest, field, err)
	}
	return steamID, err
}

func (s *Service) offerMessage(req StartRequest) string {
	if req.Message != "" {
		return validation.SanitizeString(req.Message, validation.MaxMessageLength)
	}
	return fmt.Sprintf(s.cfg.OfferMessage, req.SettlementID)
}

func validateStart(req StartRequest) error {
	errs := validation.Validate(
		validation.Required("settlementId", req.SettlementID),
		validation.ValidSettlementID("settlementId", req.SettlementID),
		validation.Required("sellerIdentity", req.SellerIdentity),
		validation.ValidIdentity("sellerIdentity", req.SellerIdentity),
		validation.Required("buyerIdentity", req.BuyerIdentity),
		validation.ValidIdentity("buyerIdentity", req.BuyerIdentity),
		validation.Required("assetId", req.AssetID),
		validation.ValidAssetID("assetId", req.AssetID),
		validation.ValidAssetID("assetInstanceId", req.AssetInstanceID),
		validation.ValidTradeToken("buyerToken", req.BuyerToken),
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	return nil
}
