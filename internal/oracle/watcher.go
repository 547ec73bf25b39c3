package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/steam"
	"github.com/mbd888/skinsettle/internal/traces"
)

// Config for the inventory watcher
type Config struct {
	PollInterval time.Duration
	Workers      int           // concurrent per-target checks within a tick
	FetchTimeout time.Duration // bound on a single check, independent of shutdown
	Now          func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		Workers:      8,
		FetchTimeout: 15 * time.Second,
	}
}

type entry struct {
	target Target
	state  TargetState
}

// Watcher polls recipient inventories for watched assets.
type Watcher struct {
	cfg      Config
	fetcher  InventoryFetcher
	issuer   ReceiptIssuer
	listener Listener
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	targets map[string]*entry

	tickMu   sync.Mutex
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher. SetListener must be called before Start if
// outcomes are to be observed.
func New(cfg Config, fetcher InventoryFetcher, issuer ReceiptIssuer, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:      cfg,
		fetcher:  fetcher,
		issuer:   issuer,
		listener: nopListener{},
		logger:   logger.With("component", "oracle"),
		now:      cfg.Now,
		targets:  make(map[string]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetListener registers the outcome listener.
func (w *Watcher) SetListener(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l == nil {
		l = nopListener{}
	}
	w.listener = l
}

func (w *Watcher) currentListener() Listener {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listener
}

// AddWatchTarget starts watching recipient's inventory for assetID until
// deadline.
func (w *Watcher) AddWatchTarget(settlementID, recipient, assetID string, deadline time.Time) error {
	if settlementID == "" || recipient == "" || assetID == "" || deadline.IsZero() {
		return ErrInvalidTarget
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.targets[settlementID]; ok {
		return ErrDuplicateSettlement
	}
	w.targets[settlementID] = &entry{
		target: Target{
			SettlementID:      settlementID,
			RecipientIdentity: recipient,
			AssetID:           assetID,
			StartTime:         w.now(),
			Deadline:          deadline,
		},
		state: StateActive,
	}
	targetsGauge.Set(float64(len(w.targets)))
	return nil
}

// RemoveWatchTarget stops watching settlementID. Removing an unknown
// target is a no-op. Safe to call while a tick is checking the target.
func (w *Watcher) RemoveWatchTarget(settlementID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.targets[settlementID]; ok {
		delete(w.targets, settlementID)
		targetsGauge.Set(float64(len(w.targets)))
	}
}

// Watching reports whether settlementID has a live target.
func (w *Watcher) Watching(settlementID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.targets[settlementID]
	return ok
}

// Targets lists tracked targets ordered by deadline.
func (w *Watcher) Targets() []TargetView {
	w.mu.Lock()
	out := make([]TargetView, 0, len(w.targets))
	for _, e := range w.targets {
		out = append(out, TargetView{Target: e.target, State: e.state})
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// Running reports whether the polling loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start runs the polling loop until ctx is cancelled or Stop is called.
// Call in a goroutine. A tick in progress is allowed to finish; its
// fetches run on a context detached from ctx, bounded by FetchTimeout.
func (w *Watcher) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		w.running.Store(false)
		close(w.done)
	}()

	w.logger.Info("inventory watcher started",
		"interval", w.cfg.PollInterval, "workers", w.cfg.Workers)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeTick(ctx)
		}
	}
}

// Stop signals the loop to exit. It does not wait; use Done for that.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed once a started loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Watcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in oracle tick", "panic", fmt.Sprint(r))
		}
	}()
	w.Tick(ctx)
}

// Tick checks every active target once and returns when all checks finish.
// Per-target failures are logged and never abort the tick.
func (w *Watcher) Tick(ctx context.Context) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	w.mu.Lock()
	batch := make([]*entry, 0, len(w.targets))
	for _, e := range w.targets {
		if e.state == StateActive {
			batch = append(batch, e)
		}
	}
	w.mu.Unlock()

	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(w.cfg.Workers)
	for _, e := range batch {
		if w.stopping() || ctx.Err() != nil {
			break
		}
		e := e
		g.Go(func() error {
			w.safeCheck(detached, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) safeCheck(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in oracle check", "settlementId", e.target.SettlementID, "panic", fmt.Sprint(r))
		}
	}()
	w.check(ctx, e)
}

// live reports whether e is still the registered, active entry for its
// settlement. Caller must hold w.mu.
func (w *Watcher) live(e *entry) bool {
	cur, ok := w.targets[e.target.SettlementID]
	return ok && cur == e && cur.state == StateActive
}

// expireLocked drops e as expired. Caller must hold w.mu and have checked live.
func (w *Watcher) expireLocked(e *entry) {
	e.state = StateExpired
	delete(w.targets, e.target.SettlementID)
	targetsGauge.Set(float64(len(w.targets)))
	resolutionsTotal.WithLabelValues("expired").Inc()
}

func (w *Watcher) check(ctx context.Context, e *entry) {
	t := e.target

	w.mu.Lock()
	if !w.live(e) {
		w.mu.Unlock()
		return
	}
	if w.now().After(t.Deadline) {
		w.expireLocked(e)
		listener := w.listener
		w.mu.Unlock()
		w.logger.Info("watch target expired", "settlementId", t.SettlementID, "deadline", t.Deadline)
		listener.OnExpired(ctx, t)
		return
	}
	w.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	fctx, span := traces.StartSpan(fctx, "oracle.check",
		traces.SettlementID(t.SettlementID), traces.AssetID(t.AssetID))
	defer span.End()

	snap, err := w.fetcher.FetchInventory(fctx, t.RecipientIdentity)
	if err != nil {
		checksTotal.WithLabelValues("fetch_error").Inc()
		w.logger.Warn("inventory fetch failed",
			"settlementId", t.SettlementID, "identity", t.RecipientIdentity,
			"kind", steam.KindOf(err).String(), "error", err)
		return
	}
	if !counts(t, snap) {
		checksTotal.WithLabelValues("absent").Inc()
		return
	}
	checksTotal.WithLabelValues("present").Inc()

	if _, _, err := w.resolve(fctx, e); err != nil {
		w.logger.Error("receipt issue failed, will retry next tick",
			"settlementId", t.SettlementID, "error", err)
	}
}

// counts reports whether snap is evidence of delivery for t. A cached
// snapshot only counts if it was fetched after the watch started.
func counts(t Target, snap *steam.Snapshot) bool {
	if snap == nil || !snap.Contains(t.AssetID) {
		return false
	}
	if snap.Stale && snap.FetchedAt.Before(t.StartTime) {
		return false
	}
	return true
}

// resolve issues the receipt for a live entry and retires it. resolved is
// false when the entry was no longer live (removed, expired or already
// being resolved by someone else).
func (w *Watcher) resolve(ctx context.Context, e *entry) (*receipts.Receipt, bool, error) {
	t := e.target

	w.mu.Lock()
	if !w.live(e) {
		w.mu.Unlock()
		return nil, false, nil
	}
	if w.now().After(t.Deadline) {
		w.expireLocked(e)
		listener := w.listener
		w.mu.Unlock()
		w.logger.Info("watch target expired before signing", "settlementId", t.SettlementID)
		listener.OnExpired(ctx, t)
		return nil, false, nil
	}
	e.state = StateResolving
	w.mu.Unlock()

	r, _, err := w.issuer.Issue(ctx, receipts.IssueRequest{
		SettlementID:      t.SettlementID,
		AssetID:           t.AssetID,
		RecipientIdentity: t.RecipientIdentity,
	})

	w.mu.Lock()
	cur, ok := w.targets[t.SettlementID]
	stillOurs := ok && cur == e
	if err != nil {
		if stillOurs {
			e.state = StateActive
		}
		w.mu.Unlock()
		return nil, false, err
	}
	if stillOurs {
		e.state = StateResolved
		delete(w.targets, t.SettlementID)
		targetsGauge.Set(float64(len(w.targets)))
	}
	listener := w.listener
	w.mu.Unlock()

	if !stillOurs {
		// Removed mid-resolution. The receipt stands but nobody is told.
		w.logger.Info("watch target removed during resolution", "settlementId", t.SettlementID)
		return r, false, nil
	}

	resolutionsTotal.WithLabelValues("delivered").Inc()
	w.logger.Info("delivery detected",
		"settlementId", t.SettlementID, "assetId", t.AssetID, "recipient", t.RecipientIdentity)
	listener.OnDelivered(ctx, t, r)
	return r, true, nil
}

// VerifyNow performs one fetch-and-check outside the polling cadence.
// It returns the receipt signature when delivery is proven. If the
// settlement is watched, detection goes through the same resolution path
// as a tick; an existing receipt is returned without re-signing.
func (w *Watcher) VerifyNow(ctx context.Context, recipient, assetID, settlementID string) (string, bool, error) {
	if settlementID == "" || recipient == "" || assetID == "" {
		return "", false, ErrInvalidTarget
	}

	existing, err := w.issuer.Get(ctx, settlementID)
	if err == nil {
		if existing.AssetID != assetID || existing.RecipientIdentity != recipient {
			return "", false, ErrTargetMismatch
		}
		return existing.Signature, true, nil
	}
	if !errors.Is(err, receipts.ErrReceiptNotFound) {
		return "", false, err
	}

	w.mu.Lock()
	e := w.targets[settlementID]
	w.mu.Unlock()
	if e != nil && (e.target.RecipientIdentity != recipient || e.target.AssetID != assetID) {
		return "", false, ErrTargetMismatch
	}

	snap, err := w.fetcher.FetchInventory(ctx, recipient)
	if err != nil {
		return "", false, err
	}

	if e == nil {
		// Not watched: no start time to judge a cached snapshot against.
		if snap.Stale || !snap.Contains(assetID) {
			return "", false, nil
		}
		r, _, err := w.issuer.Issue(ctx, receipts.IssueRequest{
			SettlementID: settlementID, AssetID: assetID, RecipientIdentity: recipient,
		})
		if err != nil {
			return "", false, err
		}
		return r.Signature, true, nil
	}

	if !counts(e.target, snap) {
		return "", false, nil
	}
	r, _, err := w.resolve(ctx, e)
	if err != nil {
		return "", false, err
	}
	if r == nil {
		// Someone else resolved or expired it meanwhile.
		if got, err := w.issuer.Get(ctx, settlementID); err == nil {
			return got.Signature, true, nil
		}
		return "", false, nil
	}
	return r.Signature, true, nil
}
