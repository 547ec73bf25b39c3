package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/skinsettle/internal/oracle"
	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/steam"
)

const sweepBatch = 500

// Report counts what a sweep or startup reconciliation did.
type Report struct {
	Checked     int `json:"checked"`
	Delivered   int `json:"delivered"`
	Expired     int `json:"expired"`
	Failed      int `json:"failed"`
	Rewatched   int `json:"rewatched"`
	Interrupted int `json:"interrupted"`
	Errors      int `json:"errors"`
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeDelivered
	outcomeExpired
	outcomeFailed
	outcomeRewatched
	outcomeVerify // offer accepted, run a one-shot check
)

func (r *Report) add(o outcome) {
	switch o {
	case outcomeDelivered:
		r.Delivered++
	case outcomeExpired:
		r.Expired++
	case outcomeFailed:
		r.Failed++
	case outcomeRewatched:
		r.Rewatched++
	}
}

// Sweep walks every Monitoring record: it resubmits confirmations for
// receipts that were not yet confirmed, re-registers lost watch targets and
// expires orphans. With checkOffers it also polls trade offer status, failing
// settlements whose offer was declined or canceled.
func (s *Service) Sweep(ctx context.Context, checkOffers bool) (Report, error) {
	var rep Report
	records, err := s.store.ListByState(ctx, StateMonitoring, sweepBatch)
	if err != nil {
		return rep, fmt.Errorf("settlement: list monitoring: %w", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		o, target, err := s.reconcileMonitoring(ctx, rec.SettlementID, checkOffers)
		if err != nil {
			rep.Errors++
			s.logger.Warn("settlement sweep failed", "settlementId", rec.SettlementID, "error", err)
			continue
		}
		if o == outcomeVerify {
			o = s.verifyAccepted(ctx, target)
		}
		rep.add(o)
	}
	return rep, nil
}

// Reconcile repairs records left mid-flight by a previous process. Records
// that never got as far as sending an offer are failed; records whose offer
// was sent are watched again until their deadline.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	for _, st := range []State{StateInitiated, StateOwnershipVerified} {
		records, err := s.store.ListByState(ctx, st, sweepBatch)
		if err != nil {
			return rep, fmt.Errorf("settlement: list %s: %w", st, err)
		}
		for _, rec := range records {
			rep.Checked++
			if err := s.interrupt(ctx, rec.SettlementID, st); err != nil {
				rep.Errors++
				s.logger.Warn("failed to close interrupted settlement", "settlementId", rec.SettlementID, "error", err)
				continue
			}
			rep.Interrupted++
		}
	}

	offered, err := s.store.ListByState(ctx, StateOfferSent, sweepBatch)
	if err != nil {
		return rep, fmt.Errorf("settlement: list %s: %w", StateOfferSent, err)
	}
	for _, rec := range offered {
		rep.Checked++
		o, err := s.resumeOffered(ctx, rec.SettlementID)
		if err != nil {
			rep.Errors++
			s.logger.Warn("failed to resume settlement", "settlementId", rec.SettlementID, "error", err)
			continue
		}
		rep.add(o)
	}

	swept, err := s.Sweep(ctx, false)
	rep.Checked += swept.Checked
	rep.Delivered += swept.Delivered
	rep.Expired += swept.Expired
	rep.Failed += swept.Failed
	rep.Rewatched += swept.Rewatched
	rep.Errors += swept.Errors
	if err != nil {
		return rep, err
	}

	s.logger.Info("settlements reconciled",
		"checked", rep.Checked, "interrupted", rep.Interrupted, "rewatched", rep.Rewatched,
		"delivered", rep.Delivered, "expired", rep.Expired, "failed", rep.Failed)
	return rep, nil
}

func (s *Service) interrupt(ctx context.Context, id string, expect State) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != expect {
		return nil
	}
	return s.fail(ctx, rec, ReasonInterrupted, nil)
}

func (s *Service) resumeOffered(ctx context.Context, id string) (outcome, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return outcomeNone, err
	}
	if rec.State != StateOfferSent {
		return outcomeNone, nil
	}
	if s.now().After(rec.Deadline) {
		rec.Reason = ReasonDeadline
		return outcomeExpired, s.advance(ctx, rec, StateExpired)
	}
	if err := s.oracle.AddWatchTarget(id, rec.BuyerIdentity, rec.AssetID, rec.Deadline); err != nil && !errors.Is(err, oracle.ErrDuplicateSettlement) {
		return outcomeFailed, s.fail(ctx, rec, ReasonMonitoring, err)
	}
	return outcomeRewatched, s.advance(ctx, rec, StateMonitoring)
}

// reconcileMonitoring brings one Monitoring record in line with the oracle
// and receipt store. The returned target is set for outcomeVerify, which
// the caller runs without holding the settlement lock.
func (s *Service) reconcileMonitoring(ctx context.Context, id string, checkOffers bool) (outcome, *Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return outcomeNone, nil, err
	}
	if rec.State != StateMonitoring {
		return outcomeNone, nil, nil
	}
	now := s.now()

	// Receipts are stored before the oracle drops its target, so check them first.
	r, err := s.receipts.Get(ctx, id)
	switch {
	case err == nil:
		s.oracle.RemoveWatchTarget(id)
		if now.After(rec.Deadline) {
			return outcomeFailed, nil, s.fail(ctx, rec, ReasonConfirmDeadline, nil)
		}
		if err := s.confirmLocked(ctx, rec, r); err != nil {
			return outcomeNone, nil, nil
		}
		return outcomeDelivered, nil, nil
	case !errors.Is(err, receipts.ErrReceiptNotFound):
		return outcomeNone, nil, err
	}

	if !s.oracle.Watching(id) {
		switch {
		case now.After(rec.Deadline.Add(s.cfg.ExpiryGrace)):
			rec.Reason = ReasonDeadline
			return outcomeExpired, nil, s.advance(ctx, rec, StateExpired)
		case now.After(rec.Deadline):
			// the oracle may still be finishing; leave it to the next sweep
			return outcomeNone, nil, nil
		}
		if err := s.oracle.AddWatchTarget(id, rec.BuyerIdentity, rec.AssetID, rec.Deadline); err != nil && !errors.Is(err, oracle.ErrDuplicateSettlement) {
			return outcomeNone, nil, err
		}
		s.logger.Info("watch target restored", "settlementId", id)
		return outcomeRewatched, nil, nil
	}

	if !checkOffers || rec.OfferID == "" {
		return outcomeNone, nil, nil
	}
	state, err := s.steam.GetOfferStatus(ctx, rec.OfferID)
	if err != nil {
		s.logger.Debug("offer status unavailable", "settlementId", id, "offerId", rec.OfferID, "error", err)
		return outcomeNone, nil, nil
	}
	switch {
	case state.Final():
		s.oracle.RemoveWatchTarget(id)
		return outcomeFailed, nil, s.fail(ctx, rec, "trade offer "+string(state), nil)
	case state == steam.OfferAccepted:
		cp := *rec
		return outcomeVerify, &cp, nil
	}
	return outcomeNone, nil, nil
}

// verifyAccepted runs a one-shot delivery check for a settlement whose offer
// was accepted, so delivery does not wait for the next poll.
func (s *Service) verifyAccepted(ctx context.Context, rec *Record) outcome {
	_, found, err := s.oracle.VerifyNow(ctx, rec.BuyerIdentity, rec.AssetID, rec.SettlementID)
	if err != nil || !found {
		return outcomeNone
	}
	if o, _, err := s.reconcileMonitoring(ctx, rec.SettlementID, false); err == nil && o == outcomeDelivered {
		return o
	}
	cur, err := s.store.Get(ctx, rec.SettlementID)
	if err == nil && cur.State == StateDelivered {
		return outcomeDelivered
	}
	return outcomeNone
}

// VerifyResult is the response of an administrative delivery check.
type VerifyResult struct {
	Settlement *Record `json:"settlement"`
	Found      bool    `json:"found"`
	Signature  string  `json:"signature,omitempty"`
}

// VerifySettlement checks delivery now instead of waiting for the next
// oracle tick, and confirms on-chain if the asset has arrived.
func (s *Service) VerifySettlement(ctx context.Context, id string) (*VerifyResult, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateDelivered {
		r, err := s.receipts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &VerifyResult{Settlement: rec, Found: true, Signature: r.Signature}, nil
	}
	if rec.State != StateMonitoring {
		return nil, ErrNotMonitoring
	}

	if s.now().After(rec.Deadline) {
		rec, err := s.closeLate(ctx, id)
		if err != nil {
			return nil, err
		}
		res := &VerifyResult{Settlement: rec}
		if r, err := s.receipts.Get(ctx, id); err == nil {
			res.Found, res.Signature = true, r.Signature
		}
		return res, nil
	}

	// The fetch runs unlocked; only the transition below takes the lock.
	sig, found, err := s.oracle.VerifyNow(ctx, rec.BuyerIdentity, rec.AssetID, id)
	if err != nil {
		return nil, err
	}
	if found {
		// Confirm here rather than wait for the queued confirmation.
		if _, _, err := s.reconcileMonitoring(ctx, id, false); err != nil {
			return nil, err
		}
	}
	rec, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Settlement: rec, Found: found, Signature: sig}, nil
}

// closeLate settles a Monitoring record checked after its deadline without
// looking at the inventory again. A receipt signed in time is still
// confirmed or failed by reconcileMonitoring; otherwise the record expires.
func (s *Service) closeLate(ctx context.Context, id string) (*Record, error) {
	expired, err := s.expireUnreceipted(ctx, id)
	if err != nil {
		return nil, err
	}
	if !expired {
		if _, _, err := s.reconcileMonitoring(ctx, id, false); err != nil {
			return nil, err
		}
	}
	return s.store.Get(ctx, id)
}

// expireUnreceipted expires id if it is Monitoring and has no receipt.
func (s *Service) expireUnreceipted(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.State != StateMonitoring {
		return false, nil
	}
	if _, err := s.receipts.Get(ctx, id); !errors.Is(err, receipts.ErrReceiptNotFound) {
		return false, err
	}
	s.oracle.RemoveWatchTarget(id)
	rec.Reason = ReasonDeadline
	if err := s.advance(ctx, rec, StateExpired); err != nil {
		return false, err
	}
	return true, nil
}
