package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/internal/utils"
)

var (
	errPeerLost    = errors.New("peer lost")
	errJobDeadline = errors.New("job deadline exceeded")
)

const maxCapacityPoll = 2 * time.Second

// run drives one job to a terminal state.
func (s *Scheduler) run(ctx context.Context, e *jobEntry) {
	job := e.snapshot()
	ctx, cancel := context.WithTimeoutCause(ctx, s.cfg.JobDeadline, errJobDeadline)
	defer cancel()

	log := s.logger.With(zap.String("job_id", utils.ShortID(job.ID)), zap.String("cid", job.CID))
	failed := make(map[string]struct{})

	for {
		peer, replicate, err := s.selectPeer(ctx, job, failed)
		if err != nil {
			if ctx.Err() != nil {
				s.abort(ctx, e)
				return
			}
			s.finish(e, "", common.CauseCapacity, err)
			return
		}

		result, cause, err := s.dispatch(ctx, e, peer, replicate, log)
		s.peers.Release(peer.ID, job.ID)

		switch {
		case err == nil:
			s.finish(e, result, common.CauseNone, nil)
			return
		case ctx.Err() != nil:
			s.abort(ctx, e)
			return
		case !cause.Retryable():
			log.Warn("job failed", zap.String("peer_id", utils.ShortID(peer.ID)),
				zap.String("cause", string(cause)), zap.Error(err))
			s.finish(e, "", cause, err)
			return
		}

		failed[peer.ID] = struct{}{}
		retries := e.snapshot().RetryCount
		if retries >= s.cfg.MaxRetries {
			log.Warn("job exhausted retries", zap.Int("attempts", retries+1), zap.Error(err))
			s.finish(e, "", cause, common.ErrExhaustedRetries(job.ID, retries+1, err))
			return
		}
		log.Info("retrying job",
			zap.String("peer_id", utils.ShortID(peer.ID)),
			zap.String("cause", string(cause)),
			zap.Int("retry", retries+1),
			zap.Error(err))
		s.retry(e, cause)
	}
}

// retry records a failed attempt and puts the job back in the queue. Subscribers see
// failed(cause) followed by queued; both happen under one lock, so Get never reports a
// failed job that is about to run again.
func (s *Scheduler) retry(e *jobEntry, cause common.FailureCause) {
	now := time.Now()
	e.mu.Lock()
	from := e.job.State
	if !from.CanTransition(common.JobFailed) || !common.JobFailed.CanRetry(cause, e.job.RetryCount, s.cfg.MaxRetries) {
		e.mu.Unlock()
		s.logger.Error("invalid retry",
			zap.String("job_id", e.job.ID),
			zap.Stringer("from", from),
			zap.String("cause", string(cause)))
		return
	}
	e.job.State = common.JobFailed
	e.job.FailureCause = cause
	e.job.UpdatedAt = now
	failed := stateEvent(e.snapshotLocked(), from, now)
	e.offerLocked(failed)

	e.job.State = common.JobQueued
	e.job.RetryCount++
	e.job.PeerID = ""
	queued := stateEvent(e.snapshotLocked(), common.JobFailed, now)
	e.offerLocked(queued)
	e.mu.Unlock()

	s.events.Publish(events.TopicJobState, failed)
	s.events.Publish(events.TopicJobState, queued)
}

// abort finishes a job whose context ended: explicit cancellation, scheduler shutdown or the
// overall job deadline.
func (s *Scheduler) abort(ctx context.Context, e *jobEntry) {
	job := e.snapshot()
	if errors.Is(context.Cause(ctx), errJobDeadline) {
		s.finish(e, "", common.CauseTimeout, common.ErrTimeout("job", s.cfg.JobDeadline))
		return
	}
	s.finish(e, "", common.CauseCancelled, common.ErrCancelled(job.ID))
}

// selectPeer picks and claims a peer. Active holders of the object are preferred; failing
// that any eligible peer is claimed and the object must be replicated to it first. Peers that
// already failed this job are passed over while any other peer is eligible. With no eligible
// peer it polls until CapacityWait elapses.
func (s *Scheduler) selectPeer(ctx context.Context, job common.Job, avoid map[string]struct{}) (common.PeerRecord, bool, error) {
	started := time.Now()
	poll := s.cfg.CapacityPoll

	for {
		eligible := without(s.peers.ListEligible(job.Payload.Filter), avoid)
		if len(eligible) > 0 {
			holders, err := s.content.Locate(ctx, job.CID)
			if err != nil {
				s.logger.Debug("locate failed", zap.String("cid", job.CID), zap.Error(err))
			}
			candidates, replicate := preferHolders(eligible, holders)

			raced := false
			for _, p := range candidates {
				err := s.peers.Claim(p.ID, job.ID)
				if err == nil {
					return p, replicate, nil
				}
				if common.IsCode(err, common.ErrCodeConflict) || common.IsCode(err, common.ErrCodeNotFound) {
					// Lost the race for this peer; list again.
					raced = true
					break
				}
				return common.PeerRecord{}, false, err
			}
			if raced {
				continue
			}
		}

		waited := time.Since(started)
		if waited >= s.cfg.CapacityWait {
			return common.PeerRecord{}, false, common.ErrCapacity(job.ID, waited).WithContext("cid", job.CID)
		}
		sleep := poll
		if rest := s.cfg.CapacityWait - waited; sleep > rest {
			sleep = rest
		}
		select {
		case <-ctx.Done():
			return common.PeerRecord{}, false, ctx.Err()
		case <-time.After(sleep):
		}
		if poll *= 2; poll > maxCapacityPoll {
			poll = maxCapacityPoll
		}
	}
}

// without drops avoided peers unless that would leave nothing.
func without(peers []common.PeerRecord, avoid map[string]struct{}) []common.PeerRecord {
	if len(avoid) == 0 {
		return peers
	}
	out := make([]common.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if _, ok := avoid[p.ID]; !ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return peers
	}
	return out
}

// preferHolders keeps the latency order of eligible and narrows it to holders when any
// eligible peer holds the object.
func preferHolders(eligible []common.PeerRecord, holders []string) ([]common.PeerRecord, bool) {
	held := make(map[string]struct{}, len(holders))
	for _, h := range holders {
		held[h] = struct{}{}
	}
	var out []common.PeerRecord
	for _, p := range eligible {
		if _, ok := held[p.ID]; ok {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out, false
	}
	return eligible, true
}

// dispatch runs one attempt on a claimed peer.
func (s *Scheduler) dispatch(ctx context.Context, e *jobEntry, peer common.PeerRecord, replicate bool, log *zap.Logger) (string, common.FailureCause, error) {
	job := e.snapshot()
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a := &attempt{jobID: job.ID, peerID: peer.ID, cancel: cancel}
	s.bind(a)
	defer s.unbind(a)

	// The peer may have been lost between Claim and bind.
	if rec, ok := s.peers.Get(peer.ID); !ok || rec.JobID != job.ID {
		return "", common.CausePeerLoss, peerLost(peer.ID)
	}

	s.transition(e, common.JobDispatched, func(j *common.Job) { j.PeerID = peer.ID })
	log.Info("job dispatched",
		zap.String("peer_id", utils.ShortID(peer.ID)),
		zap.Float64("latency_ms", peer.LatencyMs),
		zap.Bool("replicate", replicate))

	if replicate {
		if _, err := s.content.Replicate(actx, job.CID, peer.ID); err != nil {
			return s.classify(actx, peer, err)
		}
	}

	stream, err := s.transport.CallStreaming(actx, peer.Address, common.MethodInfer, common.InferRequest{
		JobID:   job.ID,
		CID:     job.CID,
		Payload: job.Payload,
	})
	if err != nil {
		return s.classify(actx, peer, err)
	}
	defer stream.Close()

	running := false
	markRunning := func() {
		if !running {
			running = true
			s.transition(e, common.JobRunning, nil)
		}
	}

	for {
		nctx, ncancel := context.WithTimeout(actx, s.cfg.ProgressTimeout)
		raw, err := stream.Next(nctx)
		stalled := errors.Is(nctx.Err(), context.DeadlineExceeded) && actx.Err() == nil
		ncancel()

		if err != nil {
			switch {
			case stalled:
				return "", common.CausePeerLoss, common.ErrTimeout("progress", s.cfg.ProgressTimeout).
					WithContext("peer_id", peer.ID)
			case errors.Is(err, io.EOF):
				return "", common.CauseTransport, common.ErrConnection(peer.Address,
					errors.New("stream ended without completion")).WithContext("peer_id", peer.ID)
			default:
				return s.classify(actx, peer, err)
			}
		}

		var ev common.InferEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", common.CauseTransport, common.WrapError(common.ErrCodeConnection, "malformed stream frame", err).
				WithContext("peer_id", peer.ID)
		}

		switch ev.Kind {
		case common.InferStarted:
			markRunning()
		case common.InferToken:
			markRunning()
			s.token(e, peer.ID, ev.Token)
		case common.InferProgress:
			markRunning()
			s.progress(e, peer.ID, ev.Progress)
		case common.InferError:
			err := common.ErrContent(job.ID, peer.ID, ev.Message)
			if ev.Code != "" {
				err.WithContext("remote_code", ev.Code)
			}
			if ev.Retryable {
				return "", common.CauseTransport, err
			}
			return "", common.CauseContent, err
		case common.InferDone:
			markRunning()
			result := ev.Result
			if result == "" {
				e.mu.Lock()
				result = e.tokens.String()
				e.mu.Unlock()
			}
			return result, common.CauseNone, nil
		}
	}
}

func peerLost(peerID string) error {
	return common.NewMeshError(common.ErrCodeConnection, "peer lost").WithContext("peer_id", peerID)
}

// classify maps an attempt error to a failure cause.
func (s *Scheduler) classify(actx context.Context, peer common.PeerRecord, err error) (string, common.FailureCause, error) {
	if actx.Err() != nil && errors.Is(context.Cause(actx), errPeerLost) {
		return "", common.CausePeerLoss, peerLost(peer.ID)
	}
	switch common.CodeOf(err) {
	case common.ErrCodeCorruptTransfer, common.ErrCodeIntegrity, common.ErrCodeNotFound,
		common.ErrCodeContent, common.ErrCodeInvalidArgument:
		return "", common.CauseContent, err
	case common.ErrCodeTimeout:
		return "", common.CauseTimeout, err
	default:
		return "", common.CauseTransport, err
	}
}

func (s *Scheduler) transition(e *jobEntry, to common.JobState, mutate func(*common.Job)) {
	now := time.Now()
	e.mu.Lock()
	from := e.job.State
	if !from.CanTransition(to) {
		e.mu.Unlock()
		s.logger.Error("invalid job transition",
			zap.String("job_id", e.job.ID),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		return
	}
	e.job.State = to
	e.job.UpdatedAt = now
	if mutate != nil {
		mutate(&e.job)
	}
	snap := e.snapshotLocked()
	ev := stateEvent(snap, from, now)
	e.offerLocked(ev)
	e.mu.Unlock()

	s.events.Publish(events.TopicJobState, ev)
}

func stateEvent(job common.Job, from common.JobState, now time.Time) JobEvent {
	return JobEvent{
		JobID:  job.ID,
		Kind:   EventState,
		State:  job.State,
		From:   from,
		Cause:  job.FailureCause,
		PeerID: job.PeerID,
		Retry:  job.RetryCount,
		Time:   now,
	}
}

func (s *Scheduler) publishState(e *jobEntry, job common.Job) {
	ev := stateEvent(job, job.State, time.Now())
	e.mu.Lock()
	e.offerLocked(ev)
	e.mu.Unlock()
	s.events.Publish(events.TopicJobState, ev)
}

func (s *Scheduler) token(e *jobEntry, peerID, tok string) {
	ev := JobEvent{Kind: EventToken, PeerID: peerID, Token: tok, Time: time.Now()}
	e.mu.Lock()
	ev.JobID = e.job.ID
	ev.State = e.job.State
	e.tokens.WriteString(tok)
	e.job.Tokens++
	e.offerLocked(ev)
	e.mu.Unlock()
	s.events.Publish(events.TopicJobToken, ev)
}

func (s *Scheduler) progress(e *jobEntry, peerID string, p float64) {
	ev := JobEvent{Kind: EventProgress, PeerID: peerID, Progress: p, Time: time.Now()}
	e.mu.Lock()
	ev.JobID = e.job.ID
	ev.State = e.job.State
	e.offerLocked(ev)
	e.mu.Unlock()
	s.events.Publish(events.TopicJobToken, ev)
}

// finish moves a job to its terminal state, closes its handle and archives it.
func (s *Scheduler) finish(e *jobEntry, result string, cause common.FailureCause, err error) {
	now := time.Now()
	e.mu.Lock()
	from := e.job.State
	to := common.JobSucceeded
	if err != nil {
		to = common.JobFailed
	}
	if err == nil && from == common.JobDispatched {
		// A peer may finish without announcing start.
		e.job.State = common.JobRunning
		from = common.JobRunning
	}
	if !from.CanTransition(to) {
		s.logger.Error("invalid terminal transition",
			zap.String("job_id", e.job.ID),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	}
	e.job.State = to
	e.job.UpdatedAt = now
	e.job.CompletedAt = now
	e.job.FailureCause = cause
	if err != nil {
		err = annotate(err, e.job)
		e.job.Error = &common.JobError{Code: common.CodeOf(err), Message: err.Error()}
	} else {
		e.job.Result = result
	}
	e.err = err
	snap := e.snapshotLocked()
	ev := stateEvent(snap, from, now)
	ev.Final = true
	e.offerLocked(ev)
	e.mu.Unlock()

	s.events.Publish(events.TopicJobState, ev)

	fields := []zap.Field{
		zap.String("job_id", utils.ShortID(snap.ID)),
		zap.Stringer("state", snap.State),
		zap.Int("retries", snap.RetryCount),
		zap.Duration("elapsed", now.Sub(snap.CreatedAt)),
	}
	if err != nil {
		s.logger.Warn("job finished", append(fields, zap.String("cause", string(cause)), zap.Error(err))...)
	} else {
		s.logger.Info("job finished", append(fields, zap.Int("tokens", snap.Tokens))...)
	}

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if aerr := s.archive.Archive(ctx, snap); aerr != nil {
			s.logger.Error("failed to archive job", zap.String("job_id", snap.ID), zap.Error(aerr))
		}
		cancel()
	}
	s.retire(snap.ID)

	e.mu.Lock()
	e.closed = true
	close(e.events)
	close(e.done)
	e.mu.Unlock()
	e.cancel(nil)
}

// annotate returns a copy of err carrying job_id, cid and peer_id context. Errors may be
// shared between jobs, so the original is never mutated.
func annotate(err error, job common.Job) error {
	me, ok := common.AsMeshError(err)
	if !ok {
		me = common.WrapError(common.ErrCodeInternal, "job failed", err)
	}
	out := *me
	out.Context = make(map[string]interface{}, len(me.Context)+3)
	for k, v := range me.Context {
		out.Context[k] = v
	}
	out.Context["job_id"] = job.ID
	out.Context["cid"] = job.CID
	if job.PeerID != "" {
		if _, ok := out.Context["peer_id"]; !ok {
			out.Context["peer_id"] = job.PeerID
		}
	}
	return &out
}
