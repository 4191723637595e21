package bridge

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/stratumbridge/internal/messaging"
	"github.com/bardlex/stratumbridge/internal/stratum"
	"github.com/bardlex/stratumbridge/internal/submit"
	"github.com/bardlex/stratumbridge/internal/validation"
)

// HandleMessage implements stratum.Handler. It runs on the connection's
// read goroutine, so requests from one miner are handled in order.
func (b *Bridge) HandleMessage(_ context.Context, c *stratum.Conn, msg *stratum.Message) error {
	if !msg.IsRequest() {
		c.Logger().Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case stratum.MethodSubscribe:
		return b.handleSubscribe(c, msg)
	case stratum.MethodAuthorize:
		return b.handleAuthorize(c, msg)
	case stratum.MethodSubmit:
		return b.handleSubmit(c, msg)
	case stratum.MethodExtranonceSubscribe:
		return c.Respond(msg.ID, true)
	case stratum.MethodSuggestDifficulty:
		return b.handleSuggestDifficulty(c, msg)
	case stratum.MethodConfigure:
		return b.handleConfigure(c, msg)
	default:
		c.Logger().Debug("unknown method", "method", msg.Method)
		return c.RespondError(msg.ID, stratum.ErrorMethodNotFound, "Method not found")
	}
}

func (b *Bridge) handleSubscribe(c *stratum.Conn, msg *stratum.Message) error {
	req, err := stratum.ParseSubscribeRequest(msg.Params)
	if err != nil {
		return c.RespondError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	w := c.Worker()
	identity, err := w.Subscribe(req.UserAgent, req.SessionID)
	if err != nil {
		c.Logger().WithError(err).Warn("subscribe failed")
		return c.RespondError(msg.ID, stratum.ErrorOther, "Extranonce space exhausted")
	}

	c.Logger().Info("miner subscribed", "user_agent", req.UserAgent, "identity", identity)

	return c.Respond(msg.ID, []any{
		[][]string{
			{stratum.MethodSetDifficulty, identity},
			{stratum.MethodNotify, identity},
		},
		identity,
		w.ExtraNonce2Size(),
	})
}

func (b *Bridge) handleAuthorize(c *stratum.Conn, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return c.RespondError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	w := c.Worker()
	wasAuthorized := w.Authorized()
	if _, err := w.Authorize(req.Username, req.Password); err != nil {
		if stderrors.Is(err, stratum.ErrNotSubscribed) {
			return c.RespondError(msg.ID, stratum.ErrorNotSubscribed, "Not subscribed")
		}
		c.Logger().WithError(err).Info("authorization rejected", "username", req.Username)
		return c.RespondError(msg.ID, stratum.ErrorUnauthorized, "Unauthorized worker")
	}

	if err := c.Respond(msg.ID, true); err != nil {
		return err
	}

	c.Logger().WithWorker(w.Identity(), w.FullName()).Info("miner authorized", "difficulty", w.Difficulty())
	if !wasAuthorized {
		b.metrics.AuthorizedWorkers.Inc()
	}
	b.events.emit(workerEvent(c, true))

	if err := c.Notify(w.DifficultyMessage()); err != nil {
		return err
	}
	if job := b.registry.Current(); job != nil {
		return c.NotifyJob(job, true)
	}
	return nil
}

func (b *Bridge) handleSubmit(c *stratum.Conn, msg *stratum.Message) error {
	w := c.Worker()
	if !w.Authorized() {
		return c.RespondError(msg.ID, stratum.ErrorUnauthorized, "Unauthorized worker")
	}
	if !c.AllowSubmit() {
		c.Logger().Debug("submit rate limited")
		return c.RespondError(msg.ID, stratum.ErrorOther, "Rate limited")
	}

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		return c.RespondError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	var outcome validation.Outcome
	share, err := validation.NewShare(w.Identity(), w.ExtraNonce1(), req.JobID,
		req.ExtraNonce2, req.NTime, req.Nonce, req.VersionBits)
	if err != nil {
		outcome = validation.Invalid(err)
	} else {
		outcome = b.validator.Validate(share, w)
	}

	retarget := w.RecordOutcome(outcome)
	b.recordShare(c, req, outcome)

	if outcome.Status == validation.StatusBlock {
		b.enqueueBlock(c, outcome)
	}

	if outcome.Valid() {
		err = c.Respond(msg.ID, true)
	} else {
		code, text := stratum.ErrorCode(outcome.String())
		err = c.RespondError(msg.ID, code, text)
	}
	if err != nil {
		return err
	}

	if retarget != nil {
		return c.Notify(retarget)
	}
	return nil
}

func (b *Bridge) recordShare(c *stratum.Conn, req *stratum.SubmitRequest, o validation.Outcome) {
	w := c.Worker()
	status := o.Status.String()
	reason := o.Reason.String()

	b.metrics.ObserveShare(status, reason, o.Difficulty)
	c.Logger().LogShareSubmission(w.FullName(), req.JobID, o.Difficulty, status, reason)
	if o.Err != nil {
		c.Logger().WithWorker(w.Identity(), w.FullName()).WithError(o.Err).Debug("share rejected as invalid", "job_id", req.JobID)
	}

	ev := &messaging.ShareEvent{
		JobID:           req.JobID,
		Identity:        w.Identity(),
		Worker:          w.FullName(),
		RemoteAddr:      c.RemoteAddr(),
		Status:          status,
		Reason:          reason,
		Difficulty:      o.Difficulty,
		ShareDifficulty: o.ShareDifficulty,
		SubmittedAt:     time.Now(),
	}
	if o.Job != nil {
		ev.Height = o.Job.Template.Height
	}
	if o.Valid() {
		ev.Hash = o.Hash.String()
	}
	b.events.emit(ev)
}

func (b *Bridge) enqueueBlock(c *stratum.Conn, o validation.Outcome) {
	w := c.Worker()
	err := b.submitter.Enqueue(&submit.Candidate{
		Block:      o.Block,
		Hash:       o.Hash,
		Height:     o.Job.Template.Height,
		JobID:      o.Job.IDString(),
		Worker:     w.FullName(),
		Difficulty: o.ShareDifficulty,
		FoundAt:    time.Now(),
	})
	switch {
	case err == nil:
		c.Logger().WithJob(o.Job.IDString(), o.Job.Template.Height).Info("block candidate queued", "hash", o.Hash.String())
	case stderrors.Is(err, submit.ErrDuplicateBlock):
		c.Logger().Debug("block candidate already queued", "hash", o.Hash.String())
	default:
		// the submitter has already logged the lost solution
		b.metrics.LostSolutions.Inc()
	}
}

func (b *Bridge) handleSuggestDifficulty(c *stratum.Conn, msg *stratum.Message) error {
	d, err := stratum.ParseSuggestDifficulty(msg.Params)
	if err != nil {
		return c.RespondError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	notify, err := c.Worker().SuggestDifficulty(d)
	if err != nil {
		return c.RespondError(msg.ID, stratum.ErrorInvalidParams, "Invalid difficulty")
	}
	if err := c.Respond(msg.ID, true); err != nil {
		return err
	}
	return c.Notify(notify)
}

func (b *Bridge) handleConfigure(c *stratum.Conn, msg *stratum.Message) error {
	req, err := stratum.ParseConfigureRequest(msg.Params)
	if err != nil {
		return c.RespondError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	var granted uint32
	if requested, ok := req.VersionRollingMask(); ok {
		granted = c.Worker().Configure(requested)
	}
	return c.Respond(msg.ID, stratum.ConfigureResult(req, granted, granted != 0))
}

func workerEvent(c *stratum.Conn, connected bool) *messaging.WorkerEvent {
	w := c.Worker()
	stats := w.Stats()
	return &messaging.WorkerEvent{
		Identity:     w.Identity(),
		Worker:       w.FullName(),
		RemoteAddr:   c.RemoteAddr(),
		UserAgent:    w.UserAgent(),
		Connected:    connected,
		Difficulty:   w.Difficulty(),
		Accepted:     stats.Accepted,
		Rejected:     stats.Rejected,
		Stale:        stats.Stale,
		Blocks:       stats.Blocks,
		AcceptedWork: stats.AcceptedWork,
		LastShareAt:  stats.LastShareAt,
		ConnectedAt:  c.ConnectedAt(),
		UpdatedAt:    time.Now(),
	}
}
