// Package broadcast runs campaigns: it snapshots list contacts into per-recipient
// rows, sends them one by one through a session with pacing, and keeps the
// campaign counters and statuses durable so a paused campaign can resume.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wa_broadcast/internal/events"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/repository"
	"wa_broadcast/internal/retry"
	"wa_broadcast/internal/whatsapp"

	"github.com/rs/zerolog"
)

// Reasons written to recipients that never got an attempt.
const (
	reasonStopped  = "campaign stopped"
	reasonOrphaned = "campaign interrupted by a restart"
)

// CampaignStore is the durable state the engine drives.
type CampaignStore interface {
	CampaignStatus(ctx context.Context, id uint) (string, error)
	MarkSending(ctx context.Context, id uint, at time.Time) error
	PendingMessages(ctx context.Context, campaignID uint) ([]models.BroadcastMessage, error)
	MarkMessageSent(ctx context.Context, id uint, externalID, note string, at time.Time) error
	MarkMessageFailed(ctx context.Context, id uint, errText string) error
	SaveCounts(ctx context.Context, id uint, sent, failed int) error
	Finish(ctx context.Context, id uint, from []string, status string, sent, failed int, at time.Time) (bool, error)
	FailPending(ctx context.Context, campaignID uint, reason string) (int64, error)
	CountMessages(ctx context.Context, campaignID uint) (map[string]int, error)
}

// Sender delivers messages through a session.
type Sender interface {
	SendThrough(ctx context.Context, sessionID, target string, msg whatsapp.OutgoingMessage) (whatsapp.DeliveryOutcome, error)
	WaitReady(ctx context.Context, sessionID string, p retry.Policy) error
}

// EngineOptions tunes the engine.
type EngineOptions struct {
	CheckpointEvery int
	StoreRetry      retry.Policy // store writes
	ReadyWait       retry.Policy // session readiness before the first send
	CountryCode     string
}

// Job is one run of a campaign over its pending recipients.
type Job struct {
	CampaignID uint
	SessionID  string
	Message    whatsapp.OutgoingMessage
	Delay      time.Duration
	Total      int
}

// JobFor builds the job of a stored campaign.
func JobFor(c *models.BroadcastCampaign) Job {
	return Job{
		CampaignID: c.ID,
		SessionID:  c.SessionID,
		Message: whatsapp.OutgoingMessage{
			Type:          c.MessageType,
			Text:          c.MessageContent,
			MediaURL:      c.MediaURL,
			MediaFilename: c.MediaFilename,
		},
		Delay: time.Duration(c.DelayMs) * time.Millisecond,
		Total: c.TotalContacts,
	}
}

// Engine executes campaigns. It holds no per-campaign state; callers make sure
// only one Run per campaign is active.
type Engine struct {
	store     CampaignStore
	sender    Sender
	publisher events.Publisher
	log       zerolog.Logger
	opts      EngineOptions
}

func NewEngine(store CampaignStore, sender Sender, publisher events.Publisher, log zerolog.Logger, opts EngineOptions) *Engine {
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 10
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		store:     store,
		sender:    sender,
		publisher: publisher,
		log:       log.With().Str("component", "broadcast_engine").Logger(),
		opts:      opts,
	}
}

// errFatal marks conditions that abort the whole campaign.
var errFatal = errors.New("campaign aborted")

// Statuses a terminal write may replace. A loop that runs out of recipients
// only finishes a campaign nobody paused or stopped meanwhile.
var (
	fromRunning = []string{models.CampaignSending}
	fromAborted = []string{models.CampaignSending, models.CampaignFailed}
	fromStopped = []string{models.CampaignSending, models.CampaignPaused, models.CampaignFailed}
)

// Run sends to every pending recipient of the job in snapshot order and returns
// the status the campaign was left in. A paused campaign returns
// models.CampaignPaused with its remaining recipients still pending. When ctx is
// cancelled the campaign is left sending and ctx.Err() is returned.
func (e *Engine) Run(ctx context.Context, job Job) (string, error) {
	log := e.log.With().Uint("campaign_id", job.CampaignID).Str("session_id", job.SessionID).Logger()

	if err := e.sender.WaitReady(ctx, job.SessionID, e.opts.ReadyWait); err != nil {
		if ctx.Err() != nil {
			return models.CampaignSending, ctx.Err()
		}
		return e.abort(job, log, fmt.Errorf("%w: session unavailable: %v", errFatal, err))
	}

	if err := e.write(ctx, func(ctx context.Context) error {
		return e.store.MarkSending(ctx, job.CampaignID, time.Now())
	}); err != nil {
		return e.abortOrCancel(ctx, job, log, err)
	}

	var pending []models.BroadcastMessage
	if err := e.write(ctx, func(ctx context.Context) (err error) {
		pending, err = e.store.PendingMessages(ctx, job.CampaignID)
		return err
	}); err != nil {
		return e.abortOrCancel(ctx, job, log, err)
	}
	var byStatus map[string]int
	if err := e.write(ctx, func(ctx context.Context) (err error) {
		byStatus, err = e.store.CountMessages(ctx, job.CampaignID)
		return err
	}); err != nil {
		return e.abortOrCancel(ctx, job, log, err)
	}
	sent, failed := repository.Tally(byStatus)

	log.Info().Int("pending", len(pending)).Int("sent", sent).Int("failed", failed).Msg("campaign started")

	for i, m := range pending {
		var status string
		if err := e.write(ctx, func(ctx context.Context) (err error) {
			status, err = e.store.CampaignStatus(ctx, job.CampaignID)
			return err
		}); err != nil {
			return e.abortOrCancel(ctx, job, log, err)
		}

		switch status {
		case models.CampaignSending:
		case models.CampaignPaused:
			if err := e.checkpoint(ctx, job, sent, failed); err != nil {
				return e.abortOrCancel(ctx, job, log, err)
			}
			log.Info().Int("remaining", len(pending)-i).Msg("campaign paused")
			return models.CampaignPaused, nil
		default:
			log.Info().Str("status", status).Msg("campaign stopped")
			return e.finalize(job, log, models.CampaignFailed, reasonStopped, fromStopped)
		}

		ok, note, err := e.attempt(ctx, job, m)
		if err != nil {
			return e.abortOrCancel(ctx, job, log, err)
		}
		if ok {
			sent++
		} else {
			failed++
		}
		log.Debug().Uint("message_id", m.ID).Str("contact", m.ContactNumber).Bool("sent", ok).Str("note", note).Msg("recipient processed")

		if (i+1)%e.opts.CheckpointEvery == 0 {
			if err := e.checkpoint(ctx, job, sent, failed); err != nil {
				return e.abortOrCancel(ctx, job, log, err)
			}
		}

		if i < len(pending)-1 && job.Delay > 0 {
			t := time.NewTimer(job.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				log.Warn().Msg("campaign interrupted, left in sending")
				return models.CampaignSending, ctx.Err()
			case <-t.C:
			}
		}
	}

	final := models.CampaignCompleted
	if sent == 0 && failed > 0 {
		final = models.CampaignFailed
	}
	return e.finalize(job, log, final, "", fromRunning)
}

// attempt sends to one recipient and records the outcome. It reports whether
// the recipient counts as sent. Only store failures are returned as errors.
func (e *Engine) attempt(ctx context.Context, job Job, m models.BroadcastMessage) (bool, string, error) {
	// The outcome of a send that went out is recorded even if ctx ends meanwhile.
	wctx := context.WithoutCancel(ctx)

	target, err := whatsapp.ValidateNumber(m.ContactNumber, e.opts.CountryCode)
	if err != nil {
		text := whatsapp.Truncate(err.Error(), whatsapp.MaxErrorText)
		return false, text, e.write(wctx, func(ctx context.Context) error {
			return e.store.MarkMessageFailed(ctx, m.ID, text)
		})
	}

	out, err := e.sender.SendThrough(ctx, job.SessionID, target, job.Message)
	if err != nil {
		// The session dropped between attempts: a failure of this recipient only.
		out = whatsapp.DeliveryOutcome{Err: err}
	}

	if out.Delivered {
		note := out.ErrorText()
		at := time.Now()
		return true, note, e.write(wctx, func(ctx context.Context) error {
			return e.store.MarkMessageSent(ctx, m.ID, out.MessageID, note, at)
		})
	}
	text := out.ErrorText()
	return false, text, e.write(wctx, func(ctx context.Context) error {
		return e.store.MarkMessageFailed(ctx, m.ID, text)
	})
}

func (e *Engine) checkpoint(ctx context.Context, job Job, sent, failed int) error {
	if err := e.write(ctx, func(ctx context.Context) error {
		return e.store.SaveCounts(ctx, job.CampaignID, sent, failed)
	}); err != nil {
		return err
	}
	e.publish(job, events.CampaignProgress, models.CampaignSending, sent, failed)
	return nil
}

// finalize fails whatever is still pending, recounts from the store and writes
// the terminal status if the campaign is still in one of `from`. It uses its own
// context so shutdown cannot leave a half-written terminal state.
func (e *Engine) finalize(job Job, log zerolog.Logger, status, reason string, from []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if reason != "" {
		if err := e.write(ctx, func(ctx context.Context) error {
			_, err := e.store.FailPending(ctx, job.CampaignID, reason)
			return err
		}); err != nil {
			log.Error().Err(err).Msg("failed to fail pending recipients")
			return models.CampaignFailed, err
		}
	}

	var byStatus map[string]int
	if err := e.write(ctx, func(ctx context.Context) (err error) {
		byStatus, err = e.store.CountMessages(ctx, job.CampaignID)
		return err
	}); err != nil {
		log.Error().Err(err).Msg("failed to count recipients")
		return models.CampaignFailed, err
	}
	sent, failed := repository.Tally(byStatus)
	if status == models.CampaignCompleted && sent == 0 && failed > 0 {
		status = models.CampaignFailed
	}

	ok, err := e.finish(ctx, job, from, status, sent, failed)
	if err != nil {
		log.Error().Err(err).Msg("failed to finish campaign")
		return models.CampaignFailed, err
	}
	if !ok {
		// Paused or stopped while the last send was in flight.
		var cur string
		if err := e.write(ctx, func(ctx context.Context) (err error) {
			cur, err = e.store.CampaignStatus(ctx, job.CampaignID)
			return err
		}); err != nil {
			log.Error().Err(err).Msg("failed to read campaign status")
			return models.CampaignFailed, err
		}
		switch {
		case cur == models.CampaignFailed && status != models.CampaignFailed:
			status = models.CampaignFailed
			if _, err := e.finish(ctx, job, []string{models.CampaignFailed}, status, sent, failed); err != nil {
				log.Error().Err(err).Msg("failed to finish campaign")
				return models.CampaignFailed, err
			}
		case cur == models.CampaignPaused:
			if err := e.write(ctx, func(ctx context.Context) error {
				return e.store.SaveCounts(ctx, job.CampaignID, sent, failed)
			}); err != nil {
				log.Error().Err(err).Msg("failed to save counts")
				return models.CampaignFailed, err
			}
			e.publish(job, events.CampaignProgress, models.CampaignPaused, sent, failed)
			log.Info().Msg("campaign paused after its last recipient")
			return models.CampaignPaused, nil
		default:
			log.Info().Str("status", cur).Msg("campaign already finished elsewhere")
			return cur, nil
		}
	}

	e.publish(job, events.CampaignFinished, status, sent, failed)
	log.Info().Str("status", status).Int("sent", sent).Int("failed", failed).Int("total", job.Total).Msg("campaign finished")
	return status, nil
}

func (e *Engine) finish(ctx context.Context, job Job, from []string, status string, sent, failed int) (bool, error) {
	var ok bool
	err := e.write(ctx, func(ctx context.Context) (err error) {
		ok, err = e.store.Finish(ctx, job.CampaignID, from, status, sent, failed, time.Now())
		return err
	})
	return ok, err
}

// abort fails the campaign after an unrecoverable error. A campaign paused in
// the meantime keeps its pending recipients.
func (e *Engine) abort(job Job, log zerolog.Logger, cause error) (string, error) {
	log.Error().Err(cause).Msg("campaign aborted")
	if st, err := e.store.CampaignStatus(context.Background(), job.CampaignID); err == nil && st == models.CampaignPaused {
		log.Warn().Msg("campaign was paused, pending recipients kept")
		return models.CampaignPaused, cause
	}
	status, err := e.finalize(job, log, models.CampaignFailed, whatsapp.Truncate(cause.Error(), whatsapp.MaxErrorText), fromAborted)
	if err != nil {
		return models.CampaignFailed, errors.Join(cause, err)
	}
	return status, cause
}

func (e *Engine) abortOrCancel(ctx context.Context, job Job, log zerolog.Logger, err error) (string, error) {
	if ctx.Err() != nil {
		log.Warn().Msg("campaign interrupted, left in sending")
		return models.CampaignSending, ctx.Err()
	}
	return e.abort(job, log, fmt.Errorf("%w: store unavailable: %v", errFatal, err))
}

// write runs a store call under the store retry policy.
func (e *Engine) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.opts.StoreRetry, fn)
}

func (e *Engine) publish(job Job, eventType, status string, sent, failed int) {
	evt := events.New(eventType, job.SessionID, events.CampaignPayload{
		CampaignID:    job.CampaignID,
		Status:        status,
		TotalContacts: job.Total,
		SentCount:     sent,
		FailedCount:   failed,
	})
	if err := e.publisher.Publish(context.Background(), evt); err != nil {
		e.log.Warn().Err(err).Uint("campaign_id", job.CampaignID).Msg("publish campaign event")
	}
}

// Fail closes a campaign that has no running loop: pending recipients are
// failed with reason and the terminal counts are written.
func (e *Engine) Fail(job Job, reason string) error {
	log := e.log.With().Uint("campaign_id", job.CampaignID).Str("session_id", job.SessionID).Logger()
	_, err := e.finalize(job, log, models.CampaignFailed, reason, fromStopped)
	return err
}
