package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wa_broadcast/internal/config"
	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/repository"
	"wa_broadcast/internal/whatsapp"

	"github.com/rs/zerolog"
)

// SessionOwner resolves a session owned by a user.
type SessionOwner interface {
	GetOwned(ctx context.Context, sessionID string, userID uint) (*models.WhatsAppSession, error)
}

// StatusReader exposes session readiness.
type StatusReader interface {
	GetStatus(sessionID string) whatsapp.Status
}

// Service is the campaign API on top of the engine. It keeps the set of running
// loops so a campaign never has two.
type Service struct {
	repo     *repository.BroadcastRepository
	sessions SessionOwner
	status   StatusReader
	engine   *Engine
	cfg      config.BroadcastConfig
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[uint]struct{}
}

func NewService(repo *repository.BroadcastRepository, sessions SessionOwner, status StatusReader, engine *Engine, cfg config.BroadcastConfig, log zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:     repo,
		sessions: sessions,
		status:   status,
		engine:   engine,
		cfg:      cfg,
		log:      log.With().Str("component", "broadcast_service").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[uint]struct{}),
	}
}

// StartCampaign snapshots the list's active contacts into a new campaign and,
// unless the request carries a schedule, starts sending in the background.
func (s *Service) StartCampaign(ctx context.Context, userID uint, req models.StartCampaignRequest) (*models.BroadcastCampaign, error) {
	if req.ScheduledAt != nil {
		return s.ScheduleCampaign(ctx, userID, req)
	}
	c, err := s.createCampaign(ctx, userID, req, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimAndLaunch(ctx, c, models.CampaignDraft); err != nil {
		return nil, err
	}
	c.Status = models.CampaignSending
	return c, nil
}

// ScheduleCampaign stores a draft campaign the scheduler starts at req.ScheduledAt.
func (s *Service) ScheduleCampaign(ctx context.Context, userID uint, req models.StartCampaignRequest) (*models.BroadcastCampaign, error) {
	if req.ScheduledAt == nil || !req.ScheduledAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: scheduled_at must be in the future", errs.ErrInvalidInput)
	}
	return s.createCampaign(ctx, userID, req, false)
}

func (s *Service) createCampaign(ctx context.Context, userID uint, req models.StartCampaignRequest, needReady bool) (*models.BroadcastCampaign, error) {
	name := strings.TrimSpace(req.CampaignName)
	if name == "" {
		return nil, fmt.Errorf("%w: campaign name is required", errs.ErrInvalidInput)
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if msgType == models.MessageTypeText && strings.TrimSpace(req.MessageContent) == "" {
		return nil, fmt.Errorf("%w: message content is required", errs.ErrInvalidInput)
	}
	if msgType != models.MessageTypeText && req.MediaURL == "" {
		return nil, fmt.Errorf("%w: media_url is required for %s messages", errs.ErrInvalidInput, msgType)
	}

	list, err := s.repo.GetList(ctx, req.ListID)
	if err != nil {
		return nil, err
	}
	if list.UserID != userID {
		return nil, errs.ErrForbidden
	}
	if _, err := s.sessions.GetOwned(ctx, list.SessionID, userID); err != nil {
		return nil, err
	}
	if needReady && !s.status.GetStatus(list.SessionID).Ready {
		return nil, fmt.Errorf("session %s: %w", list.SessionID, errs.ErrClientNotReady)
	}

	recipients, err := s.repo.ListContacts(ctx, list.ID, s.cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: list has no active contacts", errs.ErrInvalidInput)
	}

	c := &models.BroadcastCampaign{
		ListID:         list.ID,
		UserID:         userID,
		SessionID:      list.SessionID,
		CampaignName:   name,
		MessageType:    msgType,
		MessageContent: req.MessageContent,
		MediaURL:       req.MediaURL,
		MediaFilename:  req.MediaFilename,
		Status:         models.CampaignDraft,
		DelayMs:        s.cfg.ClampDelay(req.DelayMs),
		ScheduledAt:    req.ScheduledAt,
	}
	if err := s.repo.CreateCampaign(ctx, c, recipients); err != nil {
		return nil, err
	}
	s.log.Info().Uint("campaign_id", c.ID).Uint("user_id", userID).Int("recipients", c.TotalContacts).Int("delay_ms", c.DelayMs).Msg("campaign created")
	return c, nil
}

// claimAndLaunch moves the campaign from one of `from` to sending and starts its
// loop. Callers hold s.mu.
func (s *Service) claimAndLaunch(ctx context.Context, c *models.BroadcastCampaign, from ...string) error {
	if _, ok := s.running[c.ID]; ok {
		return fmt.Errorf("%w: campaign %d is already running", errs.ErrConflict, c.ID)
	}
	ok, err := s.repo.TransitionStatus(ctx, c.ID, from, models.CampaignSending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %d cannot start from its current status", errs.ErrInvalidState, c.ID)
	}
	s.launch(JobFor(c))
	return nil
}

// launch starts the loop of a campaign. Callers hold s.mu.
func (s *Service) launch(job Job) {
	s.running[job.CampaignID] = struct{}{}
	s.wg.Add(1)
	go s.run(job)
}

func (s *Service) run(job Job) {
	defer s.wg.Done()
	for {
		status, err := s.engine.Run(s.ctx, job)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Uint("campaign_id", job.CampaignID).Msg("campaign run ended with error")
		}

		s.mu.Lock()
		if err == nil && status == models.CampaignPaused && s.ctx.Err() == nil {
			// A resume may have landed while the loop was winding down.
			cur, cerr := s.repo.CampaignStatus(context.Background(), job.CampaignID)
			if cerr == nil && cur == models.CampaignSending {
				s.mu.Unlock()
				continue
			}
		}
		delete(s.running, job.CampaignID)
		s.mu.Unlock()
		return
	}
}

// IsRunning reports whether a loop is active for the campaign.
func (s *Service) IsRunning(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *Service) owned(ctx context.Context, userID, id uint) (*models.BroadcastCampaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, errs.ErrForbidden
	}
	return c, nil
}

// PauseCampaign asks the running loop to stop after its in-flight send.
func (s *Service) PauseCampaign(ctx context.Context, userID, id uint) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	ok, err := s.repo.TransitionStatus(ctx, id, []string{models.CampaignSending}, models.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: only a sending campaign can be paused", errs.ErrInvalidState)
	}
	s.log.Info().Uint("campaign_id", id).Msg("campaign pause requested")
	return nil
}

// ResumeCampaign sends to the still-pending recipients of a paused campaign.
func (s *Service) ResumeCampaign(ctx context.Context, userID, id uint) error {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignPaused {
		return fmt.Errorf("%w: only a paused campaign can be resumed", errs.ErrInvalidState)
	}
	if !s.status.GetStatus(c.SessionID).Ready {
		return fmt.Errorf("session %s: %w", c.SessionID, errs.ErrClientNotReady)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		// The loop has not noticed the pause yet; flipping the status back keeps it going.
		ok, err := s.repo.TransitionStatus(ctx, id, []string{models.CampaignPaused}, models.CampaignSending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: only a paused campaign can be resumed", errs.ErrInvalidState)
		}
		return nil
	}
	return s.claimAndLaunch(ctx, c, models.CampaignPaused)
}

// StopCampaign ends a sending or paused campaign as failed. Its pending
// recipients are failed, by the running loop or right away when none runs.
func (s *Service) StopCampaign(ctx context.Context, userID, id uint) error {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.repo.TransitionStatus(ctx, id, []string{models.CampaignSending, models.CampaignPaused}, models.CampaignFailed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: only a sending or paused campaign can be stopped", errs.ErrInvalidState)
	}
	s.log.Info().Uint("campaign_id", id).Msg("campaign stopped")
	if _, running := s.running[id]; running {
		return nil
	}
	return s.engine.Fail(JobFor(c), reasonStopped)
}

// DeleteCampaign removes a campaign that is not sending.
func (s *Service) DeleteCampaign(ctx context.Context, userID, id uint) error {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.running[id]; running || c.Status == models.CampaignSending {
		return fmt.Errorf("%w: a sending campaign cannot be deleted, stop it first", errs.ErrInvalidState)
	}
	return s.repo.DeleteCampaign(ctx, id)
}

func (s *Service) GetCampaign(ctx context.Context, userID, id uint) (*models.BroadcastCampaign, error) {
	return s.owned(ctx, userID, id)
}

func (s *Service) ListCampaigns(ctx context.Context, userID uint, status string) ([]models.BroadcastCampaign, error) {
	return s.repo.ListCampaigns(ctx, userID, status)
}

// Stats returns the per-status recipient counts of a campaign.
func (s *Service) Stats(ctx context.Context, userID, id uint) (*models.CampaignStats, error) {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.repo.CountMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, st := range []string{models.MessagePending, models.MessageSent, models.MessageDelivered, models.MessageRead, models.MessageFailed} {
		if _, ok := byStatus[st]; !ok {
			byStatus[st] = 0
		}
	}
	return &models.CampaignStats{
		CampaignID:    c.ID,
		Status:        c.Status,
		TotalContacts: c.TotalContacts,
		SentCount:     c.SentCount,
		FailedCount:   c.FailedCount,
		ByStatus:      byStatus,
	}, nil
}

// Messages returns the recipient rows of a campaign.
func (s *Service) Messages(ctx context.Context, userID, id uint) (*models.BroadcastCampaign, []models.BroadcastMessage, error) {
	c, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.Messages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

func (s *Service) Overview(ctx context.Context, userID uint) (*models.BroadcastOverview, error) {
	return s.repo.Overview(ctx, userID)
}

// DispatchScheduled starts every due draft campaign whose session is ready.
// Campaigns of sessions that are not ready are retried on the next call.
func (s *Service) DispatchScheduled(ctx context.Context) (int, error) {
	due, err := s.repo.DueScheduled(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	started := 0
	for i := range due {
		c := &due[i]
		if !s.status.GetStatus(c.SessionID).Ready {
			s.log.Warn().Uint("campaign_id", c.ID).Str("session_id", c.SessionID).Msg("scheduled campaign waiting for its session")
			continue
		}
		s.mu.Lock()
		err := s.claimAndLaunch(ctx, c, models.CampaignDraft)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Uint("campaign_id", c.ID).Msg("failed to start scheduled campaign")
			continue
		}
		started++
	}
	return started, nil
}

// Cleanup deletes finished campaigns older than the configured retention.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.CleanupDays)
	n, err := s.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("old campaigns removed")
	}
	return n, nil
}

// FailOrphaned fails every campaign left sending without a loop in this process,
// typically after an unclean exit.
func (s *Service) FailOrphaned(ctx context.Context) (int, error) {
	list, err := s.repo.CampaignsWithStatus(ctx, models.CampaignSending)
	if err != nil {
		return 0, err
	}
	failed := 0
	for i := range list {
		c := &list[i]
		s.mu.Lock()
		_, running := s.running[c.ID]
		s.mu.Unlock()
		if running {
			continue
		}
		ok, err := s.repo.TransitionStatus(ctx, c.ID, []string{models.CampaignSending}, models.CampaignFailed)
		if err != nil {
			return failed, err
		}
		if !ok {
			continue
		}
		if err := s.engine.Fail(JobFor(c), reasonOrphaned); err != nil {
			return failed, err
		}
		s.log.Warn().Uint("campaign_id", c.ID).Msg("orphaned campaign failed")
		failed++
	}
	return failed, nil
}

// HandleReceipt advances the recipients a delivery receipt refers to.
func (s *Service) HandleReceipt(ctx context.Context, sessionID string, r whatsapp.Receipt) {
	at := r.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	n, err := s.repo.ApplyReceipt(ctx, r.MessageIDs, r.Status, at)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to apply receipt")
		return
	}
	if n > 0 {
		s.log.Debug().Str("session_id", sessionID).Str("status", r.Status).Int64("rows", n).Msg("receipt applied")
	}
}

// Close interrupts running loops and waits for them, leaving their campaigns
// sending. It returns early when ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
