package broadcast

import (
	"context"
	"fmt"
	"strings"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/repository"
	"wa_broadcast/internal/whatsapp"

	"github.com/rs/zerolog"
)

// AddResult reports how a batch of contacts was applied.
type AddResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"` // duplicates inside the batch
	Invalid []string `json:"invalid,omitempty"`
}

// Lists manages broadcast lists and their contacts for their owners.
type Lists struct {
	repo        *repository.BroadcastRepository
	sessions    SessionOwner
	countryCode string
	maxBatch    int
	log         zerolog.Logger
}

func NewLists(repo *repository.BroadcastRepository, sessions SessionOwner, countryCode string, maxBatch int, log zerolog.Logger) *Lists {
	return &Lists{
		repo:        repo,
		sessions:    sessions,
		countryCode: countryCode,
		maxBatch:    maxBatch,
		log:         log.With().Str("component", "broadcast_lists").Logger(),
	}
}

func (l *Lists) CreateList(ctx context.Context, userID uint, req models.CreateListRequest) (*models.BroadcastList, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len([]rune(name)) > 100 {
		return nil, fmt.Errorf("%w: list name must be 1 to 100 characters", errs.ErrInvalidInput)
	}
	if _, err := l.sessions.GetOwned(ctx, req.SessionID, userID); err != nil {
		return nil, err
	}
	list := &models.BroadcastList{
		UserID:      userID,
		SessionID:   req.SessionID,
		Name:        name,
		Description: req.Description,
	}
	if err := l.repo.CreateList(ctx, list); err != nil {
		return nil, err
	}
	l.log.Info().Uint("list_id", list.ID).Uint("user_id", userID).Msg("list created")
	return list, nil
}

// GetList returns an active list of the user.
func (l *Lists) GetList(ctx context.Context, userID, id uint) (*models.BroadcastList, error) {
	list, err := l.repo.GetList(ctx, id)
	if err != nil {
		return nil, err
	}
	if list.UserID != userID {
		return nil, errs.ErrForbidden
	}
	return list, nil
}

func (l *Lists) ListLists(ctx context.Context, userID uint) ([]models.BroadcastList, error) {
	return l.repo.ListLists(ctx, userID)
}

func (l *Lists) UpdateList(ctx context.Context, userID, id uint, req models.UpdateListRequest) (*models.BroadcastList, error) {
	if _, err := l.GetList(ctx, userID, id); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len([]rune(name)) > 100 {
		return nil, fmt.Errorf("%w: list name must be 1 to 100 characters", errs.ErrInvalidInput)
	}
	if err := l.repo.UpdateList(ctx, id, name, req.Description); err != nil {
		return nil, err
	}
	return l.repo.GetList(ctx, id)
}

// DeleteList soft-deletes a list that has no sending or paused campaign.
func (l *Lists) DeleteList(ctx context.Context, userID, id uint) error {
	if _, err := l.GetList(ctx, userID, id); err != nil {
		return err
	}
	n, err := l.repo.CountInFlightCampaigns(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: list has %d sending or paused campaign(s)", errs.ErrInvalidState, n)
	}
	if err := l.repo.DeactivateList(ctx, id); err != nil {
		return err
	}
	l.log.Info().Uint("list_id", id).Msg("list deleted")
	return nil
}

// AddContacts normalizes and upserts contacts. Numbers that collapse to the same
// canonical form inside the batch are stored once; the first occurrence wins.
func (l *Lists) AddContacts(ctx context.Context, userID, listID uint, contacts []models.ContactInput) (*AddResult, error) {
	if _, err := l.GetList(ctx, userID, listID); err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: no contacts given", errs.ErrInvalidInput)
	}
	if l.maxBatch > 0 && len(contacts) > l.maxBatch {
		return nil, fmt.Errorf("%w: at most %d contacts per request", errs.ErrInvalidInput, l.maxBatch)
	}

	res, rows := l.dedupe(contacts)
	added, err := l.repo.UpsertContacts(ctx, listID, rows)
	if err != nil {
		return nil, err
	}
	res.Added = added
	l.log.Info().Uint("list_id", listID).Int("added", res.Added).Int("skipped", res.Skipped).Int("invalid", len(res.Invalid)).Msg("contacts added")
	return res, nil
}

func (l *Lists) dedupe(contacts []models.ContactInput) (*AddResult, []models.ContactInput) {
	res := &AddResult{}
	seen := make(map[string]struct{}, len(contacts))
	rows := make([]models.ContactInput, 0, len(contacts))
	for _, c := range contacts {
		number, err := whatsapp.ValidateNumber(c.Number, l.countryCode)
		if err != nil {
			res.Invalid = append(res.Invalid, c.Number)
			continue
		}
		if _, dup := seen[number]; dup {
			res.Skipped++
			continue
		}
		seen[number] = struct{}{}
		rows = append(rows, models.ContactInput{Number: number, Name: whatsapp.Truncate(strings.TrimSpace(c.Name), 100)})
	}
	return res, rows
}

// ListContacts returns the active contacts of a list in insertion order.
func (l *Lists) ListContacts(ctx context.Context, userID, listID uint) ([]models.BroadcastContact, error) {
	if _, err := l.GetList(ctx, userID, listID); err != nil {
		return nil, err
	}
	return l.repo.ListContacts(ctx, listID, 0)
}

func (l *Lists) UpdateContact(ctx context.Context, userID, listID, contactID uint, name string) error {
	if _, err := l.GetList(ctx, userID, listID); err != nil {
		return err
	}
	return l.repo.UpdateContactName(ctx, listID, contactID, whatsapp.Truncate(strings.TrimSpace(name), 100))
}

func (l *Lists) RemoveContact(ctx context.Context, userID, listID, contactID uint) error {
	if _, err := l.GetList(ctx, userID, listID); err != nil {
		return err
	}
	n, err := l.repo.DeactivateContacts(ctx, listID, []uint{contactID})
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// RemoveContacts soft-removes several contacts and returns how many changed.
func (l *Lists) RemoveContacts(ctx context.Context, userID, listID uint, ids []uint) (int64, error) {
	if _, err := l.GetList(ctx, userID, listID); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no contact ids given", errs.ErrInvalidInput)
	}
	return l.repo.DeactivateContacts(ctx, listID, ids)
}
