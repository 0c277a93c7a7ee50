package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 200

// BroadcastRepository persists lists, contacts, campaigns and per-recipient messages.
type BroadcastRepository struct {
	db *gorm.DB
}

func NewBroadcastRepository(db *gorm.DB) *BroadcastRepository {
	return &BroadcastRepository{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.ErrNotFound
	}
	return err
}

// ---- Lists ----

func (r *BroadcastRepository) CreateList(ctx context.Context, l *models.BroadcastList) error {
	l.IsActive = true
	return r.db.WithContext(ctx).Create(l).Error
}

// GetList returns an active list.
func (r *BroadcastRepository) GetList(ctx context.Context, id uint) (*models.BroadcastList, error) {
	var l models.BroadcastList
	if err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&l).Error; err != nil {
		return nil, notFound(err)
	}
	if err := r.db.WithContext(ctx).Model(&models.BroadcastContact{}).
		Where("list_id = ? AND is_active = ?", id, true).
		Count(&l.ContactCount).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLists returns the active lists of a user with their active contact counts.
func (r *BroadcastRepository) ListLists(ctx context.Context, userID uint) ([]models.BroadcastList, error) {
	var lists []models.BroadcastList
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at DESC").
		Find(&lists).Error; err != nil {
		return nil, err
	}
	if len(lists) == 0 {
		return lists, nil
	}

	ids := make([]uint, len(lists))
	for i, l := range lists {
		ids[i] = l.ID
	}
	var rows []struct {
		ListID uint
		N      int64
	}
	if err := r.db.WithContext(ctx).Model(&models.BroadcastContact{}).
		Select("list_id, COUNT(*) AS n").
		Where("list_id IN ? AND is_active = ?", ids, true).
		Group("list_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[uint]int64, len(rows))
	for _, row := range rows {
		counts[row.ListID] = row.N
	}
	for i := range lists {
		lists[i].ContactCount = counts[lists[i].ID]
	}
	return lists, nil
}

func (r *BroadcastRepository) UpdateList(ctx context.Context, id uint, name, description string) error {
	res := r.db.WithContext(ctx).Model(&models.BroadcastList{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{"name": name, "description": description})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeactivateList soft-deletes a list.
func (r *BroadcastRepository) DeactivateList(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.BroadcastList{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// CountInFlightCampaigns counts campaigns of a list that are sending or paused.
func (r *BroadcastRepository) CountInFlightCampaigns(ctx context.Context, listID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BroadcastCampaign{}).
		Where("list_id = ? AND status IN ?", listID, []string{models.CampaignSending, models.CampaignPaused}).
		Count(&n).Error
	return n, err
}

// ---- Contacts ----

// UpsertContacts inserts contacts keyed by (list, number). An existing row is
// reactivated and takes the new name. Numbers must already be normalized.
func (r *BroadcastRepository) UpsertContacts(ctx context.Context, listID uint, contacts []models.ContactInput) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	rows := make([]models.BroadcastContact, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, models.BroadcastContact{
			ListID:        listID,
			ContactNumber: c.Number,
			ContactName:   c.Name,
			IsActive:      true,
		})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "list_id"}, {Name: "contact_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"contact_name", "is_active", "updated_at"}),
	}).CreateInBatches(&rows, insertBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("upsert contacts into list %d: %w", listID, err)
	}
	return len(rows), nil
}

// ListContacts returns active contacts in insertion order. limit <= 0 means no limit.
func (r *BroadcastRepository) ListContacts(ctx context.Context, listID uint, limit int) ([]models.BroadcastContact, error) {
	q := r.db.WithContext(ctx).Where("list_id = ? AND is_active = ?", listID, true).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.BroadcastContact
	err := q.Find(&out).Error
	return out, err
}

func (r *BroadcastRepository) UpdateContactName(ctx context.Context, listID, contactID uint, name string) error {
	res := r.db.WithContext(ctx).Model(&models.BroadcastContact{}).
		Where("id = ? AND list_id = ? AND is_active = ?", contactID, listID, true).
		Update("contact_name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// DeactivateContacts soft-removes contacts from a list and returns how many changed.
func (r *BroadcastRepository) DeactivateContacts(ctx context.Context, listID uint, contactIDs []uint) (int64, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&models.BroadcastContact{}).
		Where("list_id = ? AND id IN ? AND is_active = ?", listID, contactIDs, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// ---- Campaigns ----

// CreateCampaign stores the campaign and one pending message per recipient in a single transaction.
func (r *BroadcastRepository) CreateCampaign(ctx context.Context, c *models.BroadcastCampaign, recipients []models.BroadcastContact) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c.TotalContacts = len(recipients)
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("create campaign: %w", err)
		}
		if len(recipients) == 0 {
			return nil
		}
		msgs := make([]models.BroadcastMessage, len(recipients))
		for i, rc := range recipients {
			msgs[i] = models.BroadcastMessage{
				CampaignID:    c.ID,
				ContactNumber: rc.ContactNumber,
				ContactName:   rc.ContactName,
				Status:        models.MessagePending,
			}
		}
		if err := tx.CreateInBatches(&msgs, insertBatchSize).Error; err != nil {
			return fmt.Errorf("create campaign messages: %w", err)
		}
		return nil
	})
}

func (r *BroadcastRepository) GetCampaign(ctx context.Context, id uint) (*models.BroadcastCampaign, error) {
	var c models.BroadcastCampaign
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CampaignStatus reads only the status column; the engine calls it before every attempt.
func (r *BroadcastRepository) CampaignStatus(ctx context.Context, id uint) (string, error) {
	var c models.BroadcastCampaign
	if err := r.db.WithContext(ctx).Select("id", "status").First(&c, id).Error; err != nil {
		return "", notFound(err)
	}
	return c.Status, nil
}

func (r *BroadcastRepository) ListCampaigns(ctx context.Context, userID uint, status string) ([]models.BroadcastCampaign, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.BroadcastCampaign
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// CampaignsWithStatus returns every campaign in the given status, oldest first.
func (r *BroadcastRepository) CampaignsWithStatus(ctx context.Context, status string) ([]models.BroadcastCampaign, error) {
	var out []models.BroadcastCampaign
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id ASC").Find(&out).Error
	return out, err
}

// TransitionStatus moves a campaign to `to` only if its current status is one of `from`.
// It reports whether the row changed.
func (r *BroadcastRepository) TransitionStatus(ctx context.Context, id uint, from []string, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	return res.RowsAffected > 0, res.Error
}

// MarkSending stamps the first start time of a campaign that is still sending.
// The status itself is owned by the caller that claimed the campaign.
func (r *BroadcastRepository) MarkSending(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status = ?", id, models.CampaignSending).
		Update("started_at", gorm.Expr("COALESCE(started_at, ?)", at)).Error
}

// SaveCounts writes the running sent/failed checkpoint.
func (r *BroadcastRepository) SaveCounts(ctx context.Context, id uint, sent, failed int) error {
	return r.db.WithContext(ctx).Model(&models.BroadcastCampaign{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"sent_count": sent, "failed_count": failed}).Error
}

// Finish writes the terminal status, final counts and completion time if the
// campaign is still in one of `from`. It reports whether the row changed.
func (r *BroadcastRepository) Finish(ctx context.Context, id uint, from []string, status string, sent, failed int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.BroadcastCampaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":       status,
			"sent_count":   sent,
			"failed_count": failed,
			"completed_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

// DeleteCampaign removes a campaign and its message rows.
func (r *BroadcastRepository) DeleteCampaign(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", id).Delete(&models.BroadcastMessage{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.BroadcastCampaign{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

// DueScheduled returns draft campaigns whose scheduled time has passed.
func (r *BroadcastRepository) DueScheduled(ctx context.Context, now time.Time) ([]models.BroadcastCampaign, error) {
	var out []models.BroadcastCampaign
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.CampaignDraft, now).
		Order("scheduled_at ASC").
		Find(&out).Error
	return out, err
}

// DeleteFinishedBefore removes terminal campaigns completed before cutoff, with their messages.
func (r *BroadcastRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.BroadcastCampaign{}).
			Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?",
				[]string{models.CampaignCompleted, models.CampaignFailed}, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("campaign_id IN ?", ids).Delete(&models.BroadcastMessage{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.BroadcastCampaign{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// ---- Messages ----

// PendingMessages returns the still-pending recipients of a campaign in snapshot order.
func (r *BroadcastRepository) PendingMessages(ctx context.Context, campaignID uint) ([]models.BroadcastMessage, error) {
	var out []models.BroadcastMessage
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.MessagePending).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// Messages returns every recipient row of a campaign in snapshot order.
func (r *BroadcastRepository) Messages(ctx context.Context, campaignID uint) ([]models.BroadcastMessage, error) {
	var out []models.BroadcastMessage
	err := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("id ASC").Find(&out).Error
	return out, err
}

// MarkMessageSent records a sent recipient. note keeps auxiliary diagnostics such as an ambiguous acknowledgement.
func (r *BroadcastRepository) MarkMessageSent(ctx context.Context, id uint, externalID, note string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.BroadcastMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.MessageSent,
			"message_id":    externalID,
			"error_message": note,
			"sent_at":       at,
		}).Error
}

func (r *BroadcastRepository) MarkMessageFailed(ctx context.Context, id uint, errText string) error {
	return r.db.WithContext(ctx).Model(&models.BroadcastMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.MessageFailed,
			"error_message": errText,
		}).Error
}

// FailPending marks every still-pending recipient of a campaign failed.
func (r *BroadcastRepository) FailPending(ctx context.Context, campaignID uint, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.BroadcastMessage{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.MessagePending).
		Updates(map[string]interface{}{"status": models.MessageFailed, "error_message": reason})
	return res.RowsAffected, res.Error
}

// CountMessages groups a campaign's recipients by status.
func (r *BroadcastRepository) CountMessages(ctx context.Context, campaignID uint) (map[string]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	if err := r.db.WithContext(ctx).Model(&models.BroadcastMessage{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

// ApplyReceipt advances sent messages to delivered or read. Statuses never move backwards.
func (r *BroadcastRepository) ApplyReceipt(ctx context.Context, externalIDs []string, status string, at time.Time) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	q := r.db.WithContext(ctx).Model(&models.BroadcastMessage{}).Where("message_id IN ?", externalIDs)
	var res *gorm.DB
	switch status {
	case models.MessageDelivered:
		res = q.Where("status = ?", models.MessageSent).
			Updates(map[string]interface{}{"status": models.MessageDelivered, "delivered_at": at})
	case models.MessageRead:
		res = q.Where("status IN ?", []string{models.MessageSent, models.MessageDelivered}).
			Updates(map[string]interface{}{
				"status":       models.MessageRead,
				"read_at":      at,
				"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
			})
	default:
		return 0, fmt.Errorf("%w: receipt status %q", errs.ErrInvalidInput, status)
	}
	return res.RowsAffected, res.Error
}

// Overview aggregates the broadcast activity of a user.
func (r *BroadcastRepository) Overview(ctx context.Context, userID uint) (*models.BroadcastOverview, error) {
	db := r.db.WithContext(ctx)
	out := &models.BroadcastOverview{ByStatus: map[string]int{}}

	if err := db.Model(&models.BroadcastList{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&out.TotalLists).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.BroadcastContact{}).
		Joins("JOIN broadcast_lists ON broadcast_lists.id = broadcast_contacts.list_id").
		Where("broadcast_lists.user_id = ? AND broadcast_lists.is_active = ? AND broadcast_contacts.is_active = ?", userID, true, true).
		Count(&out.TotalContacts).Error; err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		N      int
		Sent   int64
		Failed int64
	}
	if err := db.Model(&models.BroadcastCampaign{}).
		Select("status, COUNT(*) AS n, COALESCE(SUM(sent_count), 0) AS sent, COALESCE(SUM(failed_count), 0) AS failed").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out.ByStatus[row.Status] = row.N
		out.TotalCampaigns += int64(row.N)
		out.MessagesSent += row.Sent
		out.MessagesFailed += row.Failed
	}
	return out, nil
}

// Tally folds per-status counts into sent and failed totals. Delivered and read count as sent.
func Tally(byStatus map[string]int) (sent, failed int) {
	sent = byStatus[models.MessageSent] + byStatus[models.MessageDelivered] + byStatus[models.MessageRead]
	failed = byStatus[models.MessageFailed]
	return sent, failed
}
