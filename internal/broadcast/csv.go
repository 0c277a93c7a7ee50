package broadcast

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/whatsapp"
)

// ImportResult reports a CSV import.
type ImportResult struct {
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Invalid   []string `json:"invalid,omitempty"`
	Truncated bool     `json:"truncated"` // rows past the batch cap were ignored
}

// ReadContactsCSV parses `number,name` rows. A first row without any digit in
// its first column is taken as a header. At most max rows are returned (max <= 0
// means no cap); the second result tells whether rows were left out.
func ReadContactsCSV(r io.Reader, max int) ([]models.ContactInput, bool, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []models.ContactInput
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: malformed csv: %v", errs.ErrInvalidInput, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if first {
			first = false
			if whatsapp.NormalizeNumber(rec[0]) == "" {
				continue
			}
		}
		if max > 0 && len(out) == max {
			return out, true, nil
		}
		c := models.ContactInput{Number: strings.TrimSpace(rec[0])}
		if len(rec) > 1 {
			c.Name = strings.TrimSpace(rec[1])
		}
		out = append(out, c)
	}
}

// ImportCSV adds the contacts of a CSV upload to a list.
func (l *Lists) ImportCSV(ctx context.Context, userID, listID uint, r io.Reader) (*ImportResult, error) {
	if _, err := l.GetList(ctx, userID, listID); err != nil {
		return nil, err
	}
	contacts, truncated, err := ReadContactsCSV(r, l.maxBatch)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: csv has no contacts", errs.ErrInvalidInput)
	}

	res, rows := l.dedupe(contacts)
	added, err := l.repo.UpsertContacts(ctx, listID, rows)
	if err != nil {
		return nil, err
	}
	l.log.Info().Uint("list_id", listID).Int("imported", added).Int("skipped", res.Skipped).Bool("truncated", truncated).Msg("contacts imported")
	return &ImportResult{
		Imported:  added,
		Skipped:   res.Skipped,
		Invalid:   res.Invalid,
		Truncated: truncated,
	}, nil
}

// ExportCSV writes the active contacts of a list as `number,name,created_at`.
func (l *Lists) ExportCSV(ctx context.Context, userID, listID uint, w io.Writer) error {
	contacts, err := l.ListContacts(ctx, userID, listID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"number", "name", "created_at"}); err != nil {
		return err
	}
	for _, c := range contacts {
		if err := cw.Write([]string{c.ContactNumber, c.ContactName, c.CreatedAt.UTC().Format(time.RFC3339)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReport writes the per-recipient outcome of a campaign.
func WriteReport(w io.Writer, msgs []models.BroadcastMessage) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"contact_number", "contact_name", "status", "sent_at", "delivered_at", "error_message"}); err != nil {
		return err
	}
	for _, m := range msgs {
		row := []string{m.ContactNumber, m.ContactName, m.Status, stamp(m.SentAt), stamp(m.DeliveredAt), m.ErrorMessage}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
