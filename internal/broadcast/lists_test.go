package broadcast

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"testing"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddContactsDedupesCanonicalNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 0)

	res, err := f.lists.AddContacts(ctx, owner, list.ID, []models.ContactInput{
		{Number: "+1 555-0100", Name: "Ann"},
		{Number: "5550100", Name: "Ann again"},
		{Number: "12", Name: "too short"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"12"}, res.Invalid)

	contacts, err := f.lists.ListContacts(ctx, owner, list.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "15550100", contacts[0].ContactNumber)
	assert.Equal(t, "Ann", contacts[0].ContactName)
}

func TestAddContactsUpsertReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 2)

	contacts, err := f.lists.ListContacts(ctx, owner, list.ID)
	require.NoError(t, err)
	require.NoError(t, f.lists.RemoveContact(ctx, owner, list.ID, contacts[0].ID))

	after, err := f.lists.ListContacts(ctx, owner, list.ID)
	require.NoError(t, err)
	assert.Len(t, after, 1)

	_, err = f.lists.AddContacts(ctx, owner, list.ID, []models.ContactInput{{Number: "+15550001", Name: "renamed"}})
	require.NoError(t, err)

	after, err = f.lists.ListContacts(ctx, owner, list.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, contacts[0].ID, after[0].ID, "same row, no duplicate")
	assert.Equal(t, "renamed", after[0].ContactName)
}

func TestListOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 1)

	_, err := f.lists.GetList(ctx, stranger, list.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.lists.AddContacts(ctx, stranger, list.ID, []models.ContactInput{{Number: "+15550100"}})
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.ErrorIs(t, f.lists.DeleteList(ctx, stranger, list.ID), errs.ErrForbidden)

	_, err = f.lists.CreateList(ctx, stranger, models.CreateListRequest{SessionID: sessionID, Name: "mine"})
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.lists.CreateList(ctx, owner, models.CreateListRequest{SessionID: "missing", Name: "mine"})
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	_, err = f.lists.CreateList(ctx, owner, models.CreateListRequest{SessionID: sessionID, Name: strings.Repeat("n", 101)})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestUpdateAndListLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 3)

	updated, err := f.lists.UpdateList(ctx, owner, list.ID, models.UpdateListRequest{Name: "vip", Description: "top buyers"})
	require.NoError(t, err)
	assert.Equal(t, "vip", updated.Name)
	assert.EqualValues(t, 3, updated.ContactCount)

	all, err := f.lists.ListLists(ctx, owner)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.EqualValues(t, 3, all[0].ContactCount)
}

func TestDeleteListRejectedWhileCampaignInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 3)
	f.sender.onSend = func(n int, _ string) {
		if n == 1 {
			f.pauseSending(t)
		}
	}
	c := f.start(t, list.ID, 50)
	f.waitStatus(t, c.ID, models.CampaignPaused)

	assert.ErrorIs(t, f.lists.DeleteList(ctx, owner, list.ID), errs.ErrInvalidState)

	require.NoError(t, f.service.StopCampaign(ctx, owner, c.ID))
	require.NoError(t, f.lists.DeleteList(ctx, owner, list.ID))
	_, err := f.lists.GetList(ctx, owner, list.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestContactEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 4)
	contacts, err := f.lists.ListContacts(ctx, owner, list.ID)
	require.NoError(t, err)

	require.NoError(t, f.lists.UpdateContact(ctx, owner, list.ID, contacts[0].ID, "  Bob  "))
	assert.ErrorIs(t, f.lists.UpdateContact(ctx, owner, list.ID, 999, "x"), errs.ErrNotFound)

	n, err := f.lists.RemoveContacts(ctx, owner, list.ID, []uint{contacts[1].ID, contacts[2].ID, 999})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.ErrorIs(t, f.lists.RemoveContact(ctx, owner, list.ID, contacts[1].ID), errs.ErrNotFound)

	left, err := f.lists.ListContacts(ctx, owner, list.ID)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "Bob", left[0].ContactName)
}

func TestReadContactsCSV(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		max       int
		want      []models.ContactInput
		truncated bool
	}{
		{
			name: "with header",
			in:   "number,name\n+15550100,Ann\n15550101,Bob\n",
			want: []models.ContactInput{{Number: "+15550100", Name: "Ann"}, {Number: "15550101", Name: "Bob"}},
		},
		{
			name: "without header and name",
			in:   "15550100\n\n15550101, Bob\n",
			want: []models.ContactInput{{Number: "15550100"}, {Number: "15550101", Name: "Bob"}},
		},
		{
			name:      "capped",
			in:        "1\n2\n3\n",
			max:       2,
			want:      []models.ContactInput{{Number: "1"}, {Number: "2"}},
			truncated: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated, err := ReadContactsCSV(strings.NewReader(tt.in), tt.max)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truncated, truncated)
		})
	}

	_, _, err := ReadContactsCSV(strings.NewReader("\"unterminated\n"), 0)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestImportAndExportCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 0)

	in := "number,name\n+1 555-0100,Ann\n5550100,Dup\n15550101,Bob\nabc,Nobody\n"
	res, err := f.lists.ImportCSV(ctx, owner, list.ID, strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"abc"}, res.Invalid)
	assert.False(t, res.Truncated)

	var buf bytes.Buffer
	require.NoError(t, f.lists.ExportCSV(ctx, owner, list.ID, &buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"number", "name", "created_at"}, rows[0])
	assert.Equal(t, []string{"15550100", "Ann"}, rows[1][:2])
	assert.Equal(t, []string{"15550101", "Bob"}, rows[2][:2])

	_, err = f.lists.ImportCSV(ctx, owner, list.ID, strings.NewReader("number,name\n"))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestImportCSVCapsAtMaxBatch(t *testing.T) {
	f := newFixture(t)
	f.lists.maxBatch = 3
	list := f.listWith(t, 0)

	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "+1555%04d,c%d\n", i, i)
	}
	res, err := f.lists.ImportCSV(context.Background(), owner, list.ID, strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)
	assert.True(t, res.Truncated)
}

func TestWriteReport(t *testing.T) {
	f := newFixture(t)
	list := f.listWith(t, 2)
	c := f.start(t, list.ID, 50)
	f.waitStatus(t, c.ID, models.CampaignCompleted)

	_, msgs, err := f.service.Messages(context.Background(), owner, c.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, msgs))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"contact_number", "contact_name", "status", "sent_at", "delivered_at", "error_message"}, rows[0])
	assert.Equal(t, "15550001", rows[1][0])
	assert.Equal(t, models.MessageSent, rows[1][2])
	assert.NotEmpty(t, rows[1][3])
	assert.Empty(t, rows[1][4])
}
