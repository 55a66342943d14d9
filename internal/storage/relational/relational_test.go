package relational

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/vida/internal/clock"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func ptr[T any](v T) *T { return &v }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "vida.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(Models()...))
	return conn
}

func TestStatusStoreMergeAndFallback(t *testing.T) {
	conn := openTestDB(t)
	c := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewStatusStore(conn, c)
	ctx := context.Background()

	_, err := store.Set(ctx, "t1", "INV-1", domain.StatusUpdate{Status: delivery.StatusError, Attempts: ptr(3), LastError: ptr("boom"), ProviderID: ptr("P-1")})
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = store.Set(ctx, "t2", "INV-1", domain.StatusUpdate{Status: delivery.StatusQueued})
	require.NoError(t, err)

	got, err := store.Get(ctx, "", "INV-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t2", got.Tenant, "fallback picks the most recent record")

	c.Advance(time.Minute)
	rec, err := store.Set(ctx, "t1", "INV-1", domain.StatusUpdate{Status: delivery.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, "P-1", rec.ProviderID)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.LastError)

	got, err = store.Get(ctx, "t1", "INV-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Empty(t, got.LastError)
	assert.True(t, got.UpdatedAt.Equal(c.Now()))

	got, err = store.Get(ctx, "t3", "INV-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	require.NoError(t, store.Reset(ctx))
	snapshot, err = store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestDeadLetterStore(t *testing.T) {
	conn := openTestDB(t)
	c := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewDeadLetterStore(conn, c)
	ctx := context.Background()

	first, err := store.Append(ctx, domain.DeadLetterItem{Tenant: "acme", InvoiceID: "INV-1", Error: "boom", Payload: json.RawMessage(`{"document":"PGEvPg=="}`)})
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = store.Append(ctx, domain.DeadLetterItem{Tenant: "other", InvoiceID: "INV-2", Error: "boom"})
	require.NoError(t, err)

	_, err = store.Append(ctx, domain.DeadLetterItem{ID: first.ID, InvoiceID: "INV-1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateDeadLetter)

	items, err := store.List(ctx, domain.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "INV-2", items[0].InvoiceID)
	assert.JSONEq(t, `{"document":"PGEvPg=="}`, string(items[1].Payload))

	items, err = store.List(ctx, domain.DeadLetterFilter{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	removed, err := store.Remove(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestHistoryStore(t *testing.T) {
	conn := openTestDB(t)
	store := NewHistoryStore(conn, nil)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, domain.HistoryEntry{RequestID: "a", Timestamp: base, TenantID: "acme", Status: domain.HistoryStatusOK}))
	require.NoError(t, store.Append(ctx, domain.HistoryEntry{
		RequestID:        "b",
		Timestamp:        base.Add(time.Second),
		Status:           domain.HistoryStatusError,
		ValidationErrors: []domain.ValidationIssue{{Path: "lines[0].qty", Msg: "required"}},
	}))

	entries, err := store.List(ctx, "*", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].RequestID)
	require.Len(t, entries[0].ValidationErrors, 1)
	assert.Equal(t, "lines[0].qty", entries[0].ValidationErrors[0].Path)

	entries, err = store.List(ctx, domain.DefaultTenant, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].RequestID)

	entries, err = store.List(ctx, "acme", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].RequestID)
}

func TestStatusStoreKeepsAdapter(t *testing.T) {
	store := NewStatusStore(openTestDB(t), nil)
	ctx := context.Background()

	_, err := store.Set(ctx, "t1", "INV-A", domain.StatusUpdate{Status: delivery.StatusQueued, Adapter: ptr("scrada"), ProviderID: ptr("D-1")})
	require.NoError(t, err)
	rec, err := store.Set(ctx, "t1", "INV-A", domain.StatusUpdate{Status: delivery.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, "scrada", rec.Adapter)

	got, err := store.Get(ctx, "t1", "INV-A")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "scrada", got.Adapter)
}

func TestStatusStoreFallbackTieBreaksByTenant(t *testing.T) {
	c := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewStatusStore(openTestDB(t), c)
	ctx := context.Background()

	_, err := store.Set(ctx, "zeta", "INV-T", domain.StatusUpdate{Status: delivery.StatusQueued})
	require.NoError(t, err)
	_, err = store.Set(ctx, "alpha", "INV-T", domain.StatusUpdate{Status: delivery.StatusSent})
	require.NoError(t, err)

	got, err := store.Get(ctx, "", "INV-T")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alpha", got.Tenant)
}

func TestDocumentArchive(t *testing.T) {
	c := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	archive := NewDocumentArchive(openTestDB(t), c)
	ctx := context.Background()

	got, err := archive.Get(ctx, "t1", "INV-D")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = archive.Put(ctx, domain.ArchivedDocument{Tenant: "t1", InvoiceID: "INV-D"})
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)

	_, err = archive.Put(ctx, domain.ArchivedDocument{Tenant: "t1", InvoiceID: "INV-D", ContentType: "application/xml", Document: []byte("<a/>")})
	require.NoError(t, err)
	c.Advance(time.Minute)
	stored, err := archive.Put(ctx, domain.ArchivedDocument{
		Tenant:     "t1",
		InvoiceID:  "INV-D",
		Source:     domain.DocumentSourceDelivered,
		ProviderID: "D-9",
		Status:     delivery.StatusDelivered,
		Document:   []byte("<ubl/>"),
	})
	require.NoError(t, err)
	assert.True(t, stored.ArchivedAt.Equal(c.Now()))

	got, err = archive.Get(ctx, "", "INV-D")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.Tenant)
	assert.Equal(t, domain.DocumentSourceDelivered, got.Source)
	assert.Equal(t, []byte("<ubl/>"), got.Document)
	assert.Equal(t, delivery.StatusDelivered, got.Status)

	require.NoError(t, archive.Reset(ctx))
	got, err = archive.Get(ctx, "t1", "INV-D")
	require.NoError(t, err)
	assert.Nil(t, got)
}
