package report

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeExporter struct {
	tables  map[string][]map[string]any
	cols    map[string][]string
	order   []string
	windows [][2]time.Time
}

func (f *fakeExporter) GetTableNames(context.Context) ([]string, error) {
	return f.order, nil
}

func (f *fakeExporter) GetTableData(_ context.Context, table string, from, to time.Time) ([]map[string]any, []string, error) {
	f.windows = append(f.windows, [2]time.Time{from, to})
	if _, ok := f.cols[table]; !ok {
		return nil, nil, errors.New("no such table")
	}
	return f.tables[table], f.cols[table], nil
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendDocument(ctx context.Context, filename string, data io.Reader, caption string) error {
	b, _ := io.ReadAll(data)
	return m.Called(ctx, filename, len(b) > 0, caption).Error(0)
}

func TestExportWritesSheetPerTable(t *testing.T) {
	exporter := &fakeExporter{
		order: []string{"bookings", "superuser_grant_events"},
		cols: map[string][]string{
			"bookings":               {"id", "status", "cost"},
			"superuser_grant_events": {"user_id", "facility_id", "event"},
		},
		tables: map[string][]map[string]any{
			"bookings": {
				{"id": "b1", "status": "approved", "cost": "2.50"},
				{"id": "b2", "status": "pending", "cost": "15.00"},
			},
			"superuser_grant_events": {
				{"user_id": "v", "facility_id": "lab-a", "event": "granted"},
			},
		},
	}
	sender := new(mockSender)
	sender.On("SendDocument", mock.Anything, "labbook_2026-02.xlsx", true, "Monthly booking report labbook_2026-02.xlsx").Return(nil).Once()

	logger := zerolog.Nop()
	svc := NewService(exporter, sender, t.TempDir(), &logger)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC) }

	path, err := svc.Export(context.Background())
	require.NoError(t, err)
	sender.AssertExpectations(t)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"bookings", "superuser_grant_events"}, f.GetSheetList())

	rows, err := f.GetRows("bookings")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"id", "status", "cost"},
		{"b1", "approved", "2.50"},
		{"b2", "pending", "15.00"},
	}, rows)

	events, err := f.GetRows("superuser_grant_events")
	require.NoError(t, err)
	assert.Equal(t, []string{"v", "lab-a", "granted"}, events[1])

	feb := [2]time.Time{
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, [][2]time.Time{feb, feb}, exporter.windows)
}

func TestPreviousMonth(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	from, to := previousMonth(time.Date(2027, 1, 1, 0, 1, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, loc), from)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, loc), to)
	assert.Equal(t, "labbook_2026-12.xlsx", Filename(from))
}

func TestExportFailsOnUnreadableTable(t *testing.T) {
	exporter := &fakeExporter{order: []string{"missing"}}
	logger := zerolog.Nop()
	svc := NewService(exporter, nil, t.TempDir(), &logger)

	_, err := svc.Export(context.Background())
	assert.Error(t, err)
}

func TestNextFirstOfMonth(t *testing.T) {
	got := nextFirstOfMonth(time.Date(2026, 12, 15, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 1, 0, 0, time.UTC), got)
}

func TestAddSheetTruncatesLongNames(t *testing.T) {
	wb := NewWorkbook()
	defer wb.Close()

	require.NoError(t, wb.AddSheet("a_table_name_that_is_far_too_long_for_excel"))
	assert.Len(t, wb.sheet, maxSheetName)
	assert.Error(t, NewWorkbook().WriteRow([]any{"x"}), "no active sheet")
}
