package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// TableExporter provides access to database tables for export.
type TableExporter interface {
	GetTableNames(ctx context.Context) ([]string, error)
	GetTableData(ctx context.Context, tableName string, from, to time.Time) ([]map[string]any, []string, error)
}

// DocumentSender delivers a finished report.
type DocumentSender interface {
	SendDocument(ctx context.Context, filename string, data io.Reader, caption string) error
}

// Service builds the monthly report, keeps a copy in dir and hands it to
// the sender.
type Service struct {
	exporter TableExporter
	sender   DocumentSender
	dir      string
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a report service. sender may be nil.
func NewService(exporter TableExporter, sender DocumentSender, dir string, logger *zerolog.Logger) *Service {
	return &Service{
		exporter: exporter,
		sender:   sender,
		dir:      dir,
		now:      time.Now,
		logger:   logger.With().Str("component", "report").Logger(),
	}
}

// Filename names the report covering month, e.g. labbook_2026-02.xlsx.
func Filename(month time.Time) string {
	return fmt.Sprintf("labbook_%s.xlsx", month.Format("2006-01"))
}

// Start runs an export shortly after the first of every month until ctx is done.
func (s *Service) Start(ctx context.Context) {
	for {
		next := nextFirstOfMonth(s.now())
		s.logger.Info().Time("next_run", next).Msg("next report scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.Export(ctx); err != nil {
			s.logger.Error().Err(err).Msg("monthly report failed")
		}
	}
}

func nextFirstOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 1, 0, 0, now.Location())
}

// previousMonth returns [first of last month, first of this month) in now's zone.
func previousMonth(now time.Time) (time.Time, time.Time) {
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return end.AddDate(0, -1, 0), end
}

// Export writes the rows each table recorded during the previous month to a
// workbook and returns the path of the saved file.
func (s *Service) Export(ctx context.Context) (string, error) {
	from, to := previousMonth(s.now())

	tables, err := s.exporter.GetTableNames(ctx)
	if err != nil {
		return "", fmt.Errorf("get table names: %w", err)
	}

	wb := NewWorkbook()
	defer wb.Close()

	for _, table := range tables {
		rows, columns, err := s.exporter.GetTableData(ctx, table, from, to)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", table, err)
		}
		if err := wb.AddSheet(table); err != nil {
			return "", err
		}
		if err := wb.WriteHeader(columns); err != nil {
			return "", fmt.Errorf("write header of %s: %w", table, err)
		}
		for _, row := range rows {
			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = row[col]
			}
			if err := wb.WriteRow(values); err != nil {
				return "", fmt.Errorf("write row of %s: %w", table, err)
			}
		}
		s.logger.Debug().Str("table", table).Int("rows", len(rows)).Msg("exported table")
	}

	var buf bytes.Buffer
	if err := wb.Write(&buf); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}

	filename := Filename(from)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	if s.sender != nil {
		caption := fmt.Sprintf("Monthly booking report %s", filename)
		if err := s.sender.SendDocument(ctx, filename, bytes.NewReader(buf.Bytes()), caption); err != nil {
			return path, fmt.Errorf("send document: %w", err)
		}
	}

	s.logger.Info().Str("path", path).Int("tables", len(tables)).Msg("report exported")
	return path, nil
}
