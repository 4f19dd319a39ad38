package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"keygate/pkg/contracts/domain"
)

// Sheet column layout, one row per code:
// Code | ClientName | ClientPhone | ClientNotes | DurationDays | Status |
// CreatedAt | DeviceID | ActivatedAt | ExpiresAt
const sheetsRecordWidth = 10

// SheetsStore adapts a Google Sheets spreadsheet as the record store. It
// exists for small single-admin deployments where the spreadsheet doubles as
// the listing view.
//
// Two deliberate limitations, recorded in DESIGN.md: the Sheets API has no
// push channel, so change notification is polling-based; and the conditional
// write is guarded by a process-local mutex, which is only safe while this
// process is the sole writer.
type SheetsStore struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
	pollInterval  time.Duration

	mu sync.Mutex // serializes read-verify-write cycles

	watchMu  sync.Mutex
	watchers map[int]memWatcher
	nextID   int
	snapshot map[string]*domain.ActivationKey
	pollStop chan struct{}
}

// SheetsConfig carries the adapter configuration.
type SheetsConfig struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string
	PollInterval    time.Duration
}

// NewSheetsStore builds the Sheets service from a service-account credentials
// file and wraps the configured sheet.
func NewSheetsStore(ctx context.Context, cfg SheetsConfig) (*SheetsStore, error) {
	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &SheetsStore{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		pollInterval:  cfg.PollInterval,
		watchers:      make(map[int]memWatcher),
	}, nil
}

// Get implements Store.
func (s *SheetsStore) Get(ctx context.Context, code string) (*domain.ActivationKey, error) {
	_, rec, err := s.findRow(ctx, code)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Create implements Store. CreatedAt uses this adapter's clock: the Sheets
// API has no server-time primitive, so the store-clock guarantee is only as
// strong as the admin host's clock here.
func (s *SheetsStore) Create(ctx context.Context, key *domain.ActivationKey) (*domain.ActivationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.findRow(ctx, key.Code); err == nil {
		return nil, ErrExists
	} else if err != ErrNotFound {
		return nil, err
	}

	rec := key.Clone()
	rec.CreatedAt = time.Now().UTC()

	values := &sheets.ValueRange{Values: [][]interface{}{recordToRow(rec)}}
	_, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, s.sheetName, values).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("append to sheet: %w", err)
	}

	s.emit(Event{Code: rec.Code, Key: rec.Clone()})
	return rec.Clone(), nil
}

// UpdateIf implements Store. Read-verify-write under the adapter mutex; see
// the type comment for the single-writer assumption.
func (s *SheetsStore) UpdateIf(ctx context.Context, code string, expect domain.KeyStatus, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowIdx, rec, err := s.findRow(ctx, code)
	if err != nil {
		return nil, err
	}
	if rec.Status != expect {
		return nil, ErrConflict
	}

	mutate(rec)
	if err := s.writeRow(ctx, rowIdx, rec); err != nil {
		return nil, err
	}
	s.emit(Event{Code: code, Key: rec.Clone()})
	return rec.Clone(), nil
}

// Apply implements Store.
func (s *SheetsStore) Apply(ctx context.Context, code string, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowIdx, rec, err := s.findRow(ctx, code)
	if err != nil {
		return nil, err
	}

	mutate(rec)
	if err := s.writeRow(ctx, rowIdx, rec); err != nil {
		return nil, err
	}
	s.emit(Event{Code: code, Key: rec.Clone()})
	return rec.Clone(), nil
}

// Remove implements Store. Rows are cleared rather than deleted so row
// indexes of other records stay stable; reads skip blank rows.
func (s *SheetsStore) Remove(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowIdx, _, err := s.findRow(ctx, code)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.svc.Spreadsheets.Values.
		Clear(s.spreadsheetID, s.rowRange(rowIdx), &sheets.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear sheet row: %w", err)
	}
	s.emit(Event{Code: code, Removed: true})
	return nil
}

// All implements Store.
func (s *SheetsStore) All(ctx context.Context) ([]*domain.ActivationKey, error) {
	rows, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ActivationKey, 0, len(rows))
	for _, rec := range rows {
		out = append(out, rec)
	}
	return out, nil
}

// Watch implements Store by polling. The first registered watcher starts the
// poll loop; the last one leaving stops it.
func (s *SheetsStore) Watch(ctx context.Context, code string, fn func(Event)) (UnsubscribeFunc, error) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = memWatcher{code: code, fn: fn}
	if s.pollStop == nil {
		s.pollStop = make(chan struct{})
		go s.pollLoop(s.pollStop)
	}
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			if len(s.watchers) == 0 && s.pollStop != nil {
				close(s.pollStop)
				s.pollStop = nil
			}
			s.watchMu.Unlock()
		})
	}, nil
}

// Ping implements Store by fetching spreadsheet metadata.
func (s *SheetsStore) Ping(ctx context.Context) error {
	_, err := s.svc.Spreadsheets.Get(s.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets ping: %w", err)
	}
	return nil
}

func (s *SheetsStore) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce diffs the sheet against the last snapshot and emits one event per
// changed or removed record.
func (s *SheetsStore) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	current, err := s.readAll(ctx)
	if err != nil {
		return // transient poll failure, next tick retries
	}

	s.watchMu.Lock()
	previous := s.snapshot
	s.snapshot = current
	s.watchMu.Unlock()

	if previous == nil {
		return // first poll only primes the snapshot
	}
	for code, rec := range current {
		if old, ok := previous[code]; !ok || !old.Equal(rec) {
			s.emit(Event{Code: code, Key: rec.Clone()})
		}
	}
	for code := range previous {
		if _, ok := current[code]; !ok {
			s.emit(Event{Code: code, Removed: true})
		}
	}
}

func (s *SheetsStore) emit(ev Event) {
	s.watchMu.Lock()
	fns := make([]func(Event), 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.code == WatchAll || w.code == ev.Code {
			fns = append(fns, w.fn)
		}
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// readAll fetches the whole sheet and decodes every non-blank row, keyed by
// code. Row 0 is the header.
func (s *SheetsStore) readAll(ctx context.Context) (map[string]*domain.ActivationKey, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read from sheet: %w", err)
	}
	out := make(map[string]*domain.ActivationKey)
	for i, row := range resp.Values {
		if i == 0 {
			continue
		}
		rec, ok := rowToRecord(row)
		if !ok {
			continue
		}
		out[rec.Code] = rec
	}
	return out, nil
}

// findRow returns the zero-based row index and the record for code.
func (s *SheetsStore) findRow(ctx context.Context, code string) (int, *domain.ActivationKey, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).Context(ctx).Do()
	if err != nil {
		return 0, nil, fmt.Errorf("read from sheet: %w", err)
	}
	for i, row := range resp.Values {
		if i == 0 {
			continue
		}
		rec, ok := rowToRecord(row)
		if !ok || rec.Code != code {
			continue
		}
		return i, rec, nil
	}
	return 0, nil, ErrNotFound
}

// rowRange addresses one full-width record row in A1 notation.
func (s *SheetsStore) rowRange(rowIdx int) string {
	endCol := string(rune('A' + sheetsRecordWidth - 1))
	return fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx+1, endCol, rowIdx+1)
}

func (s *SheetsStore) writeRow(ctx context.Context, rowIdx int, rec *domain.ActivationKey) error {
	values := &sheets.ValueRange{Values: [][]interface{}{recordToRow(rec)}}
	_, err := s.svc.Spreadsheets.Values.
		Update(s.spreadsheetID, s.rowRange(rowIdx), values).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update sheet row: %w", err)
	}
	return nil
}

func recordToRow(rec *domain.ActivationKey) []interface{} {
	return []interface{}{
		rec.Code,
		rec.Client.Name,
		rec.Client.Phone,
		rec.Client.Notes,
		strconv.Itoa(rec.DurationDays),
		string(rec.Status),
		formatSheetTime(&rec.CreatedAt),
		rec.DeviceID,
		formatSheetTime(rec.ActivatedAt),
		formatSheetTime(rec.ExpiresAt),
	}
}

func rowToRecord(row []interface{}) (*domain.ActivationKey, bool) {
	code := cellString(row, 0)
	if code == "" {
		return nil, false
	}
	rec := &domain.ActivationKey{
		Code: code,
		Client: domain.ClientInfo{
			Name:  cellString(row, 1),
			Phone: cellString(row, 2),
			Notes: cellString(row, 3),
		},
		Status:   domain.KeyStatus(cellString(row, 5)),
		DeviceID: cellString(row, 7),
	}
	if days, err := strconv.Atoi(cellString(row, 4)); err == nil {
		rec.DurationDays = days
	}
	if t := parseSheetTime(cellString(row, 6)); t != nil {
		rec.CreatedAt = *t
	}
	rec.ActivatedAt = parseSheetTime(cellString(row, 8))
	rec.ExpiresAt = parseSheetTime(cellString(row, 9))
	return rec, true
}

func cellString(row []interface{}, idx int) string {
	if idx >= len(row) {
		return ""
	}
	str, _ := row[idx].(string)
	return str
}

func formatSheetTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSheetTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}
