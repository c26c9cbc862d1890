// Package sheets mirrors a user's recent application records into a
// spreadsheet tab of their own.
package sheets

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

// Header is the first row written by ReplaceAll.
var Header = []string{"Thread ID", "Company", "Role", "Status", "Applied Date", "Source", "Confidence"}

// Mirror writes records to a spreadsheet with the caller's access token.
type Mirror struct {
	spreadsheetID string
	tabPrefix     string
	endpoint      string
	httpClient    *http.Client
	log           *zap.Logger
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithEndpoint points the mirror at a different API root.
func WithEndpoint(url string) Option { return func(m *Mirror) { m.endpoint = url } }

// WithHTTPClient sets the transport under the bearer token.
func WithHTTPClient(c *http.Client) Option { return func(m *Mirror) { m.httpClient = c } }

// New creates a Mirror. Tabs are named <tabPrefix>_<userID>.
func New(spreadsheetID, tabPrefix string, log *zap.Logger, opts ...Option) *Mirror {
	if tabPrefix == "" {
		tabPrefix = "Applications"
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mirror{spreadsheetID: spreadsheetID, tabPrefix: tabPrefix, log: log}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Configured reports whether a target spreadsheet is set.
func (m *Mirror) Configured() bool { return m.spreadsheetID != "" }

// Tab returns the tab name for a user.
func (m *Mirror) Tab(userID string) string {
	return m.tabPrefix + "_" + userID
}

// ReplaceAll clears the user's tab and writes the header plus one row per
// record. It returns the number of record rows written.
func (m *Mirror) ReplaceAll(ctx context.Context, accessToken, userID string, records []domain.Record) (int, error) {
	svc, err := m.service(ctx, accessToken)
	if err != nil {
		return 0, err
	}
	tab := m.Tab(userID)
	if err := m.ensureTab(ctx, svc, tab); err != nil {
		return 0, err
	}

	if _, err := svc.Spreadsheets.Values.Clear(m.spreadsheetID, a1(tab, "A:Z"), &gsheets.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return 0, fmt.Errorf("sheets clear failed: %w", err)
	}

	values := append([][]interface{}{toRow(Header)}, Rows(records)...)
	if _, err := svc.Spreadsheets.Values.Update(m.spreadsheetID, a1(tab, "A1"), &gsheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return 0, fmt.Errorf("sheets update failed: %w", err)
	}

	m.log.Info("sheet replaced", zap.String("user_id", userID), zap.String("tab", tab), zap.Int("rows", len(records)))
	return len(records), nil
}

// Append adds one row per record below the existing data.
func (m *Mirror) Append(ctx context.Context, accessToken, userID string, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	svc, err := m.service(ctx, accessToken)
	if err != nil {
		return 0, err
	}
	tab := m.Tab(userID)
	if err := m.ensureTab(ctx, svc, tab); err != nil {
		return 0, err
	}

	if _, err := svc.Spreadsheets.Values.Append(m.spreadsheetID, a1(tab, "A1"), &gsheets.ValueRange{Values: Rows(records)}).
		ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do(); err != nil {
		return 0, fmt.Errorf("sheets append failed: %w", err)
	}

	m.log.Info("sheet appended", zap.String("user_id", userID), zap.String("tab", tab), zap.Int("rows", len(records)))
	return len(records), nil
}

// ensureTab adds the tab when the spreadsheet lacks it.
func (m *Mirror) ensureTab(ctx context.Context, svc *gsheets.Service, tab string) error {
	ss, err := svc.Spreadsheets.Get(m.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets get failed: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == tab {
			return nil
		}
	}
	_, err = svc.Spreadsheets.BatchUpdate(m.spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{
		Requests: []*gsheets.Request{{
			AddSheet: &gsheets.AddSheetRequest{Properties: &gsheets.SheetProperties{Title: tab}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets add tab failed: %w", err)
	}
	return nil
}

func (m *Mirror) service(ctx context.Context, accessToken string) (*gsheets.Service, error) {
	if m.spreadsheetID == "" {
		return nil, fmt.Errorf("no spreadsheet configured")
	}
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if m.endpoint != "" {
		opts = append(opts, option.WithEndpoint(m.endpoint))
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}
	return svc, nil
}

// Rows renders records as sheet rows in Header order. Unset fields are
// empty strings and confidence is a rounded percentage.
func Rows(records []domain.Record) [][]interface{} {
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		rows = append(rows, []interface{}{
			r.ThreadID,
			domain.Deref(r.Company),
			domain.Deref(r.Role),
			domain.Deref(r.Status),
			domain.Deref(r.ApplicationDate),
			domain.Deref(r.Source),
			fmt.Sprintf("%d%%", int(math.Round(r.Confidence*100))),
		})
	}
	return rows
}

func toRow(cells []string) []interface{} {
	row := make([]interface{}, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}

// a1 builds a range reference with the tab name quoted.
func a1(tab, cells string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'!" + cells
}
