package db

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeRow fills Scan destinations from a fixed value list, like a pgx.Row.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r.values[i].(uuid.UUID)
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			if v, ok := r.values[i].(*time.Time); ok {
				*p = v
			}
		case **string:
			if v, ok := r.values[i].(*string); ok {
				*p = v
			}
		case *[]byte:
			if v, ok := r.values[i].([]byte); ok {
				*p = v
			}
		}
	}
	return nil
}

func TestScanScheduledMessage(t *testing.T) {
	id, trip, author := uuid.New(), uuid.New(), uuid.New()
	at := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	weekly := "weekly"

	tests := []struct {
		name        string
		details     any
		wantDetails string
	}{
		{"with details", []byte(`{"days":[1]}`), `{"days":[1]}`},
		{"null details", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := fakeRow{values: []any{
				id, trip, author, ChannelChat, "hello",
				at, &at, nil, StatusPending,
				&weekly, tt.details, "Europe/Berlin", nil,
				at, at,
			}}

			msg, err := scanScheduledMessage(row)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.ID != id || msg.TripID != trip || msg.CreatedBy != author {
				t.Errorf("ids not scanned: %+v", msg)
			}
			if msg.NextSendAt == nil || !msg.NextSendAt.Equal(at) {
				t.Errorf("expected next_send_at %v, got %v", at, msg.NextSendAt)
			}
			if msg.LastSentAt != nil || msg.ErrorMessage != nil {
				t.Error("expected nullable columns to stay nil")
			}
			if string(msg.RecurrenceDetails) != tt.wantDetails {
				t.Errorf("expected details %q, got %q", tt.wantDetails, msg.RecurrenceDetails)
			}
		})
	}
}

func TestScanScheduledMessage_Error(t *testing.T) {
	boom := errors.New("boom")
	if _, err := scanScheduledMessage(fakeRow{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected scan error, got %v", err)
	}
}

func TestNullableJSON(t *testing.T) {
	if v := nullableJSON(nil); v != nil {
		t.Errorf("expected nil for empty details, got %v", v)
	}
	if v := nullableJSON(json.RawMessage(`{"days":[0]}`)); v != `{"days":[0]}` {
		t.Errorf("expected string JSON, got %v", v)
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "waypoint", Database: "waypoint", SSLMode: "disable"}
	if dsn := cfg.DSN(); strings.Contains(dsn, "password") {
		t.Errorf("empty password must be omitted: %s", dsn)
	}

	cfg.Password = "secret"
	if dsn := cfg.DSN(); !strings.Contains(dsn, "password=secret") || !strings.Contains(dsn, "port=5432") {
		t.Errorf("unexpected dsn: %s", dsn)
	}
}
