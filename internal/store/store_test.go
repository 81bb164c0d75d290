package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/JonMunkholm/activitysync/internal/config"
	"github.com/JonMunkholm/activitysync/internal/core"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{"memory", config.StorageConfig{Driver: config.DriverMemory}, false},
		{"sqlite", config.StorageConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "a.db")}, false},
		{"sqlite without path", config.StorageConfig{Driver: config.DriverSQLite}, true},
		{"unknown", config.StorageConfig{Driver: "mysql"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					s.Close()
					t.Fatal("Open succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			ctx := context.Background()
			if err := s.UpsertDay(ctx, core.DayCounter{Tenant: 1, Subject: 2, Day: "2024-03-01", Count: 3}); err != nil {
				t.Fatalf("UpsertDay: %v", err)
			}
			days, err := s.QueryDaysInMonth(ctx, 1, "2024-03")
			if err != nil || len(days) != 1 {
				t.Errorf("QueryDaysInMonth = %+v, %v", days, err)
			}
		})
	}
}
