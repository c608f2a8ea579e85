package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/config"
)

func TestNewBackend_NilConfig(t *testing.T) {
	_, err := NewBackend(context.Background(), nil, nil, testLogger(t))
	if err == nil {
		t.Fatal("Expected error for nil config")
	}
	if err.Error() != "history config cannot be nil" {
		t.Errorf("Expected 'history config cannot be nil', got %v", err)
	}
}

func TestNewBackend_NilLogger(t *testing.T) {
	_, err := NewBackend(context.Background(), &config.HistoryConfig{Backend: "file"}, nil, nil)
	if err == nil {
		t.Fatal("Expected error for nil logger")
	}
	if err.Error() != "logger cannot be nil" {
		t.Errorf("Expected 'logger cannot be nil', got %v", err)
	}
}

func TestNewBackend_Types(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		config   config.HistoryConfig
		wantName string
	}{
		{
			name:     "none",
			config:   config.HistoryConfig{Backend: "none"},
			wantName: "none",
		},
		{
			name:     "default is file",
			config:   config.HistoryConfig{Path: "/data/history.json"},
			wantName: "file",
		},
		{
			name:     "file",
			config:   config.HistoryConfig{Backend: "file", Path: "/data/history.json"},
			wantName: "file",
		},
		{
			name: "badger",
			config: config.HistoryConfig{
				Backend: "badger",
				Badger:  config.BadgerConfig{Path: filepath.Join(dir, "badger")},
			},
			wantName: "badger",
		},
		{
			name: "sqlite",
			config: config.HistoryConfig{
				Backend: "sqlite",
				SQLite:  config.SQLiteConfig{Path: filepath.Join(dir, "history.db")},
			},
			wantName: "sqlite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := NewBackend(context.Background(), &tt.config, afero.NewMemMapFs(), testLogger(t))
			if err != nil {
				t.Fatalf("NewBackend returned error: %v", err)
			}
			defer backend.Close()

			if got := backend.Capabilities().Name; got != tt.wantName {
				t.Errorf("expected backend %s, got %s", tt.wantName, got)
			}
		})
	}
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := NewBackend(context.Background(), &config.HistoryConfig{Backend: "influxdb"}, nil, testLogger(t))
	if err == nil {
		t.Fatal("Expected error for unknown backend")
	}
}
