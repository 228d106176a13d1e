package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseFeedDefaults(t *testing.T) {
	data := []byte(`
name: idx
base_uri: https://query.example.com/odata/
token: abc
require_power_of_sale: true
`)
	got, err := ParseFeed(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := &FeedConfig{
		Name:               "idx",
		Source:             "idx",
		Channel:            "idx.property.pos",
		BaseURI:            "https://query.example.com/odata",
		Token:              "abc",
		Resource:           "Property",
		PageSize:           100,
		MaxPages:           50,
		RequirePowerOfSale: true,
		BackfillLimit:      200,
		PreviewTop:         5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseFeed mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFeedTokenFromEnv(t *testing.T) {
	t.Setenv("VOW_TOKEN", "secret")
	got, err := ParseFeed([]byte("name: vow\nbase_uri: https://vow.example.com\ntoken_env: VOW_TOKEN\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Token != "secret" {
		t.Fatalf("expected token from env, got %q", got.Token)
	}
	if got.Channel != "vow.property" {
		t.Fatalf("unexpected channel %q", got.Channel)
	}
}

func TestParseFeedErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "missing name", data: "base_uri: https://x"},
		{name: "missing base uri", data: "name: idx"},
		{name: "bad yaml", data: "name: [idx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFeed([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadReadsEnvAndFeeds(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "idx.yaml"), []byte("name: idx\nbase_uri: https://idx.example.com\n"), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	t.Setenv("FEEDS_DIR", dir)
	t.Setenv("HTTP_RETRIES", "7")
	t.Setenv("HTTP_TIMEOUT", "5s")
	t.Setenv("MEDIA_AUTO_DOWNLOAD", "true")
	t.Setenv("MEDIA_PATH_PREFIX", "/media/listings/")
	t.Setenv("RATE_MEDIA_SYNC_PER_MIN", "not-a-number")
	t.Setenv("MEDIA_CHANGES_CRON", "*/15 * * * *")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Retries != 7 {
		t.Errorf("retries = %d, want 7", cfg.HTTP.Retries)
	}
	if cfg.HTTP.Timeout != 5*time.Second {
		t.Errorf("timeout = %s, want 5s", cfg.HTTP.Timeout)
	}
	if !cfg.Media.AutoDownload {
		t.Error("expected auto download enabled")
	}
	if cfg.Media.PathPrefix != "media/listings" {
		t.Errorf("path prefix = %q", cfg.Media.PathPrefix)
	}
	if cfg.Jobs.MediaSyncPerMinute != 120 {
		t.Errorf("media sync rate = %d, want default 120", cfg.Jobs.MediaSyncPerMinute)
	}
	if cfg.Jobs.DrainTimeout != 10*time.Minute {
		t.Errorf("drain timeout = %s, want default 10m", cfg.Jobs.DrainTimeout)
	}
	if cfg.Media.ChangesCron != "*/15 * * * *" {
		t.Errorf("media changes cron = %q", cfg.Media.ChangesCron)
	}
	if diff := cmp.Diff([]string{"idx"}, cfg.FeedNames()); diff != "" {
		t.Errorf("feeds mismatch (-want +got):\n%s", diff)
	}
}

func TestMediaFeedSelection(t *testing.T) {
	cfg := &Config{Feeds: map[string]*FeedConfig{
		"vow": {Name: "vow"},
		"idx": {Name: "idx"},
	}}
	if got := cfg.MediaFeed(); got == nil || got.Name != "idx" {
		t.Fatalf("default media feed = %+v, want idx", got)
	}
	cfg.Media.Feed = "vow"
	if got := cfg.MediaFeed(); got.Name != "vow" {
		t.Fatalf("media feed = %s, want vow", got.Name)
	}
	if got := (&Config{}).MediaFeed(); got != nil {
		t.Fatalf("media feed without feeds = %+v", got)
	}
}
