package locator_test

import (
	"path/filepath"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/events"
	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/testsupport"
)

func newLocator(t *testing.T, cfg *config.Config) *locator.Locator {
	t.Helper()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return locator.New(cfg, logging.NewNop(), events.NoopPublisher{})
}

func TestProbeReportsReachableLocation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	loc := newLocator(t, cfg)

	statuses := loc.ProbeAll()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 location, got %d", len(statuses))
	}
	status := statuses[0]
	if status.Availability != locator.AvailabilityReachable {
		t.Fatalf("expected reachable, got %s (%s)", status.Availability, status.Detail)
	}
	if !status.Writable {
		t.Fatal("temp location should be writable")
	}
	if status.FreeBytes == 0 {
		t.Fatal("expected a free-capacity estimate")
	}
	if status.LastProbedAt.IsZero() {
		t.Fatal("expected probe timestamp")
	}
}

func TestProbeMarksMissingRootUnreachable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Locations = append(cfg.Locations, config.Location{
		ID:   "ghost",
		Root: filepath.Join(testsupport.BaseDir(cfg), "does-not-exist"),
		Scan: true,
	})
	loc := newLocator(t, cfg)

	loc.ProbeAll()
	status, ok := loc.Status("ghost")
	if !ok {
		t.Fatal("expected status for ghost location")
	}
	if status.Availability != locator.AvailabilityUnreachable {
		t.Fatalf("expected unreachable, got %s", status.Availability)
	}
	if status.Discoverable() {
		t.Fatal("unreachable location must not be discoverable")
	}
}

func TestDegradedLocationEmitsEventOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Locations = []config.Location{{
		ID:   "flaky",
		Root: filepath.Join(testsupport.BaseDir(cfg), "missing"),
		Scan: true,
	}}
	broker := events.NewBroker(10)
	loc := locator.New(cfg, logging.NewNop(), broker)

	loc.ProbeAll()
	loc.ProbeAll()

	var degraded int
	for _, event := range broker.Recent() {
		if event.Type == events.TypeLocationDegraded {
			degraded++
		}
	}
	if degraded != 1 {
		t.Fatalf("expected a single degraded event across repeated probes, got %d", degraded)
	}
}

func TestDiscoverOrdersNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	loc := newLocator(t, cfg)
	root := cfg.Locations[0].Root

	base := time.Now().Add(-time.Hour)
	testsupport.WriteMediaFile(t, root, "old.mkv", base)
	testsupport.WriteMediaFile(t, root, "newer.mkv", base.Add(10*time.Minute))
	testsupport.WriteMediaFile(t, root, "newest.mkv", base.Add(20*time.Minute))
	testsupport.WriteMediaFile(t, root, "notes.txt", base.Add(30*time.Minute))

	loc.ProbeAll()
	items, err := loc.Discover("primary", locator.DiscoverFilter{
		Extensions: []string{".mkv"},
	})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 media files, got %d", len(items))
	}
	if items[0].Path != "newest.mkv" || items[2].Path != "old.mkv" {
		t.Fatalf("expected newest-first ordering, got %#v", items)
	}
}

func TestDiscoverSkipsKnownAndHonorsLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	loc := newLocator(t, cfg)
	root := cfg.Locations[0].Root

	base := time.Now().Add(-time.Hour)
	testsupport.WriteMediaFile(t, root, "a.mkv", base)
	testsupport.WriteMediaFile(t, root, "b.mkv", base.Add(time.Minute))
	testsupport.WriteMediaFile(t, root, filepath.Join("season-1", "c.mkv"), base.Add(2*time.Minute))

	loc.ProbeAll()
	items, err := loc.Discover("primary", locator.DiscoverFilter{
		Extensions: []string{".mkv"},
		Known:      map[string]struct{}{"b.mkv": {}},
		MaxItems:   1,
	})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected prefix of 1 item, got %d", len(items))
	}
	if items[0].Path != filepath.Join("season-1", "c.mkv") {
		t.Fatalf("expected newest untracked item, got %q", items[0].Path)
	}
}

func TestDiscoverUnreachableLocationYieldsNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Locations = []config.Location{{
		ID:   "offline",
		Root: filepath.Join(testsupport.BaseDir(cfg), "offline"),
		Scan: true,
	}}
	loc := locator.New(cfg, logging.NewNop(), events.NoopPublisher{})

	loc.ProbeAll()
	items, err := loc.Discover("offline", locator.DiscoverFilter{})
	if err != nil {
		t.Fatalf("Discover must not fail for an unreachable location: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty discovery, got %d items", len(items))
	}
}
