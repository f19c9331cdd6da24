package locator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"conveyor/internal/config"
	"conveyor/internal/events"
	"conveyor/internal/logging"
)

// Availability classifies a location's probe result.
type Availability string

const (
	// AvailabilityReachable means the location passed its read/write probe.
	AvailabilityReachable Availability = "reachable"
	// AvailabilityDegraded means the location exists but failed a
	// permission or capacity probe; discovery skips it until it recovers.
	AvailabilityDegraded Availability = "degraded"
	// AvailabilityUnreachable means the location root is missing entirely.
	AvailabilityUnreachable Availability = "unreachable"
)

// LocationStatus is one location's last known probe result.
type LocationStatus struct {
	ID           string       `json:"id"`
	Root         string       `json:"root"`
	Availability Availability `json:"availability"`
	Writable     bool         `json:"writable"`
	FreeBytes    uint64       `json:"free_bytes"`
	LastProbedAt time.Time    `json:"last_probed_at"`
	Detail       string       `json:"detail,omitempty"`
}

// Discoverable reports whether new work may be enqueued from the location.
func (s LocationStatus) Discoverable() bool {
	return s.Availability == AvailabilityReachable && s.Writable
}

// Locator probes configured storage locations and discovers candidate work.
type Locator struct {
	locations []config.Location
	interval  time.Duration
	logger    *slog.Logger
	publisher events.Publisher

	// probe is swapped in tests to simulate failing mounts.
	probe func(root string) probeResult

	mu       sync.RWMutex
	statuses map[string]LocationStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type probeResult struct {
	availability Availability
	writable     bool
	freeBytes    uint64
	detail       string
}

// New builds a Locator from configuration. The publisher may be nil.
func New(cfg *config.Config, logger *slog.Logger, publisher events.Publisher) *Locator {
	interval := time.Duration(cfg.Discovery.ProbeInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Locator{
		locations: append([]config.Location(nil), cfg.Locations...),
		interval:  interval,
		logger:    logger.With(logging.String(logging.FieldComponent, "locator")),
		publisher: publisher,
		probe:     probeRoot,
		statuses:  make(map[string]LocationStatus, len(cfg.Locations)),
	}
}

// Start probes every location once, then launches one probe loop per
// location so a hung mount cannot stall the others.
func (l *Locator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	for _, location := range l.locations {
		l.probeOne(location)

		loc := location
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(l.interval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					l.probeOne(loc)
				}
			}
		}()
	}
}

// Stop halts the probe loops and waits for them to exit.
func (l *Locator) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// ProbeAll refreshes every location synchronously. The daemon status
// endpoint uses this when loops are not running.
func (l *Locator) ProbeAll() []LocationStatus {
	for _, location := range l.locations {
		l.probeOne(location)
	}
	return l.ListLocations()
}

// ListLocations returns the last known status for each configured location,
// in configuration order.
func (l *Locator) ListLocations() []LocationStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	statuses := make([]LocationStatus, 0, len(l.locations))
	for _, location := range l.locations {
		if status, ok := l.statuses[location.ID]; ok {
			statuses = append(statuses, status)
			continue
		}
		statuses = append(statuses, LocationStatus{
			ID:           location.ID,
			Root:         location.Root,
			Availability: AvailabilityUnreachable,
			Detail:       "not yet probed",
		})
	}
	return statuses
}

// Status returns the last known status for one location.
func (l *Locator) Status(locationID string) (LocationStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status, ok := l.statuses[locationID]
	return status, ok
}

func (l *Locator) probeOne(location config.Location) {
	result := l.probe(location.Root)
	status := LocationStatus{
		ID:           location.ID,
		Root:         location.Root,
		Availability: result.availability,
		Writable:     result.writable,
		FreeBytes:    result.freeBytes,
		LastProbedAt: time.Now().UTC(),
		Detail:       result.detail,
	}

	l.mu.Lock()
	previous, seen := l.statuses[location.ID]
	l.statuses[location.ID] = status
	l.mu.Unlock()

	wasHealthy := !seen || previous.Availability == AvailabilityReachable
	if status.Availability != AvailabilityReachable && wasHealthy {
		l.logger.Warn("storage location degraded",
			logging.String(logging.FieldLocation, location.ID),
			logging.String("availability", string(status.Availability)),
			logging.String("detail", status.Detail))
		l.publisher.Publish(events.Event{
			Type:       events.TypeLocationDegraded,
			Level:      events.LevelWarn,
			Message:    status.Detail,
			LocationID: location.ID,
		})
	}
	if status.Availability == AvailabilityReachable && seen && previous.Availability != AvailabilityReachable {
		l.logger.Info("storage location recovered",
			logging.String(logging.FieldLocation, location.ID))
		l.publisher.Publish(events.Event{
			Type:       events.TypeLocationRecovered,
			Message:    "location passed its probe again",
			LocationID: location.ID,
		})
	}
}

// probeRoot runs the lightweight reachability and write-permission checks
// against a location root.
func probeRoot(root string) probeResult {
	info, err := os.Stat(root)
	if err != nil {
		return probeResult{
			availability: AvailabilityUnreachable,
			detail:       "stat failed: " + err.Error(),
		}
	}
	if !info.IsDir() {
		return probeResult{
			availability: AvailabilityUnreachable,
			detail:       "location root is not a directory",
		}
	}

	result := probeResult{availability: AvailabilityReachable}

	if err := unix.Access(root, unix.R_OK|unix.X_OK); err != nil {
		return probeResult{
			availability: AvailabilityDegraded,
			detail:       "read probe failed: " + err.Error(),
		}
	}
	if err := unix.Access(root, unix.W_OK); err != nil {
		result.availability = AvailabilityDegraded
		result.detail = "write probe failed: " + err.Error()
	} else {
		result.writable = true
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		result.availability = AvailabilityDegraded
		result.detail = "statfs failed: " + err.Error()
		return result
	}
	result.freeBytes = stat.Bavail * uint64(stat.Bsize)
	return result
}
