// Package quota implements the Quota Ledger: per-principal monthly usage
// accounting with lazy persistence and a fixed-timezone reset schedule
// (spec.md §4.5).
package quota

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vitaliisemenov/llmgateway/internal/gatewayerr"
	"github.com/vitaliisemenov/llmgateway/pkg/metrics"
)

// reportingZone is the fixed reporting time zone all reset instants and
// client-visible timestamps are computed in (spec.md §6 "UTC+8 by design").
var reportingZone = time.FixedZone("UTC+8", 8*60*60)

// TierLimiter resolves a principal's tier to its monthly request limit.
// Satisfied by *config.Config via its LimitForTier method; kept as an
// interface here so the ledger does not import the config package directly.
type TierLimiter interface {
	LimitForTier(tier string) (int, bool)
}

// TierLookup resolves a principal's tier from the User Directory, NOT a
// static user list (spec.md §4.5 "on file miss it consults the User
// Directory").
type TierLookup func(principal string) (tier string, ok bool)

// state is one principal's in-memory, possibly-dirty ledger record.
type state struct {
	mu sync.Mutex

	Name               string    `json:"name"`
	Tier               string    `json:"tier"`
	MonthlyLimit       int       `json:"monthly_limit"`
	UsedCount          int       `json:"used_count"`
	LastPersistedCount int       `json:"last_persisted_count"`
	ResetAt            time.Time `json:"reset_at"`
	LastPersistedAt    time.Time `json:"last_persisted_at"`
	dirty              bool
}

// snapshot is a lock-free copy used for I/O, so disk access never happens
// while a state's own lock is held (spec.md §4.5 "Disk I/O is NEVER
// performed while holding the state lock").
type snapshot struct {
	Name               string    `json:"name"`
	Tier               string    `json:"tier"`
	MonthlyLimit       int       `json:"monthly_limit"`
	UsedCount          int       `json:"used_count"`
	LastPersistedCount int       `json:"last_persisted_count"`
	ResetAt            time.Time `json:"reset_at"`
	LastPersistedAt    time.Time `json:"last_persisted_at"`
}

func (s *state) snapshotLocked() snapshot {
	return snapshot{
		Name: s.Name, Tier: s.Tier, MonthlyLimit: s.MonthlyLimit,
		UsedCount: s.UsedCount, LastPersistedCount: s.LastPersistedCount,
		ResetAt: s.ResetAt, LastPersistedAt: s.LastPersistedAt,
	}
}

// Status is the read-only view returned by Peek and used by the reservation
// rejection path.
type Status struct {
	Principal string
	Tier      string
	Limit     int
	Used      int
	ResetAt   time.Time
}

// Remaining returns the number of chargeable requests left this period.
func (s Status) Remaining() int {
	if r := s.Limit - s.Used; r > 0 {
		return r
	}
	return 0
}

// UsagePercentage returns used/limit as a percentage, 0 when limit is 0.
func (s Status) UsagePercentage() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return 100 * float64(s.Used) / float64(s.Limit)
}

// Reservation is a held quota increment, pending commit or refund.
type Reservation struct {
	principal string
	ledger    *Ledger
	resolved  bool
	mu        sync.Mutex
}

// Commit finalizes the reservation. The increment already happened at
// reservation time, so Commit performs no state change; it exists to make
// the call site's intent explicit and to trigger the lazy write-back check.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.ledger.maybePersist(r.principal)
}

// Refund decrements used_count for the reservation's principal, floored at
// zero. Used when the upstream call fails before any chargeable work began.
func (r *Reservation) Refund() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.resolved = true
	r.ledger.refund(r.principal)
}

// Ledger is the Quota Ledger. One process-wide instance serves all
// principals; each principal's state is loaded lazily and cached forever
// (bounded by the User Directory's own principal count).
type Ledger struct {
	dataDir      string
	saveInterval int
	resetDay     int
	tiers        TierLimiter
	lookupTier   TierLookup
	logger       *slog.Logger
	metrics      *metrics.QuotaMetrics

	mu     sync.Mutex
	states map[string]*state
}

// New constructs a Quota Ledger persisting under dataDir. m may be nil, in
// which case reservation/refund/write-back/reset events simply go unrecorded.
func New(dataDir string, saveInterval, resetDay int, tiers TierLimiter, lookupTier TierLookup, logger *slog.Logger, m *metrics.QuotaMetrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if saveInterval < 1 {
		saveInterval = 1
	}
	return &Ledger{
		dataDir:      dataDir,
		saveInterval: saveInterval,
		resetDay:     clampResetDay(resetDay),
		tiers:        tiers,
		lookupTier:   lookupTier,
		logger:       logger,
		metrics:      m,
		states:       make(map[string]*state),
	}
}

// clampResetDay only bounds the configured day to a calendar-plausible
// range; the per-month collapse of 29-31 onto the last actual day of a
// shorter month happens later, in nextResetDayAt.
func clampResetDay(day int) int {
	if day < 1 {
		return 1
	}
	if day > 31 {
		return 31
	}
	return day
}

// nextReset returns the next occurrence of the configured reset day at
// 00:00 in the reporting time zone, strictly after now, with the day
// clamped to the last valid day of the target month.
func (l *Ledger) nextReset(now time.Time) time.Time {
	now = now.In(reportingZone)
	candidate := nextResetDayAt(now.Year(), now.Month(), l.resetDay)
	if !candidate.After(now) {
		y, m := now.Year(), now.Month()
		m++
		if m > 12 {
			m = 1
			y++
		}
		candidate = nextResetDayAt(y, m, l.resetDay)
	}
	return candidate
}

func nextResetDayAt(year int, month time.Month, day int) time.Time {
	lastDay := daysInMonth(year, month)
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, 0, 0, 0, 0, reportingZone)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, reportingZone).Day()
}

func (l *Ledger) path(principal string) string {
	return filepath.Join(l.dataDir, principal+".json")
}

// load returns the cached state for principal, loading from disk or
// constructing a fresh state on miss. The cache lock is never held during
// file I/O or User Directory lookup (spec.md §4.5).
func (l *Ledger) load(principal string) (*state, error) {
	l.mu.Lock()
	if s, ok := l.states[principal]; ok {
		l.mu.Unlock()
		return s, nil
	}
	path := l.path(principal)
	l.mu.Unlock()

	s, err := readState(path)
	if err != nil {
		return nil, fmt.Errorf("read quota state for %q: %w", principal, err)
	}
	if s == nil {
		tier, ok := l.lookupTier(principal)
		if !ok {
			return nil, gatewayerr.New(gatewayerr.KindInternal, "unknown principal tier for quota state")
		}
		limit, _ := l.tiers.LimitForTier(tier)
		s = &state{
			Name: principal, Tier: tier, MonthlyLimit: limit,
			UsedCount: 0, LastPersistedCount: 0,
			ResetAt: l.nextReset(time.Now()),
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.states[principal]; ok {
		return existing, nil
	}
	l.states[principal] = s
	return s, nil
}

// Reserve ensures quota is available for one chargeable request and, if so,
// reserves it, returning a Reservation the caller must Commit or Refund.
// Charging order requires the concurrency slot be acquired before Reserve is
// called; Reserve itself does not know about the gate.
func (l *Ledger) Reserve(principal string) (*Reservation, error) {
	s, err := l.load(principal)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := time.Now()
	resetTriggered := !now.Before(s.ResetAt)
	var resetSnap snapshot
	if resetTriggered {
		s.UsedCount = 0
		s.LastPersistedCount = 0
		s.ResetAt = l.nextReset(now)
		s.dirty = true
		resetSnap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if resetTriggered {
		// A reset is a hard persistence point: it must survive an
		// immediate crash, so this write happens synchronously and
		// outside the lock, on cloned data.
		if err := persistAtomic(l.path(principal), resetSnap); err != nil {
			l.logger.Error("quota reset persistence failed", "principal", principal, "error", err)
		} else {
			s.mu.Lock()
			s.LastPersistedCount = resetSnap.UsedCount
			s.LastPersistedAt = time.Now()
			s.dirty = s.UsedCount != s.LastPersistedCount
			s.mu.Unlock()
			if l.metrics != nil {
				l.metrics.Resets.Inc()
			}
		}
	}

	s.mu.Lock()
	if s.UsedCount >= s.MonthlyLimit {
		used, limit, resetAt := s.UsedCount, s.MonthlyLimit, s.ResetAt
		s.mu.Unlock()
		if l.metrics != nil {
			l.metrics.Reservations.WithLabelValues("exhausted").Inc()
			l.metrics.Exhaustions.Inc()
		}
		return nil, gatewayerr.QuotaExhausted(used, limit, resetAt)
	}

	s.UsedCount++
	s.dirty = true
	s.mu.Unlock()

	if l.metrics != nil {
		l.metrics.Reservations.WithLabelValues("accepted").Inc()
	}
	return &Reservation{principal: principal, ledger: l}, nil
}

// refund decrements used_count for principal, floored at zero.
func (l *Ledger) refund(principal string) {
	l.mu.Lock()
	s, ok := l.states[principal]
	l.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.UsedCount > 0 {
		s.UsedCount--
		s.dirty = true
	}
	s.mu.Unlock()

	if l.metrics != nil {
		l.metrics.Refunds.Inc()
	}
}

// maybePersist writes principal's state to disk if the lazy write-back
// threshold has been crossed since the last persist.
func (l *Ledger) maybePersist(principal string) {
	l.mu.Lock()
	s, ok := l.states[principal]
	l.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	shouldPersist := s.UsedCount-s.LastPersistedCount >= l.saveInterval
	var snap snapshot
	if shouldPersist {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if !shouldPersist {
		return
	}

	if err := persistAtomic(l.path(principal), snap); err != nil {
		l.logger.Error("quota write-back failed, dirty flag retained for retry", "principal", principal, "error", err)
		return
	}

	s.mu.Lock()
	s.LastPersistedCount = snap.UsedCount
	s.LastPersistedAt = time.Now()
	s.dirty = s.UsedCount != s.LastPersistedCount
	s.mu.Unlock()

	if l.metrics != nil {
		l.metrics.WriteBacks.Inc()
	}
}

// Peek returns a read-only usage snapshot for principal without mutating
// state, loading it first if necessary.
func (l *Ledger) Peek(principal string) (Status, error) {
	s, err := l.load(principal)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Principal: s.Name, Tier: s.Tier, Limit: s.MonthlyLimit,
		Used: s.UsedCount, ResetAt: s.ResetAt,
	}, nil
}

// Drain persists every dirty cached state. Called once at shutdown, after
// which the process exits (spec.md §4.5 "Shutdown drain").
func (l *Ledger) Drain() {
	l.mu.Lock()
	snaps := make([]snapshot, 0, len(l.states))
	targets := make([]*state, 0, len(l.states))
	for _, s := range l.states {
		s.mu.Lock()
		if s.dirty {
			snaps = append(snaps, s.snapshotLocked())
			targets = append(targets, s)
		}
		s.mu.Unlock()
	}
	l.mu.Unlock()

	for i, snap := range snaps {
		if err := persistAtomic(l.path(snap.Name), snap); err != nil {
			l.logger.Error("drain persistence failed", "principal", snap.Name, "error", err)
			continue
		}
		s := targets[i]
		s.mu.Lock()
		s.LastPersistedCount = snap.UsedCount
		s.LastPersistedAt = time.Now()
		s.dirty = s.UsedCount != s.LastPersistedCount
		s.mu.Unlock()
	}
}

func readState(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode quota state: %w", err)
	}
	return &state{
		Name: snap.Name, Tier: snap.Tier, MonthlyLimit: snap.MonthlyLimit,
		UsedCount: snap.UsedCount, LastPersistedCount: snap.LastPersistedCount,
		ResetAt: snap.ResetAt, LastPersistedAt: snap.LastPersistedAt,
	}, nil
}

func persistAtomic(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
