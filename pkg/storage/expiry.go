package storage

import (
	"container/list"
	"context"
	"expvar"
	"sync"
	"time"

	"github.com/inbucket/listgate/pkg/calendar"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/metric"
	"github.com/rs/zerolog/log"
)

var (
	scanCompleted   = time.Now()
	scanCompletedMu sync.RWMutex

	// History counters
	expPurgesTotal    = new(expvar.Int)
	expGrace          = new(expvar.Int)
	expTrackedCurrent = new(expvar.Int)

	// History of certain stats
	purgesHist  = list.New()
	trackedHist = list.New()

	// History rendered as comma delimited string
	expPurgesHist  = new(expvar.String)
	expTrackedHist = new(expvar.String)
)

func init() {
	rm := expvar.NewMap("retention")
	rm.Set("SecondsSinceScanCompleted", expvar.Func(secondsSinceScanCompleted))
	rm.Set("PurgesHist", expPurgesHist)
	rm.Set("PurgesTotal", expPurgesTotal)
	rm.Set("Grace", expGrace)
	rm.Set("TrackedHist", expTrackedHist)
	rm.Set("TrackedCurrent", expTrackedCurrent)

	metric.AddTickerFunc(func() {
		expPurgesHist.Set(metric.Push(purgesHist, expPurgesTotal))
		expTrackedHist.Set(metric.Push(trackedHist, expTrackedCurrent))
	})
}

// PurgeFunc requests removal of an expired invite.
type PurgeFunc func(uid string) error

// ExpiryScanner looks for invites whose series ended more than the grace period ago and requests
// their purge.
type ExpiryScanner struct {
	globalShutdown chan bool // Closes when listgate needs to shut down
	scanShutdown   chan bool // Closed after the scanner has shut down
	store          Store
	purge          PurgeFunc
	grace          time.Duration
	period         time.Duration
	now            func() time.Time
}

// NewExpiryScanner configures a new ExpiryScanner.
func NewExpiryScanner(
	cfg config.Storage,
	store Store,
	purge PurgeFunc,
	shutdownChannel chan bool,
) *ExpiryScanner {
	es := &ExpiryScanner{
		globalShutdown: shutdownChannel,
		scanShutdown:   make(chan bool),
		store:          store,
		purge:          purge,
		grace:          cfg.ExpiryGrace,
		period:         cfg.ExpiryPeriod,
		now:            time.Now,
	}
	// expGrace is displayed on the status page
	expGrace.Set(int64(cfg.ExpiryGrace / time.Second))
	return es
}

// Start up the expiry scanner if the scan period > 0.
func (es *ExpiryScanner) Start(ctx context.Context) {
	slog := log.With().Str("module", "storage").Str("phase", "startup").Logger()
	if es.period <= 0 {
		slog.Info().Msg("Expiry scanner disabled")
		close(es.scanShutdown)
		return
	}
	slog.Info().Str("grace", es.grace.String()).Str("period", es.period.String()).
		Msg("Expiry scanner configured")
	go es.run(ctx)
}

// run loops to kick off the scanner on the correct schedule.
func (es *ExpiryScanner) run(ctx context.Context) {
	slog := log.With().Str("module", "storage").Logger()
	start := time.Now()
scanLoop:
	for {
		since := time.Since(start)
		if since < es.period {
			dur := es.period - since
			slog.Debug().Str("duration", dur.String()).Msg("Expiry scanner sleeping")
			select {
			case <-es.globalShutdown:
				break scanLoop
			case <-time.After(dur):
			}
		}
		// Kickoff scan
		start = time.Now()
		if err := es.DoScan(ctx); err != nil {
			slog.Error().Err(err).Msg("Error during expiry scan")
		}
		select {
		case <-es.globalShutdown:
			break scanLoop
		default:
		}
	}
	slog.Debug().Str("phase", "shutdown").Msg("Expiry scanner shut down")
	close(es.scanShutdown)
}

// DoScan does a single pass over all invites requesting purge of the expired ones.
func (es *ExpiryScanner) DoScan(ctx context.Context) error {
	slog := log.With().Str("module", "storage").Logger()
	slog.Debug().Msg("Starting expiry scan")
	cutoff := es.now().Add(-es.grace)
	invites, err := es.store.ListInvites(ctx)
	if err != nil {
		return err
	}
	tracked := 0
	for _, inv := range invites {
		if inv.Expiry.IsZero() || !inv.Expiry.Before(cutoff) {
			tracked++
			continue
		}
		if inv.Recurring {
			// The stored expiry of an open ended series only reaches the projection horizon.
			if over, err := calendar.IsOver(inv.Payload, cutoff); err == nil && !over {
				tracked++
				continue
			}
		}
		slog.Debug().Str("uid", inv.UID).Time("expiry", inv.Expiry).Msg("Requesting purge")
		if err := es.purge(inv.UID); err != nil {
			slog.Error().Str("uid", inv.UID).Err(err).Msg("Failed to request purge")
			tracked++
			continue
		}
		expPurgesTotal.Add(1)
	}
	setScanCompleted(time.Now())
	expTrackedCurrent.Set(int64(tracked))
	return nil
}

// Join does not return until the expiry scanner has shut down.
func (es *ExpiryScanner) Join() {
	if es.scanShutdown != nil {
		<-es.scanShutdown
	}
}

func setScanCompleted(t time.Time) {
	scanCompletedMu.Lock()
	defer scanCompletedMu.Unlock()
	scanCompleted = t
}

func getScanCompleted() time.Time {
	scanCompletedMu.RLock()
	defer scanCompletedMu.RUnlock()
	return scanCompleted
}

func secondsSinceScanCompleted() interface{} {
	return time.Since(getScanCompleted()) / time.Second
}
