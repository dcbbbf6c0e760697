package feed

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// RetryPolicy bounds reconnection: MaxAttempts consecutive failed connects,
// Delay apart. MaxAttempts <= 0 retries forever.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"maxAttempts" validate:"gte=0"`
	Delay       time.Duration `yaml:"delay" json:"delay" validate:"gte=0"`
}

// DefaultRetryPolicy is five attempts one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Delay: time.Second}
}

// Supervise connects src and keeps it listening until ctx is done. A failed
// connect reports "error: <msg>" and is retried after policy.Delay; a
// successful one reports "connected" and resets the attempt count; a dropped
// link reports "disconnected" and reconnects. Once MaxAttempts consecutive
// connects have failed Supervise gives up and returns the last error, leaving
// the error status in place.
func Supervise(ctx context.Context, src Source, policy RetryPolicy, sink StatusSink, out chan<- fleet.Message) error {
	name := src.Name()
	l := log.WithFields(log.Fields{"component": "feed", "source": name})

	if sa, ok := src.(StatusAware); ok {
		sa.SetStatusSink(sink)
	}
	sink.SetStatus(name, fleet.Disconnected())

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := src.Connect(); err != nil {
			attempt++
			sink.SetStatus(name, fleet.Errored(err))
			if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
				l.WithField("err", err).Errorf("giving up after %d connect attempts", attempt)
				return fmt.Errorf("feed %s: %d connect attempts failed: %w", name, attempt, err)
			}
			l.WithField("err", err).Warnf("connect attempt %d failed (retry in %v)", attempt, policy.Delay)
			if !sleep(ctx, policy.Delay) {
				return nil
			}
			metrics.FeedReconnects.WithLabelValues(name).Inc()
			continue
		}

		l.WithField("attempt", attempt+1).Info("connected")
		attempt = 0
		sink.SetStatus(name, fleet.Connected())

		err := src.Listen(ctx, out)
		if cerr := src.Close(); cerr != nil {
			l.WithField("err", cerr).Debug("close failed")
		}
		sink.SetStatus(name, fleet.Disconnected())
		if ctx.Err() != nil {
			return nil
		}
		l.WithField("err", err).Warnf("link dropped (reconnect in %v)", policy.Delay)
		if !sleep(ctx, policy.Delay) {
			return nil
		}
		metrics.FeedReconnects.WithLabelValues(name).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
