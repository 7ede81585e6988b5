package stores

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Watch polls prefix and delivers the full key set to fn on the first pass
// and after every change to any key under it. Read failures are retried
// with exponential backoff. It returns nil once ctx is done.
func (s *SQLiteStore) Watch(ctx context.Context, prefix string, fn func(ctx context.Context, keys []string)) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.cfg.PollInterval
	retry.MaxInterval = 30 * time.Second

	var (
		last      string
		delivered bool
	)
	for {
		entries, err := s.scan(ctx, prefix, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			s.logger.Warn().Err(err).Str("prefix", prefix).Dur("retry_in", wait).Msg("watch poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		if fp := fingerprint(entries); !delivered || fp != last {
			last, delivered = fp, true
			keys := make([]string, len(entries))
			for i, e := range entries {
				keys[i] = e.key
			}
			fn(ctx, keys)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// fingerprint identifies a key set and the version of every key in it.
func fingerprint(entries []entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.key)
		b.WriteByte('@')
		b.WriteString(strconv.FormatUint(e.index, 10))
		b.WriteByte('\n')
	}
	return b.String()
}
