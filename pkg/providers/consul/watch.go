package consul

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/consul/api"
)

// blockingQuery runs one blocking read at the given index and returns the
// index to wait on next.
type blockingQuery func(q *api.QueryOptions) (uint64, error)

// watch runs query in a loop until ctx is done. changed is called after every
// query whose index moved, including the first one.
func (c *Client) watch(ctx context.Context, name string, query blockingQuery, changed func()) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 30 * time.Second

	var index uint64
	first := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		q := (&api.QueryOptions{WaitIndex: index, WaitTime: c.waitTime}).WithContext(ctx)
		next, err := query(q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			c.logger.Warn().Err(err).Str("watch", name).Dur("retry_in", wait).Msg("blocking query failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		switch {
		case next < index:
			// Index went backwards (snapshot restore, leader change): start over.
			c.logger.Debug().Str("watch", name).Uint64("from", index).Uint64("to", next).Msg("watch index reset")
			index = 0
			first = true
			continue
		case next == index && !first:
			continue
		}

		index = next
		if index == 0 {
			index = 1
		}
		first = false
		changed()
	}
}
