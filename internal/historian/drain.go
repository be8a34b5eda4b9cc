package historian

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Sink persists a batch of events atomically.
type Sink interface {
	InsertEvents(ctx context.Context, events []Event) error
}

// Drainer pops events off the Redis queue, accumulates them in a batch,
// and flushes the batch to a Sink when it is full or flushDelay elapses.
// A batch is only dropped from memory once the Sink accepted it.
type Drainer struct {
	rdb        *redis.Client
	queue      string
	sink       Sink
	batchSize  int
	flushDelay time.Duration
	popTimeout time.Duration
	logger     *logrus.Entry

	// retry bounds for a failing Redis or Sink
	retryMin time.Duration
	retryMax time.Duration

	batch []Event
}

// finalFlushTimeout bounds the flush attempted after Run's context ends.
const finalFlushTimeout = 5 * time.Second

func NewDrainer(rdb *redis.Client, queue string, sink Sink, batchSize int, flushDelay time.Duration, logger *logrus.Logger) *Drainer {
	if queue == "" {
		queue = DefaultQueueName
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushDelay <= 0 {
		flushDelay = 500 * time.Millisecond
	}
	return &Drainer{
		rdb:        rdb,
		queue:      queue,
		sink:       sink,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		popTimeout: time.Second,
		logger:     logger.WithField("component", "historian"),
		retryMin:   100 * time.Millisecond,
		retryMax:   10 * time.Second,
		batch:      make([]Event, 0, batchSize),
	}
}

func (d *Drainer) newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryMin
	b.MaxInterval = d.retryMax
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run drains until ctx is cancelled, then flushes whatever is still batched.
// While the Sink is failing nothing more is popped, so undelivered events stay queued in Redis.
func (d *Drainer) Run(ctx context.Context) error {
	popRetry, flushRetry := d.newRetry(), d.newRetry()
	lastFlush := time.Now()
	for {
		if ctx.Err() != nil {
			d.finalFlush()
			return nil
		}

		due := len(d.batch) >= d.batchSize || time.Since(lastFlush) >= d.flushDelay
		if due && len(d.batch) > 0 {
			if err := d.flush(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				wait := flushRetry.NextBackOff()
				d.logger.WithField("retry_in", wait).Errorf("flush %d events: %v", len(d.batch), err)
				sleep(ctx, wait)
				continue
			}
			flushRetry.Reset()
			lastFlush = time.Now()
		} else if due {
			lastFlush = time.Now()
		}

		// BLPop with a short timeout keeps cancellation and flush deadlines responsive.
		res, err := d.rdb.BLPop(ctx, d.popTimeout, d.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			wait := popRetry.NextBackOff()
			d.logger.WithField("retry_in", wait).Errorf("BLPop: %v", err)
			sleep(ctx, wait)
			continue
		}
		popRetry.Reset()
		if len(res) < 2 {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			d.logger.Warnf("invalid event record: %v", err)
			continue
		}
		d.batch = append(d.batch, ev)
	}
}

// flush hands the batch to the Sink and clears it only on success.
func (d *Drainer) flush(ctx context.Context) error {
	if len(d.batch) == 0 {
		return nil
	}
	if err := d.sink.InsertEvents(ctx, slices.Clone(d.batch)); err != nil {
		return err
	}
	d.logger.Debugf("flushed %d events", len(d.batch))
	d.batch = d.batch[:0]
	return nil
}

func (d *Drainer) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := d.flush(ctx); err != nil {
		d.logger.Errorf("final flush, %d events lost: %v", len(d.batch), err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
