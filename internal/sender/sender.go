package sender

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

// Sink persists abnormal events. It returns how many leading events were stored.
type Sink interface {
	SaveAbnormalEvents(ctx context.Context, events []models.AbnormalEvent) (int, error)
}

func NewSenderController(
	eventCh <-chan models.AbnormalEvent,
	sink Sink,
	retryTimeout time.Duration,
) *SenderControler {
	return &SenderControler{
		events:      eventCh,
		sink:        sink,
		ttlTicker:   time.NewTicker(retryTimeout),
		unsentGuard: &sync.Mutex{},
		unsent:      make([]models.AbnormalEvent, 0),
	}
}

// SenderControler delivers events one by one and keeps the ones that failed
// three times for a periodic resend.
type SenderControler struct {
	events      <-chan models.AbnormalEvent
	ttlTicker   *time.Ticker
	sink        Sink
	unsentGuard *sync.Mutex
	unsent      []models.AbnormalEvent
}

func (c *SenderControler) Run(ctx context.Context) {
	defer c.ttlTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ttlTicker.C:
			c.sendUnsentEvents(ctx)
		case event, ok := <-c.events:
			if !ok {
				c.sendUnsentEvents(ctx)
				return
			}
			err := retry.Do(
				func() error {
					_, err := c.sink.SaveAbnormalEvents(ctx, []models.AbnormalEvent{event})
					return err
				},
				retry.Context(ctx),
				retry.Attempts(3),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed to save abnormal event, put it into unsent queue")
				c.unsentGuard.Lock()
				c.unsent = append(c.unsent, event)
				c.unsentGuard.Unlock()
			}
		}
	}
}

func (c *SenderControler) Unsent() int {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()
	return len(c.unsent)
}

func (c *SenderControler) sendUnsentEvents(ctx context.Context) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()

	if len(c.unsent) == 0 {
		return
	}
	done, err := c.sink.SaveAbnormalEvents(ctx, c.unsent)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to save unsent events: done %d", done)

		newUnsent := make([]models.AbnormalEvent, len(c.unsent)-done)
		copy(newUnsent, c.unsent[done:])
		c.unsent = newUnsent
		return
	}
	c.unsent = c.unsent[:0]
}

// Tee writes to every sink; the result counts events stored by all of them.
type Tee []Sink

func (t Tee) SaveAbnormalEvents(ctx context.Context, events []models.AbnormalEvent) (int, error) {
	var (
		done = len(events)
		errs error
	)
	for _, sink := range t {
		n, err := sink.SaveAbnormalEvents(ctx, events)
		done = min(done, n)
		errs = multierr.Append(errs, err)
	}
	return done, errs
}
