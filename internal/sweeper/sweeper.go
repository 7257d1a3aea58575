// Package sweeper cancels abandoned pending registrations. The primary path
// is the delayed RabbitMQ message scheduled at booking time; the periodic
// sweep is the catch-up for anything the queue missed. Both go through the
// state machine's conditional transitions, so a racing confirm always wins
// cleanly.
package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"slotbooker/internal/booking"
	"slotbooker/internal/rabbit"
)

type Sweeper struct {
	machine  *booking.Machine
	rmq      *rabbit.Client
	interval time.Duration
	log      *zerolog.Logger

	done   chan struct{}
	cancel context.CancelFunc
}

func New(machine *booking.Machine, rmq *rabbit.Client, interval time.Duration, log *zerolog.Logger) *Sweeper {
	return &Sweeper{
		machine:  machine,
		rmq:      rmq,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start launches the queue consumer and the periodic sweep. Both run until
// the context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.log.Info().Dur("interval", s.interval).Msg("expiration sweeper started")

	if s.rmq != nil {
		if err := s.rmq.Consume(s.handleMessage(cctx)); err != nil {
			s.log.Error().Err(err).Msg("failed to start consuming expiry messages")
		}
	}

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-cctx.Done():
				s.log.Info().Msg("expiration sweeper stopped")
				return
			case now := <-ticker.C:
				// best-effort: ExpireStale logs and never raises
				s.machine.ExpireStale(cctx, now)
			}
		}
	}()
}

func (s *Sweeper) handleMessage(ctx context.Context) func([]byte) error {
	return func(body []byte) error {
		var msg rabbit.ExpiryMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			s.log.Error().Err(err).Msgf("failed to unmarshal expiry message: %s", string(body))
			return err
		}

		expired, err := s.machine.ExpireIfPending(ctx, msg.RegistrationID)
		if err != nil {
			s.log.Error().
				Err(err).
				Int64("registration_id", msg.RegistrationID).
				Msg("failed to expire registration from queue")
			return err
		}

		if expired {
			s.log.Info().
				Int64("registration_id", msg.RegistrationID).
				Int64("slot_id", msg.SlotID).
				Msg("pending registration expired from queue")
		} else {
			s.log.Debug().
				Int64("registration_id", msg.RegistrationID).
				Msg("registration already confirmed or cancelled, skipping expiry")
		}
		return nil
	}
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
