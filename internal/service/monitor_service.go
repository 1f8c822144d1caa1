package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/certexam-backend/internal/config"
	"github.com/stemsi/certexam-backend/internal/model"
)

// MonitorService fans session events out to live monitors over Redis
// Pub/Sub, so a monitor attached to any replica sees every replica's events.
type MonitorService struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(rdb *redis.Client, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		rdb: rdb,
		log: log.With().Str("component", "monitor_service").Logger(),
	}
}

// Publish sends ev to its template's channel. Delivery is best effort: a
// failure is logged and never fails the operation that produced the event.
func (s *MonitorService) Publish(ctx context.Context, ev model.SessionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("Marshal session event")
		return
	}
	channel := config.CacheKey.TemplateMonitorChannel(ev.TemplateID.String())
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", ev.SessionID.String()).Msg("Publish session event failed")
	}
}

// Subscribe streams the events of one template until ctx is done, at which
// point the returned channel is closed.
func (s *MonitorService) Subscribe(ctx context.Context, templateID uuid.UUID) (<-chan model.SessionEvent, error) {
	pubsub := s.rdb.Subscribe(ctx, config.CacheKey.TemplateMonitorChannel(templateID.String()))

	// Wait for the subscription to be confirmed so a dead Redis surfaces here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan model.SessionEvent, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev model.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn().Err(err).Msg("Dropping malformed session event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
