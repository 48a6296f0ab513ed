// Package redis TeamEvents 事件总线操作
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmesh/internal/shared/eventbus"
)

func teamEventsKey(teamID string) string {
	return eventbus.KeyTeamEvents + teamID
}

// PublishTeamEvent 发布团队事件
func (s *Store) PublishTeamEvent(ctx context.Context, teamID string, domain eventbus.DomainType, op eventbus.Operation, delta interface{}) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to marshal event delta: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: teamEventsKey(teamID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"domain":    string(domain),
			"operation": string(op),
			"timestamp": time.Now().Format(time.RFC3339Nano),
			"delta":     string(data),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish team event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published event: team=%s id=%s %s/%s", teamID, id, domain, op)
	return nil
}

func decodeEvent(teamID string, msg redis.XMessage) *eventbus.TeamEvent {
	ev := &eventbus.TeamEvent{ID: msg.ID, TeamID: teamID}
	if v, ok := msg.Values["domain"].(string); ok {
		ev.Domain = eventbus.DomainType(v)
	}
	if v, ok := msg.Values["operation"].(string); ok {
		ev.Operation = eventbus.Operation(v)
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}
	if d, ok := msg.Values["delta"].(string); ok {
		ev.Delta = json.RawMessage(d)
	}
	return ev
}

// GetTeamEvents 获取团队事件列表
func (s *Store) GetTeamEvents(ctx context.Context, teamID, fromID string, count int64) ([]*eventbus.TeamEvent, error) {
	if fromID == "" {
		fromID = "-"
	}

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, teamEventsKey(teamID), fromID, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, teamEventsKey(teamID), fromID, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team events: %w", err)
	}

	events := make([]*eventbus.TeamEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeEvent(teamID, msg))
	}
	return events, nil
}

// SubscribeTeamEvents 订阅团队事件，从订阅时刻之后的新事件开始
func (s *Store) SubscribeTeamEvents(ctx context.Context, teamID string) (<-chan *eventbus.TeamEvent, error) {
	key := teamEventsKey(teamID)
	ch := make(chan *eventbus.TeamEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Event subscription error: team=%s err=%v", teamID, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeEvent(teamID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}
