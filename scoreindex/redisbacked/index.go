// Package redisbacked lets sibling streamnode processes share
// scoreindex.Index inserts over Redis: spec.md §5 notes that parallelism
// is obtained by running multiple frontend processes, each of which would
// otherwise hold an entirely independent, process-local index and so miss
// nearby drivers handled by a sibling.
package redisbacked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetsignal/drivestream/geo"
	"github.com/fleetsignal/drivestream/scoreindex"
)

const streamKey = "drivestream:scoreindex:inserts"

// API is the subset of *redis.Client the publisher and subscriber depend
// on, narrowed so tests can substitute a fake.
type API interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

type insertRecord struct {
	Lat    float64 `json:"lat"`
	Long   float64 `json:"long"`
	UserID string  `json:"user_id"`
	Score  int     `json:"score"`
}

// Publisher mirrors local Index.Insert calls onto a shared Redis stream.
type Publisher struct {
	client API
}

// NewPublisher creates a Publisher writing to the shared insert stream.
func NewPublisher(client API) *Publisher {
	return &Publisher{client: client}
}

// Publish mirrors one insert. A publish failure is the caller's to log; it
// never undoes or blocks the local insert it mirrors.
func (p *Publisher) Publish(ctx context.Context, loc geo.Location, userID string, score int) error {
	body, err := json.Marshal(insertRecord{Lat: loc.Lat, Long: loc.Long, UserID: userID, Score: score})
	if err != nil {
		return fmt.Errorf("redisbacked: encoding insert: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{"record": string(body)},
	}).Err()
}

// Subscriber tails the shared stream and replays sibling inserts into a
// local scoreindex.Index, so this process's Lookup sees entries a sibling
// process handled.
type Subscriber struct {
	client API
	index  *scoreindex.Index
	lastID string
}

// NewSubscriber creates a Subscriber that only replays inserts published
// after it starts; index is the local index to insert into.
func NewSubscriber(client API, index *scoreindex.Index) *Subscriber {
	return &Subscriber{client: client, index: index, lastID: "$"}
}

// Run blocks, replaying sibling inserts into the local index until ctx is
// cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, s.lastID},
			Block:   5 * time.Second,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redisbacked: reading stream: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				s.lastID = msg.ID
				s.applyMessage(msg.Values)
			}
		}
	}
}

func (s *Subscriber) applyMessage(values map[string]interface{}) {
	raw, ok := values["record"].(string)
	if !ok {
		return
	}
	var rec insertRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return
	}
	s.index.Insert(geo.Location{Lat: rec.Lat, Long: rec.Long}, rec.UserID, rec.Score)
}
