package redisbacked

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/geo"
	"github.com/fleetsignal/drivestream/scoreindex"
)

type fakeRedis struct {
	addValues map[string]interface{}
	addErr    error

	readResult []redis.XStream
	readCalls  int
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.addValues = a.Values
	cmd := redis.NewStringCmd(ctx)
	if f.addErr != nil {
		cmd.SetErr(f.addErr)
	} else {
		cmd.SetVal("0-1")
	}
	return cmd
}

func (f *fakeRedis) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	f.readCalls++
	cmd := redis.NewXStreamSliceCmd(ctx)
	if f.readCalls > 1 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(f.readResult)
	return cmd
}

func TestPublishEncodesInsertAsJSONRecord(t *testing.T) {
	f := &fakeRedis{}
	p := NewPublisher(f)

	err := p.Publish(context.Background(), geo.Location{Lat: 1, Long: 2}, "user-1", 42)
	require.NoError(t, err)

	raw, ok := f.addValues["record"].(string)
	require.True(t, ok)
	var rec insertRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	require.Equal(t, insertRecord{Lat: 1, Long: 2, UserID: "user-1", Score: 42}, rec)
}

func TestSubscriberRunInsertsSiblingRecordsIntoLocalIndex(t *testing.T) {
	body, err := json.Marshal(insertRecord{Lat: 10, Long: 20, UserID: "sibling", Score: 7})
	require.NoError(t, err)

	f := &fakeRedis{
		readResult: []redis.XStream{
			{
				Stream: streamKey,
				Messages: []redis.XMessage{
					{ID: "1-1", Values: map[string]interface{}{"record": string(body)}},
				},
			},
		},
	}

	idx := scoreindex.New(scoreindex.Options{SearchRadius: 1000, TTL: time.Hour})
	sub := NewSubscriber(f, idx)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(idx.Lookup(geo.Location{Lat: 10, Long: 20}, "someone-else")) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-runErr

	results := idx.Lookup(geo.Location{Lat: 10, Long: 20}, "someone-else")
	require.Len(t, results, 1)
	require.Equal(t, 7, results[0].Score)
}
