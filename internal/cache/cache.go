package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"csms/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache is the short-TTL real-time projection of device state. Every write
// is best-effort: failures are logged and swallowed so a cache outage never
// fails the originating ledger write. Reads return misses on any error;
// values are hints, never authoritative.
type Cache struct {
	client       *redis.Client
	log          *logrus.Logger
	statusTTL    time.Duration
	meterTTL     time.Duration
	heartbeatTTL time.Duration
	listCap      int
}

type Options struct {
	StatusTTL    time.Duration
	MeterTTL     time.Duration
	HeartbeatTTL time.Duration
	ListCap      int
}

func New(client *redis.Client, log *logrus.Logger, opts Options) *Cache {
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 60 * time.Second
	}
	if opts.MeterTTL <= 0 {
		opts.MeterTTL = 30 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 60 * time.Second
	}
	if opts.ListCap <= 0 {
		opts.ListCap = 100
	}
	return &Cache{
		client:       client,
		log:          log,
		statusTTL:    opts.StatusTTL,
		meterTTL:     opts.MeterTTL,
		heartbeatTTL: opts.HeartbeatTTL,
		listCap:      opts.ListCap,
	}
}

// NewClient opens a redis connection and probes it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func statusKey(deviceId string) string    { return "status:" + deviceId }
func meterKey(deviceId string) string     { return "meter:" + deviceId }
func heartbeatKey(deviceId string) string { return "heartbeat:" + deviceId }
func eventsKey(deviceId string) string    { return "events:" + deviceId }
func ocppListKey(deviceId string) string  { return "ocpp:list:" + deviceId }

func (c *Cache) SetStatus(ctx context.Context, deviceId string, st models.DeviceStatus) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statusKey(deviceId), data, c.statusTTL).Err(); err != nil {
		c.log.WithError(err).WithField("deviceId", deviceId).Warn("cache: set status failed")
	}
}

func (c *Cache) GetStatus(ctx context.Context, deviceId string) (*models.DeviceStatus, bool) {
	data, err := c.client.Get(ctx, statusKey(deviceId)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("deviceId", deviceId).Warn("cache: get status failed")
		}
		return nil, false
	}
	var st models.DeviceStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	return &st, true
}

type meterEntry struct {
	Meter     int64     `json:"meter"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Cache) SetMeter(ctx context.Context, deviceId string, meterWh int64, ts time.Time) {
	data, _ := json.Marshal(meterEntry{Meter: meterWh, Timestamp: ts})
	if err := c.client.Set(ctx, meterKey(deviceId), data, c.meterTTL).Err(); err != nil {
		c.log.WithError(err).WithField("deviceId", deviceId).Warn("cache: set meter failed")
	}
}

func (c *Cache) GetMeter(ctx context.Context, deviceId string) (int64, time.Time, bool) {
	data, err := c.client.Get(ctx, meterKey(deviceId)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("deviceId", deviceId).Warn("cache: get meter failed")
		}
		return 0, time.Time{}, false
	}
	var e meterEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return 0, time.Time{}, false
	}
	return e.Meter, e.Timestamp, true
}

func (c *Cache) SetHeartbeat(ctx context.Context, deviceId string, ts time.Time) {
	if err := c.client.Set(ctx, heartbeatKey(deviceId), ts.UTC().Format(time.RFC3339), c.heartbeatTTL).Err(); err != nil {
		c.log.WithError(err).WithField("deviceId", deviceId).Warn("cache: set heartbeat failed")
	}
}

// PushEvent prepends an entry to the device's recent-event ring and trims it
// to the cap. No TTL; the explicit trim bounds the list.
func (c *Cache) PushEvent(ctx context.Context, deviceId string, entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.pushCapped(ctx, eventsKey(deviceId), data)
}

// PushFrame prepends a raw protocol frame to the diagnostics list.
func (c *Cache) PushFrame(ctx context.Context, deviceId string, frame []byte) {
	c.pushCapped(ctx, ocppListKey(deviceId), frame)
}

func (c *Cache) pushCapped(ctx context.Context, key string, data []byte) {
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.listCap-1))
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache: push event failed")
	}
}

// RecentEvents returns the capped recent-event list, newest first.
func (c *Cache) RecentEvents(ctx context.Context, deviceId string, limit int) []json.RawMessage {
	if limit <= 0 || limit > c.listCap {
		limit = c.listCap
	}
	items, err := c.client.LRange(ctx, eventsKey(deviceId), 0, int64(limit-1)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("deviceId", deviceId).Warn("cache: list events failed")
		}
		return nil
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it))
	}
	return out
}
