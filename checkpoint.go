package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionCheckpoint persists conversation sessions to Redis so a
// restart does not dump everyone back to the main menu. Entirely
// optional: when Redis is not configured or unreachable the dispatcher
// runs without it and sessions stay purely in-memory.
type SessionCheckpoint struct {
	client *redis.Client
	ttl    time.Duration

	warnedUnavailable atomic.Bool
}

// NewSessionCheckpoint connects using REDIS_HOST/REDIS_PORT/
// REDIS_PASSWORD. Returns nil when REDIS_HOST is unset or the server
// cannot be reached, which the dispatcher treats as "no checkpointing".
func NewSessionCheckpoint(ttl time.Duration) *SessionCheckpoint {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return nil
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unavailable, session checkpointing disabled: %v", err)
		_ = client.Close()
		return nil
	}

	log.Println("Session checkpointing enabled")
	return &SessionCheckpoint{client: client, ttl: ttl}
}

func (c *SessionCheckpoint) key(userID string) string {
	return "bandmatch:session:" + userID
}

func (c *SessionCheckpoint) warnOnce(err error) {
	if c.warnedUnavailable.CompareAndSwap(false, true) {
		log.Printf("checkpoint store error (further errors suppressed): %v", err)
	}
}

// Save writes the session snapshot. Failures are logged once and
// otherwise ignored: checkpointing is best-effort by design.
func (c *SessionCheckpoint) Save(s *Session) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		c.warnOnce(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, c.key(s.UserID), raw, c.ttl).Err(); err != nil {
		c.warnOnce(err)
	}
}

// Load returns the checkpointed session for userID, if any.
func (c *SessionCheckpoint) Load(userID string) (*Session, bool) {
	if c == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.warnOnce(err)
		return nil, false
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		c.warnOnce(err)
		return nil, false
	}
	if s.UserID != userID {
		return nil, false
	}
	return &s, true
}

// Delete drops the checkpoint; called when the dispatcher evicts an
// idle session so eviction semantics survive a restart.
func (c *SessionCheckpoint) Delete(userID string) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		c.warnOnce(err)
	}
}
