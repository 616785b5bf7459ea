// Package redis provides a Redis-backed [memory.SessionStore] suited to a
// live view of running sessions.
//
// Layout:
//
//	transcript:<id>   LIST  sonic-encoded TranscriptEntry values, append order
//	session:<id>      HASH  latest SessionStatus fields
//	active_sessions   SET   ids of sessions that have not ended
//
// Keys expire after the configured TTL so that abandoned sessions do not
// accumulate.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/medilearn/livevoice/pkg/memory"
)

var _ memory.SessionStore = (*Store)(nil)

// ActiveSessionsKey is the set of session ids that have not ended.
const ActiveSessionsKey = "active_sessions"

// DefaultTTL is applied when [NewStore] is given a zero TTL.
const DefaultTTL = 24 * time.Hour

func transcriptKey(id string) string { return "transcript:" + id }
func sessionKey(id string) string    { return "session:" + id }

// Store is a Redis-backed session archive. It is safe for concurrent use.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore connects to the Redis server at url (redis://[user:pass@]host:port/db)
// and verifies the connection.
func NewStore(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return New(rdb, ttl), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Ping implements [memory.SessionStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements [memory.SessionStore].
func (s *Store) Close() error {
	return s.rdb.Close()
}

// WriteEntry implements [memory.SessionStore].
func (s *Store) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	if sessionID == "" {
		return errors.New("redis store: write entry: empty session id")
	}
	entry.SessionID = sessionID
	b, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis store: encode entry: %w", err)
	}
	key := transcriptKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: write entry: %w", err)
	}
	return nil
}

// Entries implements [memory.SessionStore].
func (s *Store) Entries(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	raw, err := s.rdb.LRange(ctx, transcriptKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: entries: %w", err)
	}
	entries := make([]memory.TranscriptEntry, 0, len(raw))
	for _, r := range raw {
		var e memory.TranscriptEntry
		if err := sonic.UnmarshalString(r, &e); err != nil {
			return nil, fmt.Errorf("redis store: decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Search implements [memory.SessionStore]. Redis has no full-text index
// here, so every query word must appear in the entry text (case-insensitive).
// Without a SessionID, all transcripts are scanned.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	ids := []string{opts.SessionID}
	if opts.SessionID == "" {
		var err error
		if ids, err = s.transcriptIDs(ctx); err != nil {
			return nil, err
		}
	}

	words := strings.Fields(strings.ToLower(query))
	results := []memory.TranscriptEntry{}
	for _, id := range ids {
		entries, err := s.Entries(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if matches(e, words, opts) {
				results = append(results, e)
			}
		}
	}
	slices.SortStableFunc(results, func(a, b memory.TranscriptEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (s *Store) transcriptIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, transcriptKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), transcriptKey("")))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis store: scan transcripts: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func matches(e memory.TranscriptEntry, words []string, opts memory.SearchOpts) bool {
	if opts.Speaker != 0 && e.Speaker != opts.Speaker {
		return false
	}
	if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
		return false
	}
	if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
		return false
	}
	text := strings.ToLower(e.Text)
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return len(words) > 0
}

// WriteStatus implements [memory.SessionStore]. Sessions in an active state
// are added to [ActiveSessionsKey]; ended ones are removed.
func (s *Store) WriteStatus(ctx context.Context, st memory.SessionStatus) error {
	key := sessionKey(st.SessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, "started_at", st.StartedAt.Format(time.RFC3339Nano))
	pipe.HSet(ctx, key, map[string]any{
		"state":      st.State,
		"persona":    st.Persona,
		"provider":   st.Provider,
		"updated_at": st.UpdatedAt.Format(time.RFC3339Nano),
		"entries":    st.Entries,
		"error":      st.Error,
	})
	pipe.Expire(ctx, key, s.ttl)
	if st.Active() {
		pipe.SAdd(ctx, ActiveSessionsKey, st.SessionID)
	} else {
		pipe.SRem(ctx, ActiveSessionsKey, st.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: write status: %w", err)
	}
	return nil
}

// Status implements [memory.SessionStore].
func (s *Store) Status(ctx context.Context, sessionID string) (memory.SessionStatus, bool, error) {
	h, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return memory.SessionStatus{}, false, fmt.Errorf("redis store: status: %w", err)
	}
	if len(h) == 0 {
		return memory.SessionStatus{}, false, nil
	}
	return parseStatus(sessionID, h), true, nil
}

// ActiveSessions returns the ids of sessions that have not ended.
func (s *Store) ActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ActiveSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: active sessions: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func parseStatus(id string, h map[string]string) memory.SessionStatus {
	st := memory.SessionStatus{
		SessionID: id,
		State:     h["state"],
		Persona:   h["persona"],
		Provider:  h["provider"],
		Error:     h["error"],
	}
	st.StartedAt, _ = time.Parse(time.RFC3339Nano, h["started_at"])
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	st.Entries, _ = strconv.Atoi(h["entries"])
	return st
}
