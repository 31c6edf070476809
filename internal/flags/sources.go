package flags

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Static is a fixed flag set.
type Static map[string]bool

func (s Static) Load(context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// SQLSource reads the feature_flags table.
type SQLSource struct{ db *sql.DB }

func NewSQLSource(db *sql.DB) *SQLSource { return &SQLSource{db: db} }

func (s *SQLSource) Load(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM feature_flags`)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		var on bool
		if err := rows.Scan(&name, &on); err != nil {
			return nil, err
		}
		out[name] = on
	}
	return out, rows.Err()
}

// Set upserts one flag.
func (s *SQLSource) Set(ctx context.Context, name string, enabled bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (name, enabled, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		name, enabled, at.Unix())
	if err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	return nil
}

// RedisSource reads one hash: field = flag name, value = "1"/"true"/"on".
type RedisSource struct {
	client redis.Cmdable
	key    string
}

func NewRedisSource(client redis.Cmdable, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) Load(ctx context.Context) (map[string]bool, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load flags from redis: %w", err)
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		out[k] = truthy(v)
	}
	return out, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}
