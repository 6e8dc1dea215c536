// Package auth decides whether a station may connect (API key check) and
// which topics it may use.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
)

// KeySize is the number of random bytes behind an API key.
const KeySize = 32

var keyEncoding = base64.RawURLEncoding.Strict()

// ErrKeyFormat means a credential is not base64url of exactly KeySize bytes.
var ErrKeyFormat = errors.New("auth: malformed api key")

// Pool lends out pooled connections.
type Pool interface {
	Acquire() db.Conn
	Release(db.Conn)
}

// Recorder is told the result of every authentication.
type Recorder interface {
	ObserveAuth(allowed bool, reason string)
}

// Gate validates station credentials against auth.api_keys.
type Gate struct {
	pool     Pool
	query    string
	logger   *slog.Logger
	now      func() time.Time
	recorder Recorder
}

type GateOption func(*Gate)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }

func WithRecorder(r Recorder) GateOption { return func(g *Gate) { g.recorder = r } }

func NewGate(pool Pool, dialect db.Dialect, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{pool: pool, query: dialect.ValidateAPIKey, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate reports whether credential is a live key of stationID.
// Malformed input is denied without touching the database.
func (g *Gate) Authenticate(ctx context.Context, stationID, credential string) bool {
	allowed, reason := g.authenticate(ctx, stationID, credential)
	if g.recorder != nil {
		g.recorder.ObserveAuth(allowed, reason)
	}
	if !allowed {
		g.logger.Debug("auth denied", "station_id", stationID, "reason", reason)
	}
	return allowed
}

func (g *Gate) authenticate(ctx context.Context, stationID, credential string) (bool, string) {
	if stationID == "" || credential == "" {
		return false, "empty"
	}
	hash, err := HashKey(credential)
	if err != nil {
		return false, "decode"
	}

	conn := g.pool.Acquire()
	defer g.pool.Release(conn)

	var ok bool
	if err := conn.QueryRow(ctx, g.query, hash, stationID, g.now().UTC()).Scan(&ok); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return false, "no_match"
		}
		g.logger.Warn("api key lookup failed", "station_id", stationID, "error", err)
		return false, "query"
	}
	if !ok {
		return false, "no_match"
	}
	return true, "ok"
}

// HashKey decodes a base64url API key and returns the base64url encoding
// of its BLAKE2b-256 digest, the form stored in auth.api_keys.
func HashKey(credential string) (string, error) {
	raw, err := keyEncoding.DecodeString(credential)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	if len(raw) != KeySize {
		return "", fmt.Errorf("%w: %d bytes, want %d", ErrKeyFormat, len(raw), KeySize)
	}
	sum := blake2b.Sum256(raw)
	return keyEncoding.EncodeToString(sum[:]), nil
}

// EncodeKey renders raw key bytes the way stations present them.
func EncodeKey(raw []byte) string {
	return keyEncoding.EncodeToString(raw)
}
