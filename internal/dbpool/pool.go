// Package dbpool keeps a fixed set of pre-opened database connections and
// lends them out one goroutine at a time.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
)

// ResourceInitError reports that the connection at Index could not be
// opened. Every connection opened before it has already been closed.
type ResourceInitError struct {
	Index int
	Err   error
}

func (e *ResourceInitError) Error() string {
	return fmt.Sprintf("dbpool: open connection %d: %v", e.Index, e.Err)
}

func (e *ResourceInitError) Unwrap() error { return e.Err }

// ErrInvalidSize is returned by New for a non-positive size.
var ErrInvalidSize = errors.New("dbpool: size must be positive")

type slot struct {
	conn db.Conn
	busy bool
}

// Pool is a bounded set of connections with blocking Acquire.
type Pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots []slot
	inUse int

	logger *slog.Logger
}

// New opens size connections sequentially. If any open fails the ones
// already opened are closed and a *ResourceInitError is returned.
func New(ctx context.Context, size int, open db.Opener, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	slots := make([]slot, 0, size)
	for i := 0; i < size; i++ {
		conn, err := open(ctx)
		if err != nil {
			var closeErr *multierror.Error
			for _, s := range slots {
				if cerr := s.conn.Close(ctx); cerr != nil {
					closeErr = multierror.Append(closeErr, cerr)
				}
			}
			if closeErr != nil {
				logger.Error("dbpool: rollback close failed", "error", closeErr)
			}
			return nil, &ResourceInitError{Index: i, Err: err}
		}
		slots = append(slots, slot{conn: conn})
	}

	p := &Pool{slots: slots, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	logger.Info("dbpool: connections opened", "size", size)
	return p, nil
}

// Acquire blocks until a connection is free and returns it. There is no
// timeout; callers must Release exactly once.
func (p *Pool) Acquire() db.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for i := range p.slots {
			if !p.slots[i].busy {
				p.slots[i].busy = true
				p.inUse++
				return p.slots[i].conn
			}
		}
		p.cond.Wait()
	}
}

// Release returns conn to the pool and wakes one waiter. Connections that
// are unknown or already free are ignored.
func (p *Pool) Release(conn db.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].conn == conn {
			if p.slots[i].busy {
				p.slots[i].busy = false
				p.inUse--
				p.cond.Signal()
			}
			return
		}
	}
}

// Teardown closes every connection. No Acquire may be outstanding.
func (p *Pool) Teardown() error {
	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.inUse = 0
	p.mu.Unlock()

	var result *multierror.Error
	for i, s := range slots {
		if err := s.conn.Close(context.Background()); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection %d: %w", i, err))
		}
	}
	p.logger.Info("dbpool: torn down", "closed", len(slots))
	return result.ErrorOrNil()
}

// Size is the number of connections the pool owns.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// InUse is the number of connections currently lent out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
