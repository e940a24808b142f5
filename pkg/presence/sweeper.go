package presence

import (
	"context"
	"sort"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// SweepStats counts what one sweep tick did.
type SweepStats struct {
	Delivered int
	TimedOut  int
	Unblocked int
	Took      time.Duration // wall time of the tick, set by Sweeper
}

// Sweep runs one tick: deliver pending messages to recipients that are now
// online, evict idle sessions, then lift expired login lockouts.
func (d *Directory) Sweep() SweepStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var stats SweepStats

	stats.Delivered = d.drainPending(now)

	if d.idleTimeout > 0 {
		for _, u := range d.ordered {
			if !u.online || now.Sub(u.lastActivity) < d.idleTimeout {
				continue
			}
			h := u.handle
			h.Push(protocol.TimeoutEvent())
			d.retire(h)
			d.goOffline(u)
			d.emit(Event{Kind: EventTimeout, Username: u.username, Remote: h.RemoteAddr(), At: now})
			stats.TimedOut++
		}
	}

	for _, u := range d.ordered {
		if u.lockoutExpired(now, d.blockDuration) {
			u.clearLockout()
			d.emit(Event{Kind: EventLockoutExpired, Username: u.username, At: now})
			stats.Unblocked++
		}
	}

	return stats
}

// drainPending hands queued messages to online recipients in the order they
// were sent. Caller holds d.mu.
func (d *Directory) drainPending(now time.Time) int {
	recipients := d.pending.recipients()
	sort.Slice(recipients, func(i, j int) bool {
		return d.users[recipients[i]].order < d.users[recipients[j]].order
	})

	delivered := 0
	for _, name := range recipients {
		u := d.users[name]
		if !u.online {
			continue
		}
		queue := d.pending.take(name)
		for i, msg := range queue {
			if !u.handle.Push(protocol.ReceiveMessageEvent(msg.From, msg.Text)) {
				d.pending.requeue(name, queue[i:])
				break
			}
			delivered++
			d.emit(Event{Kind: EventDelivered, Username: msg.From, Target: msg.To, At: now})
		}
	}
	return delivered
}

// Sweeper runs Directory.Sweep on a fixed interval.
type Sweeper struct {
	dir      *Directory
	interval time.Duration
	onTick   func(SweepStats)
}

// NewSweeper creates a sweeper. onTick, if non-nil, is called after every
// tick outside the directory lock.
func NewSweeper(dir *Directory, interval time.Duration, onTick func(SweepStats)) *Sweeper {
	return &Sweeper{dir: dir, interval: interval, onTick: onTick}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			stats := s.dir.Sweep()
			stats.Took = time.Since(start)
			if s.onTick != nil {
				s.onTick(stats)
			}
		}
	}
}
