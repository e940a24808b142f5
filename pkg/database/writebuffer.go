package database

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferCapacity = 4096

// WriteBuffer batches audit rows in memory and writes them to SQLite on a
// timer. Enqueue never blocks; rows are dropped and counted when the buffer
// is full.
type WriteBuffer struct {
	db       *DB
	interval time.Duration

	events   chan AuditEvent
	flushReq chan chan error
	shutdown chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64
	written   atomic.Int64
}

// NewWriteBuffer creates a buffer and starts its flush loop
func NewWriteBuffer(db *DB, interval time.Duration, capacity int) *WriteBuffer {
	wb := &WriteBuffer{
		db:       db,
		interval: interval,
		events:   make(chan AuditEvent, capacity),
		flushReq: make(chan chan error),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go wb.loop()
	return wb
}

// Enqueue queues one row. Returns false if the row was dropped.
func (wb *WriteBuffer) Enqueue(e AuditEvent) bool {
	select {
	case <-wb.shutdown:
		wb.dropped.Add(1)
		return false
	default:
	}

	select {
	case wb.events <- e:
		return true
	default:
		wb.dropped.Add(1)
		return false
	}
}

// Flush writes everything queued so far and waits for it to land
func (wb *WriteBuffer) Flush() error {
	reply := make(chan error, 1)
	select {
	case wb.flushReq <- reply:
		return <-reply
	case <-wb.done:
		return nil
	}
}

// Close stops the loop after a final flush
func (wb *WriteBuffer) Close() error {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
		<-wb.done
	})
	return wb.closeErr
}

// Dropped returns how many rows were discarded because the buffer was full
func (wb *WriteBuffer) Dropped() int64 {
	return wb.dropped.Load()
}

// Written returns how many rows have been committed
func (wb *WriteBuffer) Written() int64 {
	return wb.written.Load()
}

func (wb *WriteBuffer) loop() {
	defer close(wb.done)

	ticker := time.NewTicker(wb.interval)
	defer ticker.Stop()

	var batch []AuditEvent

	// collect moves everything currently queued into batch
	collect := func() {
		for {
			select {
			case e := <-wb.events:
				batch = append(batch, e)
			default:
				return
			}
		}
	}

	flush := func() error {
		collect()
		if len(batch) == 0 {
			return nil
		}
		if err := wb.db.insertEvents(batch); err != nil {
			log.Printf("WriteBuffer: failed to write %d audit events: %v", len(batch), err)
			batch = batch[:0]
			return err
		}
		wb.written.Add(int64(len(batch)))
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case e := <-wb.events:
			batch = append(batch, e)
		case <-ticker.C:
			flush()
		case reply := <-wb.flushReq:
			reply <- flush()
		case <-wb.shutdown:
			wb.closeErr = flush()
			return
		}
	}
}
