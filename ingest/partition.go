package ingest

import (
	"context"
	"time"
)

// Partitioner prepares storage for the month holding ts.
type Partitioner interface {
	EnsurePartition(ctx context.Context, ts time.Time) error
}

// partitionGate decides when the partitioner must run: on the first
// loadable row, on every nth row, and whenever the calendar month differs
// from the last one ensured.
type partitionGate struct {
	p     Partitioner
	every int
	rows  int
	month int // year*12 + month of the last ensured timestamp, -1 before the first
}

func newPartitionGate(p Partitioner, every int) *partitionGate {
	return &partitionGate{p: p, every: every, month: -1}
}

// Before must be called with each loadable row's timestamp before the row
// is buffered.
func (g *partitionGate) Before(ctx context.Context, ts time.Time) error {
	g.rows++
	ts = ts.UTC()
	m := ts.Year()*12 + int(ts.Month())
	if g.rows == 1 || (g.every > 0 && g.rows%g.every == 0) || m != g.month {
		if err := g.p.EnsurePartition(ctx, ts); err != nil {
			return err
		}
		g.month = m
	}
	return nil
}
