package drawing

import (
	"context"

	"github.com/dnldd/chartdesk/shared"
	"golang.org/x/sync/errgroup"
)

// action represents a persistence operation.
type action int

const (
	createAction action = iota
	updateAction
	deleteAction
)

// job represents a queued persistence operation.
type job struct {
	action action
	local  LocalID
	remote RemoteID
	kind   Kind
	symbol string
	// points are in UTC seconds.
	points []shared.DomainPoint
}

// sendJob relays the provided job to the persistence worker.
func (e *Engine) sendJob(j job) {
	select {
	case e.jobs <- j:
		// do nothing.
	default:
		e.cfg.Logger.Error().Msgf("drawing job channel at capacity: %d/%d",
			len(e.jobs), bufferSize)
	}
}

// handleCreate stores a new drawing and swaps its provisional id for the assigned one.
func (e *Engine) handleCreate(ctx context.Context, j job) {
	id, err := e.cfg.Store.CreateDrawing(ctx, e.cfg.AccountID, j.symbol, j.kind.String(), j.points)
	if err != nil {
		e.cfg.Logger.Error().Msgf("creating %s drawing: %v", j.kind.String(), err)

		e.mtx.Lock()
		delete(e.dirty, j.local)
		delete(e.deleted, j.local)
		e.mtx.Unlock()
		return
	}

	remote := RemoteID(id)

	e.mtx.Lock()
	if _, ok := e.deleted[j.local]; ok {
		delete(e.deleted, j.local)
		delete(e.dirty, j.local)
		e.mtx.Unlock()

		e.handleDelete(ctx, job{action: deleteAction, remote: remote})
		return
	}

	var flush []shared.DomainPoint
	idx := e.findLocked(j.local)
	if idx >= 0 {
		d := e.drawings[idx]
		d.ID = remote
		if _, ok := e.dirty[j.local]; ok {
			flush = e.toUTC(d.Points())
		}
	}
	if e.selected == ID(j.local) {
		e.selected = remote
	}
	if e.dragID == ID(j.local) {
		e.dragID = remote
	}
	delete(e.dirty, j.local)
	e.mtx.Unlock()

	if flush != nil {
		e.handleUpdate(ctx, job{action: updateAction, remote: remote, points: flush})
	}
}

// handleUpdate replaces the stored points of a drawing.
func (e *Engine) handleUpdate(ctx context.Context, j job) {
	err := e.cfg.Store.UpdateDrawing(ctx, string(j.remote), j.points)
	if err != nil {
		e.cfg.Logger.Error().Msgf("updating drawing %s: %v", j.remote, err)
	}
}

// handleDelete removes a stored drawing.
func (e *Engine) handleDelete(ctx context.Context, j job) {
	err := e.cfg.Store.DeleteDrawing(ctx, string(j.remote))
	if err != nil {
		e.cfg.Logger.Error().Msgf("deleting drawing %s: %v", j.remote, err)
	}
}

// deleteAll removes the provided stored drawings concurrently. A failed deletion does not
// abort the others; the first error is returned once all have completed.
func (e *Engine) deleteAll(ctx context.Context, ids []RemoteID) error {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return e.cfg.Store.DeleteDrawing(ctx, string(id))
		})
	}

	return g.Wait()
}

// Run processes persistence jobs in the order they were queued.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			switch j.action {
			case createAction:
				e.handleCreate(ctx, j)
			case updateAction:
				e.handleUpdate(ctx, j)
			case deleteAction:
				e.handleDelete(ctx, j)
			}
		}
	}
}
