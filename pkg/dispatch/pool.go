package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"fleet/pkg/store"
)

// errPoolClosed rolls back jobs that were still queued when the pool shut
// down, through the same onError path as a failed launch.
var errPoolClosed = errors.New("dispatch pool closed")

// Launcher starts and stops the executor process for a dispatched run. The
// real implementation shells out to the agent binary; tests inject fakes.
type Launcher interface {
	Launch(ctx context.Context, agent *store.Agent, task *store.Task, run *store.Run) error
	Stop(agentID string)
}

type job struct {
	agent *store.Agent
	task  *store.Task
	run   *store.Run
}

// pool serializes launches per agent: one queue and one runner goroutine per
// agent ID, created on demand. Closing the pool closes every queue and stops
// every launched agent without waiting for in-flight work.
type pool struct {
	launcher Launcher
	log      *slog.Logger

	mu      sync.Mutex
	queues  map[string]chan job
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
	onError func(j job, err error)
}

func newPool(launcher Launcher, log *slog.Logger, onError func(j job, err error)) *pool {
	return &pool{
		launcher: launcher,
		log:      log,
		queues:   make(map[string]chan job),
		closing:  make(chan struct{}),
		onError:  onError,
	}
}

// enqueue hands a job to the agent's queue, creating the runner if needed.
// Returns false after close.
func (p *pool) enqueue(ctx context.Context, j job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	q, ok := p.queues[j.agent.ID]
	if !ok {
		q = make(chan job, 8)
		p.queues[j.agent.ID] = q
		p.wg.Add(1)
		go p.runAgent(ctx, j.agent.ID, q)
	}
	p.mu.Unlock()

	select {
	case q <- j:
		return true
	default:
		p.log.Warn("agent queue full", "agent", j.agent.ID, "task", j.task.ID)
		return false
	}
}

func (p *pool) runAgent(ctx context.Context, agentID string, q chan job) {
	defer p.wg.Done()
	for j := range q {
		select {
		case <-p.closing:
			if p.onError != nil {
				p.onError(j, errPoolClosed)
			}
			continue
		default:
		}
		// Launch under a context that close() can cancel, so shutdown
		// terminates the in-flight command instead of waiting it out.
		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-p.closing:
				cancel()
			case <-lctx.Done():
			}
		}()
		err := p.launcher.Launch(lctx, j.agent, j.task, j.run)
		cancel()
		if err != nil {
			p.log.Error("launch failed", "agent", agentID, "task", j.task.ID, "error", err)
			if p.onError != nil {
				p.onError(j, err)
			}
		}
	}
}

// close stops accepting work, terminates in-flight commands, and rolls back
// still-queued jobs. It does not wait for in-flight work to finish on its
// own; orphan recovery makes anything left behind consistent later.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	agents := make([]string, 0, len(p.queues))
	for id, q := range p.queues {
		close(q)
		agents = append(agents, id)
	}
	p.mu.Unlock()

	// Stop before waiting: Launch blocks until its subprocess exits, so
	// the runners only drain once in-flight commands are taken down.
	for _, id := range agents {
		p.launcher.Stop(id)
	}
	p.wg.Wait()
}
