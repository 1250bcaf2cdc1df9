// Package procpool manages a bounded pool of OS worker processes. Job
// execution happens in child processes rather than goroutines so a crashing
// or leaking job cannot take down the dispatcher or co-located jobs;
// processes are recycled after a configurable number of jobs to bound
// leaked memory.
//
// Only job ids cross the process boundary: the parent writes one id per
// line to a child's stdin and the child acks each id on stdout once the
// result row is persisted. A child that dies mid-job emits no completion —
// the lost-job sweep owns that failure mode.
package procpool

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("procpool: shutting down")

// EventKind classifies a completion event.
type EventKind int

const (
	// Completed: the worker process acked the job; its terminal result row
	// was written by the runner.
	Completed EventKind = iota
	// Cancelled: the task was still queued when Shutdown began and was never
	// handed to a process. No result row exists yet; the dispatcher's
	// completion handler writes the CANCELLED result.
	Cancelled
)

// Event is delivered on the Events channel for every submitted task that
// either completed or was cancelled before starting.
type Event struct {
	JobID uuid.UUID
	Kind  EventKind
}

// Config tunes the pool.
type Config struct {
	// MaxProcesses caps concurrently running worker processes.
	MaxProcesses int
	// MaxJobsPerProcess recycles a process after this many jobs; 0 disables.
	MaxJobsPerProcess int
	// Command builds a worker child process. The returned cmd must read job
	// ids line-by-line on stdin and write "done <id>" on stdout after each.
	Command func() *exec.Cmd
}

// Pool owns the worker processes. One owner goroutine runs per process slot;
// each owner manages its child's full lifecycle (spawn, feed, recycle).
type Pool struct {
	cfg    Config
	tasks  chan uuid.UUID
	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	submits sync.WaitGroup      // in-flight Submit calls
	live    map[int]*workerProc // slot -> running child, for kill on deadline

	alive atomic.Int64
	busy  atomic.Int64
}

// New creates a Pool. Call Start before Submit.
func New(cfg Config) *Pool {
	if cfg.MaxProcesses < 1 {
		cfg.MaxProcesses = 1
	}
	return &Pool{
		cfg:    cfg,
		tasks:  make(chan uuid.UUID, cfg.MaxProcesses),
		events: make(chan Event, cfg.MaxProcesses*2+16),
		quit:   make(chan struct{}),
		live:   make(map[int]*workerProc),
	}
}

// Start launches the process-slot owner goroutines. Children are spawned
// lazily on first task, not here.
func (p *Pool) Start() {
	for slot := 0; slot < p.cfg.MaxProcesses; slot++ {
		p.wg.Add(1)
		go p.runSlot(slot)
	}
}

// Events delivers completion events. The channel closes after Shutdown has
// drained all owners.
func (p *Pool) Events() <-chan Event { return p.events }

// Submit hands a claimed job id to the pool. Blocks while all processes are
// busy and the intake buffer is full; this is the dispatcher's natural
// backpressure. Returns ErrShuttingDown once Shutdown has begun.
func (p *Pool) Submit(jobID uuid.UUID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShuttingDown
	}
	p.submits.Add(1)
	p.mu.Unlock()
	defer p.submits.Done()

	select {
	case p.tasks <- jobID:
		return nil
	case <-p.quit:
		return ErrShuttingDown
	}
}

// ActiveProcesses reports how many worker processes are currently alive.
func (p *Pool) ActiveProcesses() int { return int(p.alive.Load()) }

// BusyProcesses reports how many worker processes are executing a job.
func (p *Pool) BusyProcesses() int { return int(p.busy.Load()) }

// Shutdown stops intake, emits Cancelled for tasks never handed to a
// process, and waits for in-flight jobs to finish. When ctx expires first,
// remaining children are killed; their jobs surface later through the
// lost-job sweep. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)

	// Drain tasks that no owner has picked up. Owners drain concurrently; a
	// task grabbed by an owner before we get it still runs to completion,
	// one grabbed here is cancelled. Either outcome is delivered exactly once.
	p.drainTasks()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.killAll()
		<-done
	}

	// A Submit racing close(quit) can deposit a task after the first drain.
	// Owners are gone; wait for in-flight Submit calls to resolve, then sweep
	// once more so every accepted task gets exactly one event.
	p.submits.Wait()
	p.drainTasks()
	close(p.events)
}

func (p *Pool) drainTasks() {
	for {
		select {
		case id := <-p.tasks:
			p.events <- Event{JobID: id, Kind: Cancelled}
		default:
			return
		}
	}
}

// runSlot owns one process slot: it receives tasks, lazily spawns its child,
// feeds it job ids, and recycles it after MaxJobsPerProcess jobs.
func (p *Pool) runSlot(slot int) {
	defer p.wg.Done()

	var proc *workerProc
	defer func() {
		if proc != nil {
			p.retire(slot, proc)
		}
	}()

	for {
		select {
		case <-p.quit:
			return
		case id := <-p.tasks:
			if proc != nil && p.cfg.MaxJobsPerProcess > 0 && proc.jobsDone >= p.cfg.MaxJobsPerProcess {
				p.retire(slot, proc)
				proc = nil
			}
			if proc == nil {
				var err error
				proc, err = p.spawn(slot)
				if err != nil {
					// The job stays active; the lost-job sweep converts it
					// once it exceeds the timeout.
					slog.Error("spawn worker process failed", "slot", slot, "job_id", id, "error", err)
					continue
				}
			}

			p.busy.Add(1)
			err := proc.runJob(id)
			p.busy.Add(-1)

			if err != nil {
				slog.Error("worker process failed mid-job", "slot", slot, "job_id", id, "error", err)
				p.retire(slot, proc)
				proc = nil
				continue
			}
			proc.jobsDone++
			p.events <- Event{JobID: id, Kind: Completed}
		}
	}
}

func (p *Pool) spawn(slot int) (*workerProc, error) {
	proc, err := startWorkerProc(p.cfg.Command())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.live[slot] = proc
	p.mu.Unlock()
	p.alive.Add(1)
	slog.Debug("worker process started", "slot", slot, "pid", proc.pid())
	return proc, nil
}

func (p *Pool) retire(slot int, proc *workerProc) {
	p.mu.Lock()
	delete(p.live, slot)
	p.mu.Unlock()
	if err := proc.close(); err != nil {
		slog.Warn("worker process exited uncleanly", "slot", slot, "pid", proc.pid(), "error", err)
	}
	p.alive.Add(-1)
}

func (p *Pool) killAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for slot, proc := range p.live {
		slog.Warn("killing worker process at shutdown deadline", "slot", slot, "pid", proc.pid())
		proc.kill()
	}
}
