// Package taskqueue runs one-shot remote commands with bounded concurrency.
//
// Submitted tasks are persisted immediately and enqueued on an in-memory
// FIFO drained by a fixed pool of workers. A per-host limiter keeps at most
// N tasks running against one target regardless of submission burstiness;
// workers park on the limiter while a host is saturated, during which the
// task simply stays queued. Timeouts and cancellation force-close the SSH
// transport from a supervisor path rather than waiting for the remote call
// to notice.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/logutil"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshauth"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// commandPrefixLen bounds how much of a command enters audit metadata.
const commandPrefixLen = 80

// Config tunes the worker pool.
type Config struct {
	Workers        int
	OutputMaxBytes int
	DefaultTimeout time.Duration
}

// Queue owns all in-flight task mutation. No other component writes task rows.
type Queue struct {
	db       *gorm.DB
	resolver *sshauth.Resolver
	emitter  *audit.Emitter
	limiter  *HostLimiter
	cfg      Config

	fifo   *fifo
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningTask
}

// runningTask is the cancellation handle for one executing task. The worker
// registers it before the queued->running transition, so any Cancel that
// observes a running status is guaranteed to find it. The context cancel
// func and the transport are attached later as execution progresses; if the
// user cancelled first, they are torn down on attach.
type runningTask struct {
	done chan struct{}

	mu            sync.Mutex
	cancel        context.CancelFunc
	client        *ssh.Client
	userCancelled bool
	finished      bool
}

func newRunningTask() *runningTask {
	return &runningTask{done: make(chan struct{})}
}

func (rt *runningTask) setCancel(fn context.CancelFunc) {
	rt.mu.Lock()
	rt.cancel = fn
	cancelled := rt.userCancelled
	rt.mu.Unlock()
	if cancelled {
		fn()
	}
}

func (rt *runningTask) setClient(c *ssh.Client) {
	rt.mu.Lock()
	rt.client = c
	cancelled := rt.userCancelled
	rt.mu.Unlock()
	if cancelled {
		c.Close()
	}
}

// interrupt flags the worker and tears down whatever execution state exists
// so far, force-closing the transport so a blocked remote call unblocks. A
// false return means the worker had already decided the task's outcome and
// the interrupt cannot affect the result.
func (rt *runningTask) interrupt() bool {
	rt.mu.Lock()
	if rt.finished {
		rt.mu.Unlock()
		return false
	}
	rt.userCancelled = true
	cancel := rt.cancel
	client := rt.client
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	return true
}

// markFinished records that the task's outcome is decided; interrupts from
// this point on are too late to change it.
func (rt *runningTask) markFinished() {
	rt.mu.Lock()
	rt.finished = true
	rt.mu.Unlock()
}

func (rt *runningTask) wasCancelled() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.userCancelled
}

// New creates a stopped queue. Call Start to launch the workers.
func New(db *gorm.DB, resolver *sshauth.Resolver, emitter *audit.Emitter, limiter *HostLimiter, cfg Config) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = 64 * 1024
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:       db,
		resolver: resolver,
		emitter:  emitter,
		limiter:  limiter,
		cfg:      cfg,
		fifo:     newFIFO(),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*runningTask),
	}
}

// Start re-seeds the FIFO with tasks left queued by a previous run and
// launches the worker pool.
func (q *Queue) Start() error {
	var pending []database.Task
	if err := q.db.Where("status = ?", database.TaskQueued).Order("created_at").Find(&pending).Error; err != nil {
		return fmt.Errorf("load queued tasks: %w", err)
	}
	for _, t := range pending {
		q.fifo.Push(t.ID)
	}
	if len(pending) > 0 {
		log.Printf("[taskqueue] re-queued %d pending task(s)", len(pending))
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	log.Printf("[taskqueue] started %d worker(s)", q.cfg.Workers)
	return nil
}

// Stop cancels all execution and waits for the workers to exit. Tasks still
// queued stay queued in the database and are re-seeded on the next Start.
func (q *Queue) Stop() {
	q.cancel()
	q.fifo.Close()
	q.wg.Wait()
}

// Submit persists a queued task and enqueues it. It never blocks on
// execution or on limiter saturation.
func (q *Queue) Submit(serverID uint, command string, timeoutSeconds int, storeOutput bool, actor string) (string, error) {
	if command == "" {
		return "", errors.New("command is empty")
	}
	if _, err := database.GetServer(q.db, serverID); err != nil {
		return "", fmt.Errorf("unknown server %d: %w", serverID, err)
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(q.cfg.DefaultTimeout.Seconds())
	}

	task := &database.Task{
		ID:             uuid.New().String(),
		ServerID:       serverID,
		Actor:          actor,
		Command:        command,
		Status:         database.TaskQueued,
		TimeoutSeconds: timeoutSeconds,
		StoreOutput:    storeOutput,
	}
	if err := q.db.Create(task).Error; err != nil {
		return "", fmt.Errorf("store task: %w", err)
	}

	q.fifo.Push(task.ID)
	q.emitter.Emit(actor, audit.ActionTaskSubmitted, audit.TargetTask, task.ID,
		fmt.Sprintf("server=%d cmd=%s", serverID, logutil.CommandPrefix(command, commandPrefixLen)))
	return task.ID, nil
}

// Get returns one task record.
func (q *Queue) Get(id string) (*database.Task, error) {
	var task database.Task
	if err := q.db.First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListOptions filters task listings.
type ListOptions struct {
	ServerID uint
	Actor    string
	Status   string
	Limit    int
	Offset   int
}

// List returns task records matching the options, newest first.
func (q *Queue) List(opts ListOptions) ([]database.Task, error) {
	tx := q.db.Model(&database.Task{})
	if opts.ServerID > 0 {
		tx = tx.Where("server_id = ?", opts.ServerID)
	}
	if opts.Actor != "" {
		tx = tx.Where("actor = ?", opts.Actor)
	}
	if opts.Status != "" {
		tx = tx.Where("status = ?", opts.Status)
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	var tasks []database.Task
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Cancel requests cancellation of a task and returns the task status after
// the request took effect. A task still queued is removed from dispatch
// atomically and the command never runs; a running task has its transport
// force-closed and transitions to cancelled once the worker finishes
// cleanup. Cancelling a terminal task is a no-op reporting the status.
func (q *Queue) Cancel(id, actor string) (string, error) {
	task, err := q.Get(id)
	if err != nil {
		return "", err
	}

	switch task.Status {
	case database.TaskSuccess, database.TaskFailed, database.TaskTimeout, database.TaskCancelled:
		return task.Status, nil
	}

	// Queued: flip to cancelled before any worker claims it. The worker's
	// own queued->running CAS loses against this and skips the task.
	now := time.Now()
	res := q.db.Model(&database.Task{}).
		Where("id = ? AND status = ?", id, database.TaskQueued).
		Updates(map[string]interface{}{
			"status":      database.TaskCancelled,
			"reason":      "cancelled before dispatch",
			"finished_at": &now,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		q.emitter.Emit(actor, audit.ActionTaskCancelled, audit.TargetTask, id, "cancelled before dispatch")
		return database.TaskCancelled, nil
	}

	// Running: flag the executing worker and force the transport closed. If
	// the worker already decided the outcome, wait for the terminal row
	// write so the caller sees what it decided rather than a stale running.
	q.mu.Lock()
	rt := q.running[id]
	q.mu.Unlock()
	if rt != nil {
		if rt.interrupt() {
			return database.TaskRunning, nil
		}
		<-rt.done
	}

	task, err = q.Get(id)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		id, ok := q.fifo.Pop()
		if !ok {
			return
		}
		q.process(id)
	}
}

// outcome is the terminal result a task execution produced.
type outcome struct {
	status   string
	reason   string
	exitCode *int
	stdout   *string
	stderr   *string
}

func (q *Queue) process(id string) {
	var task database.Task
	if err := q.db.First(&task, "id = ?", id).Error; err != nil {
		log.Printf("[taskqueue] load task %s: %v", id, err)
		return
	}
	if task.Status != database.TaskQueued {
		// Cancelled while waiting in the FIFO; the command must not run.
		return
	}

	// The handle is registered before any queued->running transition so a
	// Cancel that observes a running status always finds it.
	rt := newRunningTask()
	q.mu.Lock()
	q.running[id] = rt
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, id)
		q.mu.Unlock()
		close(rt.done)
	}()

	srv, err := database.GetServer(q.db, task.ServerID)
	if err != nil {
		rt.markFinished()
		if q.transitionToRunning(&task) {
			q.finalize(&task, outcome{status: database.TaskFailed, reason: "server not found"})
		}
		return
	}

	hostKey := fmt.Sprintf("%s:%d", srv.Host, srv.Port)
	if err := q.limiter.Acquire(q.ctx, hostKey); err != nil {
		return // shutting down; task stays queued in the database
	}
	defer q.limiter.Release(hostKey)

	if !q.transitionToRunning(&task) {
		// Cancelled while parked on the limiter.
		return
	}
	q.emitter.Emit(task.Actor, audit.ActionTaskStarted, audit.TargetTask, task.ID,
		fmt.Sprintf("server=%d", task.ServerID))

	out := q.execute(&task, srv, rt)
	rt.markFinished()
	q.finalize(&task, out)
}

// transitionToRunning performs the queued->running CAS, stamping started_at.
// A false return means a concurrent cancel won.
func (q *Queue) transitionToRunning(task *database.Task) bool {
	now := time.Now()
	res := q.db.Model(&database.Task{}).
		Where("id = ? AND status = ?", task.ID, database.TaskQueued).
		Updates(map[string]interface{}{
			"status":     database.TaskRunning,
			"started_at": &now,
		})
	if res.Error != nil {
		log.Printf("[taskqueue] task %s: mark running: %v", task.ID, res.Error)
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	task.Status = database.TaskRunning
	task.StartedAt = &now
	return true
}

// execute resolves a credential, opens the connection and runs the command
// under the task's wall-clock deadline.
func (q *Queue) execute(task *database.Task, srv *database.Server, rt *runningTask) outcome {
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	taskCtx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()
	rt.setCancel(cancel)

	cred, err := q.resolver.Resolve(srv)
	if err != nil {
		return q.credentialFailure(task, err, rt)
	}
	defer cred.Scrub()

	client, err := sshauth.Dial(taskCtx, srv, cred)
	if err != nil {
		if rt.wasCancelled() {
			return outcome{status: database.TaskCancelled, reason: "cancelled by user"}
		}
		if q.ctx.Err() != nil {
			return outcome{status: database.TaskFailed, reason: "interrupted by shutdown"}
		}
		log.Printf("[taskqueue] task %s: dial %s: %v", task.ID, logutil.SanitizeForLog(srv.Host), err)
		if errors.Is(err, sshauth.ErrAuthentication) {
			return outcome{status: database.TaskFailed, reason: "ssh authentication failed"}
		}
		return outcome{status: database.TaskFailed, reason: "connection failed"}
	}
	cred.Scrub() // transport is up; key material is no longer needed
	rt.setClient(client)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		log.Printf("[taskqueue] task %s: open session: %v", task.ID, err)
		return outcome{status: database.TaskFailed, reason: "connection failed"}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf *boundedBuffer
	if task.StoreOutput {
		stdoutBuf = newBoundedBuffer(q.cfg.OutputMaxBytes)
		stderrBuf = newBoundedBuffer(q.cfg.OutputMaxBytes)
		session.Stdout = stdoutBuf
		session.Stderr = stderrBuf
	} else {
		session.Stdout = io.Discard
		session.Stderr = io.Discard
	}

	if err := session.Start(task.Command); err != nil {
		log.Printf("[taskqueue] task %s: start command: %v", task.ID, err)
		return outcome{status: database.TaskFailed, reason: "failed to start command"}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var out outcome
	select {
	case <-taskCtx.Done():
		// Supervisor path: force the transport closed so Wait unblocks even
		// if the remote process is unresponsive.
		client.Close()
		<-done
		switch {
		case rt.wasCancelled():
			out = outcome{status: database.TaskCancelled, reason: "cancelled by user"}
		case q.ctx.Err() != nil:
			// Parent cancellation means process shutdown, not an expired
			// wall-clock deadline.
			out = outcome{status: database.TaskFailed, reason: "interrupted by shutdown"}
		default:
			out = outcome{status: database.TaskTimeout, reason: fmt.Sprintf("timed out after %ds", task.TimeoutSeconds)}
		}
	case err := <-done:
		out = classifyExit(err)
	}

	if task.StoreOutput {
		so, se := stdoutBuf.String(), stderrBuf.String()
		out.stdout = &so
		out.stderr = &se
	}
	return out
}

// credentialFailure maps resolver errors to sanitized terminal outcomes.
// Integrity failures are reported as plain authentication errors so callers
// cannot distinguish tampering from a wrong master key.
func (q *Queue) credentialFailure(task *database.Task, err error, rt *runningTask) outcome {
	if rt.wasCancelled() {
		return outcome{status: database.TaskCancelled, reason: "cancelled by user"}
	}
	log.Printf("[taskqueue] task %s: resolve credential: %v", task.ID, err)
	switch {
	case errors.Is(err, sshauth.ErrNoCredential):
		return outcome{status: database.TaskFailed, reason: "no credential available"}
	case errors.Is(err, vault.ErrNotFound):
		return outcome{status: database.TaskFailed, reason: "credential not found"}
	case errors.Is(err, vault.ErrIntegrity):
		return outcome{status: database.TaskFailed, reason: "ssh authentication failed"}
	default:
		return outcome{status: database.TaskFailed, reason: "credential error"}
	}
}

// classifyExit maps session.Wait results to terminal outcomes.
func classifyExit(err error) outcome {
	if err == nil {
		zero := 0
		return outcome{status: database.TaskSuccess, exitCode: &zero}
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		return outcome{
			status:   database.TaskFailed,
			reason:   fmt.Sprintf("command exited with status %d", code),
			exitCode: &code,
		}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return outcome{status: database.TaskFailed, reason: "command exited without status"}
	}
	return outcome{status: database.TaskFailed, reason: "connection failed"}
}

// finalize writes the terminal state. Exit code and output are set here and
// only here, on entry to the terminal state; the row is immutable after.
func (q *Queue) finalize(task *database.Task, out outcome) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      out.status,
		"reason":      out.reason,
		"finished_at": &now,
	}
	if out.exitCode != nil {
		updates["exit_code"] = *out.exitCode
	}
	if out.stdout != nil {
		updates["stdout"] = *out.stdout
	}
	if out.stderr != nil {
		updates["stderr"] = *out.stderr
	}

	res := q.db.Model(&database.Task{}).
		Where("id = ? AND status = ?", task.ID, database.TaskRunning).
		Updates(updates)
	if res.Error != nil {
		log.Printf("[taskqueue] task %s: finalize: %v", task.ID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		log.Printf("[taskqueue] task %s: finalize skipped, not running", task.ID)
		return
	}

	action := map[string]string{
		database.TaskSuccess:   audit.ActionTaskSucceeded,
		database.TaskFailed:    audit.ActionTaskFailed,
		database.TaskTimeout:   audit.ActionTaskTimeout,
		database.TaskCancelled: audit.ActionTaskCancelled,
	}[out.status]
	q.emitter.Emit(task.Actor, action, audit.TargetTask, task.ID, out.reason)
	log.Printf("[taskqueue] task %s finished: status=%s reason=%s", task.ID, out.status, out.reason)
}
