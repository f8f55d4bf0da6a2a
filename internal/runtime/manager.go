// Package runtime implements the process-wide RuntimeManager: the
// singleton that owns the Broker, a fixed worker-scheduler pool, mesh
// placement, and the process-wide session→mesh index.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/renjiyun06/mosaic/internal/broker"
	"github.com/renjiyun06/mosaic/internal/driver"
	"github.com/renjiyun06/mosaic/internal/envelope"
	"github.com/renjiyun06/mosaic/internal/mesh"
	"github.com/renjiyun06/mosaic/internal/sessionrouter"
	"github.com/renjiyun06/mosaic/internal/store"
	"github.com/renjiyun06/mosaic/internal/systemprompt"
	"github.com/renjiyun06/mosaic/internal/userbroker"
	"github.com/rs/zerolog"
)

var (
	ErrMeshAlreadyRunning = errors.New("runtime: mesh already running")
	ErrMeshNotRunning     = errors.New("runtime: mesh not running")
	ErrSessionNotFound    = errors.New("runtime: session not found")
)

// job is one unit of work posted to a workerScheduler; done, if non-nil,
// is closed after fn returns, giving the poster a synchronous result
// channel — the Go analogue of
// asyncio.run_coroutine_threadsafe(coro, loop).result().
type job struct {
	fn   func()
	done chan struct{}
}

// workerScheduler is one cooperative, single-goroutine command loop, the
// Go analogue of one of the original's pre-created per-thread event
// loops.
type workerScheduler struct {
	id   int
	jobs chan job
}

func newWorkerScheduler(id int) *workerScheduler {
	w := &workerScheduler{id: id, jobs: make(chan job, 1024)}
	go w.run()
	return w
}

func (w *workerScheduler) run() {
	for j := range w.jobs {
		j.fn()
		if j.done != nil {
			close(j.done)
		}
	}
}

// post runs fn on this worker's own goroutine and blocks until it
// completes — used for lifecycle operations that need a synchronous
// result.
func (w *workerScheduler) post(fn func()) {
	done := make(chan struct{})
	w.jobs <- job{fn: fn, done: done}
	<-done
}

// Config supplies every collaborator RuntimeManager wires into the
// MeshInstances it starts.
type Config struct {
	Workers    int
	Store      *store.Store
	BrokerSvc  *broker.Service
	UserBroker *userbroker.Broker
	Router     *sessionrouter.Router
	Registry   *envelope.Registry
	SysPrompt  *systemprompt.Builder
	NewDriver  func() driver.Driver
	Factories  map[string]mesh.SessionFactory
	Logger     zerolog.Logger
}

// RuntimeManager is the process singleton owning every running
// MeshInstance, a fixed worker pool, and the process-wide session→mesh
// index.
type RuntimeManager struct {
	cfg     Config
	workers []*workerScheduler
	log     zerolog.Logger

	meshesMu   sync.RWMutex
	meshes     map[string]*mesh.MeshInstance
	meshWorker map[string]int
	nextWorker int

	sessionMu   sync.RWMutex
	sessionMesh map[string]string
}

// instance/instanceMu implement the original's double-checked-locking
// singleton literally (a plain sync.Mutex + nil check, rather than
// sync.Once, which would make the second check redundant) — kept for
// idiom fidelity with RuntimeManager.get_instance, documented in
// DESIGN.md.
var (
	instance   *RuntimeManager
	instanceMu sync.Mutex
)

// GetInstance returns the process singleton, constructing it from cfg on
// first call. Subsequent calls ignore cfg and return the existing
// instance.
func GetInstance(cfg Config) *RuntimeManager {
	if instance == nil {
		instanceMu.Lock()
		defer instanceMu.Unlock()
		if instance == nil {
			instance = newRuntimeManager(cfg)
		}
	}
	return instance
}

func newRuntimeManager(cfg Config) *RuntimeManager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	rm := &RuntimeManager{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "runtime_manager").Logger(),
		meshes:      make(map[string]*mesh.MeshInstance),
		meshWorker:  make(map[string]int),
		sessionMesh: make(map[string]string),
	}
	rm.workers = make([]*workerScheduler, workers)
	for i := range rm.workers {
		rm.workers[i] = newWorkerScheduler(i)
	}
	rm.log.Info().Int("workers", workers).Msg("runtime manager started")
	return rm
}

func (rm *RuntimeManager) selectWorker() *workerScheduler {
	idx := rm.nextWorker % len(rm.workers)
	rm.nextWorker++
	return rm.workers[idx]
}

// StartMesh places meshID on a worker (round-robin, fixed for the life of
// this run) and starts its MeshInstance, blocking for the synchronous
// result.
func (rm *RuntimeManager) StartMesh(ctx context.Context, meshID string) error {
	rm.meshesMu.Lock()
	if _, exists := rm.meshes[meshID]; exists {
		rm.meshesMu.Unlock()
		return ErrMeshAlreadyRunning
	}
	worker := rm.selectWorker()
	rm.meshWorker[meshID] = worker.id
	rm.meshesMu.Unlock()

	instance := mesh.NewMeshInstance(meshID, mesh.NodeBuildConfig{
		BrokerSvc:  rm.cfg.BrokerSvc,
		Store:      rm.cfg.Store,
		UserBroker: rm.cfg.UserBroker,
		Router:     rm.cfg.Router,
		Registry:   rm.cfg.Registry,
		SysPrompt:  rm.cfg.SysPrompt,
		NewDriver:  rm.cfg.NewDriver,
		Factories:  rm.cfg.Factories,
		Logger:     rm.cfg.Logger,
	})

	var startErr error
	worker.post(func() { startErr = instance.Start(ctx) })
	if startErr != nil {
		return fmt.Errorf("runtime: start mesh %s: %w", meshID, startErr)
	}

	rm.meshesMu.Lock()
	rm.meshes[meshID] = instance
	rm.meshesMu.Unlock()

	rm.log.Info().Str("mesh_id", meshID).Int("worker", worker.id).Msg("mesh started")
	return nil
}

// StopMesh stops meshID's MeshInstance, blocking for the synchronous
// result, and removes it from the running-mesh table.
func (rm *RuntimeManager) StopMesh(ctx context.Context, meshID string) error {
	instance, worker, err := rm.runningMesh(meshID)
	if err != nil {
		return err
	}

	var stopErr error
	worker.post(func() { stopErr = instance.Stop(ctx) })
	if stopErr != nil {
		return fmt.Errorf("runtime: stop mesh %s: %w", meshID, stopErr)
	}

	rm.meshesMu.Lock()
	delete(rm.meshes, meshID)
	rm.meshesMu.Unlock()

	rm.log.Info().Str("mesh_id", meshID).Msg("mesh stopped")
	return nil
}

// RestartMesh stops then starts meshID.
func (rm *RuntimeManager) RestartMesh(ctx context.Context, meshID string) error {
	if err := rm.StopMesh(ctx, meshID); err != nil {
		return err
	}
	return rm.StartMesh(ctx, meshID)
}

// MeshStatus reports "running" or "stopped" for meshID.
func (rm *RuntimeManager) MeshStatus(meshID string) string {
	rm.meshesMu.RLock()
	defer rm.meshesMu.RUnlock()
	if _, ok := rm.meshes[meshID]; ok {
		return "running"
	}
	return "stopped"
}

func (rm *RuntimeManager) runningMesh(meshID string) (*mesh.MeshInstance, *workerScheduler, error) {
	rm.meshesMu.RLock()
	defer rm.meshesMu.RUnlock()
	instance, ok := rm.meshes[meshID]
	if !ok {
		return nil, nil, ErrMeshNotRunning
	}
	idx := rm.meshWorker[meshID]
	return instance, rm.workers[idx], nil
}

// StartNode/StopNode/RestartNode proxy to the mesh's MeshInstance,
// running on that mesh's assigned worker so every node-lifecycle
// operation for one mesh is serialized through its own cooperative loop.

func (rm *RuntimeManager) StartNode(ctx context.Context, meshID, nodeID string) error {
	instance, worker, err := rm.runningMesh(meshID)
	if err != nil {
		return err
	}
	var opErr error
	worker.post(func() { _, opErr = instance.StartNode(ctx, nodeID) })
	return opErr
}

func (rm *RuntimeManager) StopNode(ctx context.Context, meshID, nodeID string) error {
	instance, worker, err := rm.runningMesh(meshID)
	if err != nil {
		return err
	}
	var opErr error
	worker.post(func() { opErr = instance.StopNode(ctx, nodeID) })
	return opErr
}

func (rm *RuntimeManager) RestartNode(ctx context.Context, meshID, nodeID string) error {
	instance, worker, err := rm.runningMesh(meshID)
	if err != nil {
		return err
	}
	var opErr error
	worker.post(func() { opErr = instance.RestartNode(ctx, nodeID) })
	return opErr
}

func (rm *RuntimeManager) NodeStatus(meshID, nodeID string) string {
	instance, _, err := rm.runningMesh(meshID)
	if err != nil {
		return "mesh_not_running"
	}
	return instance.NodeStatus(nodeID)
}

// SubmitCreateSession validates synchronously (meshID must be running)
// then posts a CmdCreateSession onto that mesh's own command queue — a
// thread-safe buffered channel send, the one cross-goroutine primitive
// this family of operations needs. On success, the session is registered
// in the process-wide session→mesh index.
func (rm *RuntimeManager) SubmitCreateSession(meshID, nodeID, sessionID, userID string, cfg map[string]interface{}, callback func(mesh.CommandResult)) error {
	rm.meshesMu.RLock()
	instance, ok := rm.meshes[meshID]
	rm.meshesMu.RUnlock()
	if !ok {
		return ErrMeshNotRunning
	}

	cmd := mesh.NewCommand(mesh.CmdCreateSession)
	cmd.MeshID, cmd.NodeID, cmd.SessionID, cmd.UserID, cmd.Config = meshID, nodeID, sessionID, userID, cfg
	cmd.Callback = func(res mesh.CommandResult) {
		if res.Status == "success" {
			rm.RegisterSession(sessionID, meshID)
		}
		if callback != nil {
			callback(res)
		}
	}
	instance.Submit(cmd)
	rm.log.Debug().Str("session_id", sessionID).Str("request_id", cmd.RequestID).Msg("submitted create_session command")
	return nil
}

// SubmitSendMessage validates the session is known to this process, then
// posts a CmdSendMessage onto its mesh's command queue.
func (rm *RuntimeManager) SubmitSendMessage(sessionID, message, userID string, callback func(mesh.CommandResult)) error {
	instance, err := rm.sessionInstance(sessionID)
	if err != nil {
		return err
	}

	cmd := mesh.NewCommand(mesh.CmdSendMessage)
	cmd.SessionID, cmd.Message, cmd.UserID, cmd.Callback = sessionID, message, userID, callback
	instance.Submit(cmd)
	return nil
}

// SubmitInterruptSession validates the session is known to this process,
// then posts a CmdInterruptSession onto its mesh's command queue.
func (rm *RuntimeManager) SubmitInterruptSession(sessionID, userID string, callback func(mesh.CommandResult)) error {
	instance, err := rm.sessionInstance(sessionID)
	if err != nil {
		return err
	}

	cmd := mesh.NewCommand(mesh.CmdInterruptSession)
	cmd.SessionID, cmd.UserID, cmd.Callback = sessionID, userID, callback
	instance.Submit(cmd)
	return nil
}

// SubmitCloseSession posts a CmdCloseSession onto the session's mesh
// command queue. Unlike the other Submit* methods, an unknown session id
// is not an error here — it is logged and treated as "already closed",
// matching the original's submit_close_session soft-fail.
func (rm *RuntimeManager) SubmitCloseSession(sessionID, userID string, force bool, callback func(mesh.CommandResult)) {
	instance, err := rm.sessionInstance(sessionID)
	if err != nil {
		rm.log.Warn().Str("session_id", sessionID).Msg("session not found in process-wide mapping, may already be closed")
		return
	}

	cmd := mesh.NewCommand(mesh.CmdCloseSession)
	cmd.SessionID, cmd.UserID, cmd.Force = sessionID, userID, force
	cmd.Callback = func(res mesh.CommandResult) {
		if res.Status == "success" {
			rm.UnregisterSession(sessionID)
		}
		if callback != nil {
			callback(res)
		}
	}
	instance.Submit(cmd)
}

func (rm *RuntimeManager) sessionInstance(sessionID string) (*mesh.MeshInstance, error) {
	rm.sessionMu.RLock()
	meshID, ok := rm.sessionMesh[sessionID]
	rm.sessionMu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	rm.meshesMu.RLock()
	instance, ok := rm.meshes[meshID]
	rm.meshesMu.RUnlock()
	if !ok {
		return nil, ErrMeshNotRunning
	}
	return instance, nil
}

// RegisterSession and UnregisterSession are idempotent: registering twice
// simply overwrites, and unregistering an absent session is a no-op,
// matching the original's dict semantics.

func (rm *RuntimeManager) RegisterSession(sessionID, meshID string) {
	rm.sessionMu.Lock()
	rm.sessionMesh[sessionID] = meshID
	rm.sessionMu.Unlock()
	rm.log.Debug().Str("session_id", sessionID).Str("mesh_id", meshID).Msg("registered session")
}

func (rm *RuntimeManager) UnregisterSession(sessionID string) {
	rm.sessionMu.Lock()
	delete(rm.sessionMesh, sessionID)
	rm.sessionMu.Unlock()
}

// Shutdown stops every running mesh.
func (rm *RuntimeManager) Shutdown(ctx context.Context) {
	rm.meshesMu.RLock()
	meshIDs := make([]string, 0, len(rm.meshes))
	for id := range rm.meshes {
		meshIDs = append(meshIDs, id)
	}
	rm.meshesMu.RUnlock()

	for _, id := range meshIDs {
		if err := rm.StopMesh(ctx, id); err != nil {
			rm.log.Error().Err(err).Str("mesh_id", id).Msg("error stopping mesh on shutdown")
		}
	}
	rm.log.Info().Msg("runtime manager shut down")
}
