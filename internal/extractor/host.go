package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bruised-ego-labs/nancy/internal/config"
	"github.com/bruised-ego-labs/nancy/internal/nerr"
	"github.com/bruised-ego-labs/nancy/internal/nlog"
	"github.com/bruised-ego-labs/nancy/internal/packet"
)

// State is a worker's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateCrashed  State = "crashed"
)

const (
	maxConsecutiveFailures = 3
	baseBackoff            = 500 * time.Millisecond
	maxBackoff             = 30 * time.Second
	stopGrace              = 5 * time.Second
)

// defaultHealthCheckInterval is used when an ExtractorSpec doesn't set
// health_check_interval_seconds.
const defaultHealthCheckInterval = 30 * time.Second

// worker supervises one extractor subprocess and its RPC transport.
type worker struct {
	spec config.ExtractorSpec

	mu                sync.RWMutex
	state             State
	transport         *stdioTransport
	consecutiveErrors int
	restarts          int
	lastError         error
	generation        int // bumped on every (re)start; guards stale supervisor/crash-watch goroutines
}

// Host is the Extractor Host: it supervises a fleet of worker
// subprocesses speaking JSON-RPC 2.0 over stdio, selects the narrowest
// matching worker for a given file, and exposes fleet health to the
// lifecycle manager.
type Host struct {
	mu      sync.RWMutex
	workers map[string]*worker
	timeout time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs a Host from the configured extractor fleet. Workers
// marked auto_start are started immediately; others start lazily on
// first use. Every started worker gets a background health-check
// supervisor and a crash watcher; both stop when Shutdown is called.
func New(ctx context.Context, cfg config.ExtractorsConfig, timeout time.Duration) (*Host, error) {
	bgCtx, cancel := context.WithCancel(context.Background())
	h := &Host{workers: make(map[string]*worker), timeout: timeout, bgCtx: bgCtx, bgCancel: cancel}
	for _, spec := range cfg.EnabledExtractors {
		w := &worker{spec: spec, state: StateStopped}
		h.workers[spec.Name] = w
		if spec.AutoStart {
			if err := h.startWorker(ctx, w); err != nil {
				nlog.For("extractor.host").Warnw("auto-start failed", "worker", spec.Name, "err", err)
			}
		}
	}
	return h, nil
}

func (h *Host) startWorker(ctx context.Context, w *worker) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h.bgCtx.Err() != nil {
		return fmt.Errorf("extractor host is shutting down")
	}
	if w.state == StateHealthy || w.state == StateStarting {
		return nil
	}
	w.state = StateStarting

	t := newStdioTransport(w.spec.Name, w.spec.Executable, w.spec.Args, envSlice(w.spec.Environment))
	if err := t.start(); err != nil {
		w.state = StateCrashed
		w.lastError = err
		return &nerr.ExtractorCrash{Worker: w.spec.Name, Cause: err}
	}

	hctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if _, err := t.call(hctx, "nancy/health_check", nil); err != nil {
		t.kill()
		w.state = StateCrashed
		w.lastError = err
		return &nerr.ExtractorCrash{Worker: w.spec.Name, Cause: err}
	}

	w.transport = t
	w.state = StateHealthy
	w.consecutiveErrors = 0
	w.generation++
	gen := w.generation

	if h.bgCtx.Err() != nil {
		// Shutdown started while this worker was coming up; leave the
		// transport for Shutdown's own pass to stop rather than racing
		// bgWG.Add against a concurrent bgWG.Wait.
		return nil
	}
	h.bgWG.Add(2)
	go h.superviseHealth(w, t, gen)
	go h.watchCrash(w, t, gen)
	return nil
}

// superviseHealth polls nancy/health_check at the worker's configured
// interval and demotes to StateDegraded after maxConsecutiveFailures
// consecutive failures, independent of whether the worker is
// otherwise being used for ingestion.
func (h *Host) superviseHealth(w *worker, t *stdioTransport, gen int) {
	defer h.bgWG.Done()

	interval := time.Duration(w.spec.HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.bgCtx.Done():
			return
		case <-t.exitedCh():
			return
		case <-ticker.C:
			w.mu.RLock()
			stillCurrent := w.generation == gen
			w.mu.RUnlock()
			if !stillCurrent {
				return
			}

			hctx, cancel := context.WithTimeout(h.bgCtx, h.timeout)
			_, err := t.call(hctx, "nancy/health_check", nil)
			cancel()

			w.mu.Lock()
			if w.generation != gen {
				w.mu.Unlock()
				return
			}
			if err != nil {
				w.consecutiveErrors++
				w.lastError = err
				if w.consecutiveErrors >= maxConsecutiveFailures {
					w.state = StateDegraded
					nlog.For("extractor.host").Warnw("worker demoted to degraded", "worker", w.spec.Name, "consecutive_failures", w.consecutiveErrors)
				}
			} else {
				w.consecutiveErrors = 0
				if w.state == StateDegraded {
					w.state = StateHealthy
				}
			}
			w.mu.Unlock()
		}
	}
}

// watchCrash observes the worker's subprocess exiting without a
// deliberate stop (Shutdown or the restart path both set state to
// StateStopped before the process exits) and transitions it to
// StateCrashed, then restarts it after an exponential backoff capped at
// maxBackoff. The number of restarts is not limited.
func (h *Host) watchCrash(w *worker, t *stdioTransport, gen int) {
	defer h.bgWG.Done()

	select {
	case <-h.bgCtx.Done():
		return
	case <-t.exitedCh():
	}

	w.mu.Lock()
	if w.generation != gen || w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateCrashed
	w.lastError = fmt.Errorf("worker process exited unexpectedly")
	restarts := w.restarts
	w.mu.Unlock()

	nlog.For("extractor.host").Warnw("worker crashed, restarting", "worker", w.spec.Name, "restarts", restarts)

	backoff := backoffFor(restarts)
	select {
	case <-time.After(backoff):
	case <-h.bgCtx.Done():
		return
	}

	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		return
	}
	w.restarts++
	w.consecutiveErrors = 0
	w.mu.Unlock()

	if err := h.startWorker(h.bgCtx, w); err != nil {
		nlog.For("extractor.host").Warnw("restart after crash failed", "worker", w.spec.Name, "err", err)
	}
}

func backoffFor(restarts int) time.Duration {
	return time.Duration(math.Min(float64(maxBackoff), float64(baseBackoff)*math.Pow(2, float64(restarts))))
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// SelectWorker picks the worker to handle filePath, preferring, among
// the extractors that support its extension, the one with the
// narrowest declaration (fewest supported extensions), breaking ties
// by worker name, and falling back to a worker
// advertising the "generic_document" capability. Returns
// nerr.NoExtractorForContentType if nothing matches.
func (h *Host) SelectWorker(filePath, contentType string) (*worker, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	h.mu.RLock()
	defer h.mu.RUnlock()

	var best *worker
	for _, w := range h.workers {
		for _, supported := range w.spec.SupportedExtensions {
			if strings.ToLower(supported) != ext {
				continue
			}
			if best == nil ||
				len(w.spec.SupportedExtensions) < len(best.spec.SupportedExtensions) ||
				(len(w.spec.SupportedExtensions) == len(best.spec.SupportedExtensions) && w.spec.Name < best.spec.Name) {
				best = w
			}
			break
		}
	}
	if best != nil {
		return best, nil
	}

	for _, w := range h.workers {
		for _, capability := range w.spec.Capabilities {
			if capability == "generic_document" {
				return w, nil
			}
		}
	}

	return nil, &nerr.NoExtractorForContentType{FilePath: filePath, ContentType: contentType}
}

type ingestParams struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Ingest dispatches a file to the selected worker's nancy/ingest method
// and returns the Knowledge Packets it produced. After
// maxConsecutiveFailures failed calls in a row the worker is restarted
// after an exponential backoff capped at maxBackoff and the call's
// error is returned as ExtractorError; if that restart fails, the error
// is returned as ExtractorCrash. The number of restarts is not limited.
func (h *Host) Ingest(ctx context.Context, filePath, contentType string, metadata map[string]string) ([]*packet.Packet, error) {
	w, err := h.SelectWorker(filePath, contentType)
	if err != nil {
		return nil, err
	}

	if err := h.ensureHealthy(ctx, w); err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	w.mu.RLock()
	t := w.transport
	w.mu.RUnlock()

	raw, err := t.call(ictx, "nancy/ingest", ingestParams{Path: filePath, Metadata: metadata})
	if err != nil {
		return nil, h.onCallFailure(ctx, w, err)
	}

	var wire struct {
		Packets []json.RawMessage `json:"packets"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &nerr.ExtractorError{Worker: w.spec.Name, RPCError: fmt.Errorf("malformed ingest response: %w", err)}
	}

	packets := make([]*packet.Packet, 0, len(wire.Packets))
	for _, rp := range wire.Packets {
		pkt, err := packet.Unmarshal(rp)
		if err != nil {
			return nil, &nerr.ExtractorError{Worker: w.spec.Name, RPCError: fmt.Errorf("malformed packet: %w", err)}
		}
		packets = append(packets, pkt)
	}

	w.mu.Lock()
	w.consecutiveErrors = 0
	w.mu.Unlock()
	return packets, nil
}

func (h *Host) ensureHealthy(ctx context.Context, w *worker) error {
	w.mu.RLock()
	state := w.state
	w.mu.RUnlock()

	if state == StateHealthy || state == StateDegraded {
		return nil
	}
	return h.startWorker(ctx, w)
}

// onCallFailure records the failure, restarts the worker with backoff
// if consecutive failures exceed the bound, and classifies the error.
func (h *Host) onCallFailure(ctx context.Context, w *worker, callErr error) error {
	w.mu.Lock()
	w.consecutiveErrors++
	w.lastError = callErr
	attempts := w.consecutiveErrors
	restarts := w.restarts
	if attempts >= maxConsecutiveFailures {
		w.state = StateDegraded
	}
	w.mu.Unlock()

	if attempts < maxConsecutiveFailures {
		return &nerr.ExtractorError{Worker: w.spec.Name, RPCError: callErr}
	}

	select {
	case <-time.After(backoffFor(restarts)):
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	if w.transport != nil {
		w.transport.stop(stopGrace)
	}
	w.state = StateStopped
	w.restarts++
	w.consecutiveErrors = 0
	w.mu.Unlock()

	if err := h.startWorker(ctx, w); err != nil {
		return &nerr.ExtractorCrash{Worker: w.spec.Name, Cause: err}
	}
	return &nerr.ExtractorError{Worker: w.spec.Name, RPCError: callErr}
}

// WorkerHealth is the reported state of one worker for fleet health
// aggregation consumed by the lifecycle manager.
type WorkerHealth struct {
	Name      string
	State     State
	Restarts  int
	LastError string
}

// FleetHealth returns every worker's current state.
func (h *Host) FleetHealth() []WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]WorkerHealth, 0, len(h.workers))
	for _, w := range h.workers {
		w.mu.RLock()
		wh := WorkerHealth{Name: w.spec.Name, State: w.state, Restarts: w.restarts}
		if w.lastError != nil {
			wh.LastError = w.lastError.Error()
		}
		w.mu.RUnlock()
		out = append(out, wh)
	}
	return out
}

// Shutdown sends nancy/shutdown to every running worker, waiting up to
// stopGrace for a clean exit before force-killing the subprocess.
func (h *Host) Shutdown(ctx context.Context) {
	h.bgCancel()

	h.mu.RLock()
	workers := make([]*worker, 0, len(h.workers))
	for _, w := range h.workers {
		workers = append(workers, w)
	}
	h.mu.RUnlock()

	for _, w := range workers {
		w.mu.Lock()
		if w.transport == nil || (w.state != StateHealthy && w.state != StateDegraded) {
			w.mu.Unlock()
			continue
		}
		t := w.transport
		// Mark stopped before stopping the transport so watchCrash,
		// which wakes on the same exit this stop() triggers, observes
		// a deliberate shutdown rather than treating it as a crash.
		w.state = StateStopped
		w.mu.Unlock()

		sctx, cancel := context.WithTimeout(ctx, stopGrace)
		_, _ = t.call(sctx, "nancy/shutdown", nil)
		cancel()
		t.stop(stopGrace)
	}

	h.bgWG.Wait()
}

// Capabilities queries a worker's advertised capabilities via
// nancy/capabilities, used at startup to validate auto_discovery
// configuration against what a worker actually reports.
func (h *Host) Capabilities(ctx context.Context, name string) ([]string, error) {
	h.mu.RLock()
	w, ok := h.workers[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
	if err := h.ensureHealthy(ctx, w); err != nil {
		return nil, err
	}

	w.mu.RLock()
	t := w.transport
	w.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	raw, err := t.call(cctx, "nancy/capabilities", nil)
	if err != nil {
		return nil, err
	}
	var caps struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, err
	}
	return caps.Capabilities, nil
}
