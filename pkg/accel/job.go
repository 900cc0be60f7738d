package accel

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/fxnlabs/accel-runtime/internal/metrics"
	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// JobState is the lifecycle state of a Job.
type JobState int

const (
	// JobAcquired holds a PE that has not been started.
	JobAcquired JobState = iota
	// JobStarted has been triggered; its CompletionHandle owns the PE.
	JobStarted
	// JobReleased has returned its PE.
	JobReleased
)

func (s JobState) String() string {
	switch s {
	case JobAcquired:
		return "acquired"
	case JobStarted:
		return "started"
	case JobReleased:
		return "released"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Job is one acquired PE instance. Start it with arguments, or Release it
// unused. A Job that is neither started nor released is reported as a leak
// when garbage collected.
type Job struct {
	dev  *Device
	pool *pePool
	pe   transport.PEHandle

	mu     sync.Mutex
	state  JobState
	broken bool
}

func newJob(d *Device, p *pePool, h transport.PEHandle) *Job {
	j := &Job{dev: d, pool: p, pe: h}
	runtime.SetFinalizer(j, func(j *Job) {
		if j.state == JobAcquired {
			j.dev.reportLeak("job", j.pool.kind)
		}
	})
	return j
}

// Kind returns the PE kind of the job.
func (j *Job) Kind() PEKind {
	return j.pool.kind
}

// Handle returns the transport handle of the acquired instance.
func (j *Job) Handle() transport.PEHandle {
	return j.pe
}

// State returns the lifecycle state of the job.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// placement is a buffer argument placed in device memory for a launch.
type placement struct {
	arg   BufferArg
	addr  DeviceAddress
	local bool
	// owned placements were allocated by the runtime; fixed ones were not.
	owned bool
}

// Start places args on the device and triggers the PE.
//
// Buffers are allocated in argument order and copied in where their
// direction asks for it. If any placement fails, everything placed so far is
// freed and the job stays acquired. If the transport rejects the trigger the
// job can only be released.
func (j *Job) Start(args *ArgumentList) (*CompletionHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case JobStarted:
		return nil, fmt.Errorf("%w: job on PE kind %d is already started", ErrInvalidState, j.pool.kind)
	case JobReleased:
		return nil, fmt.Errorf("start job: %w", ErrAlreadyReleased)
	}
	if j.broken {
		return nil, fmt.Errorf("%w: job on PE kind %d failed to launch and must be released", ErrLaunch, j.pool.kind)
	}
	if args == nil {
		args = j.dev.NewArgumentList()
	}
	if args.dev != j.dev {
		return nil, fmt.Errorf("%w: argument list belongs to another device", ErrInvalidArgument)
	}

	regs := make([]uint64, 0, len(args.descs))
	placed := make([]*placement, 0, len(args.descs))
	for i, desc := range args.descs {
		switch a := desc.(type) {
		case ReturnArg:
		case ScalarArg:
			regs = append(regs, a.Value)
		case AddressArg:
			regs = append(regs, uint64(a.Addr))
		case BufferArg:
			p, err := j.place(a)
			if err != nil {
				j.unplace(placed)
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			placed = append(placed, p)
			regs = append(regs, uint64(p.addr))
		}
	}

	tr := j.dev.tr
	if tr.Start(j.dev.handle, j.pe, regs) != transport.Success {
		err := lastError(tr, ErrLaunch, "start PE %d (kind %d)", j.pe, j.pool.kind)
		j.broken = true
		j.unplace(placed)
		return nil, err
	}

	j.state = JobStarted
	metrics.JobsLaunched.WithLabelValues(kindLabel(j.pool.kind)).Inc()
	j.dev.log.Debug("job started",
		zap.Uint32("kind", uint32(j.pool.kind)),
		zap.Uint64("pe", uint64(j.pe)),
		zap.Int("registers", len(regs)),
		zap.Int("buffers", len(placed)))

	return newCompletionHandle(j, args.ret(), placed), nil
}

func (j *Job) place(a BufferArg) (*placement, error) {
	if a.Fixed {
		p := &placement{arg: a, addr: a.Addr}
		if err := j.dev.mem.CopyTo(a.Host, a.Addr); err != nil {
			return nil, err
		}
		return p, nil
	}

	p := &placement{arg: a, owned: true}
	length := uint64(len(a.Host))
	tr := j.dev.tr
	if a.Local {
		addr := tr.LocalAllocate(j.dev.handle, j.pe, length)
		if uint64(addr) != transport.InvalidHandle {
			p.addr, p.local = DeviceAddress(addr), true
		} else {
			err := lastError(tr, ErrLocalMemoryExhausted, "allocate %d bytes of local memory on PE %d", length, j.pe)
			if j.dev.opts.strictLocal {
				return nil, err
			}
			metrics.LocalMemoryFallbacks.Inc()
			j.dev.log.Debug("placing buffer in shared memory", zap.Uint32("kind", uint32(j.pool.kind)), zap.Error(err))
		}
	}
	if !p.local {
		addr, err := j.dev.mem.Allocate(int64(length))
		if err != nil {
			return nil, err
		}
		p.addr = addr
	}

	if a.Direction&ToDevice != 0 {
		if err := j.dev.mem.CopyTo(a.Host, p.addr); err != nil {
			if ferr := j.free(p); ferr != nil {
				err = multierr.Append(err, ferr)
			}
			return nil, err
		}
	}
	return p, nil
}

func (j *Job) free(p *placement) error {
	if !p.owned {
		return nil
	}
	if p.local {
		tr := j.dev.tr
		if tr.LocalFree(j.dev.handle, j.pe, transport.Address(p.addr)) != transport.Success {
			return lastError(tr, ErrTransport, "free local %s on PE %d", p.addr, j.pe)
		}
		return nil
	}
	return j.dev.mem.Free(p.addr)
}

// unplace frees placements of a launch that did not happen.
func (j *Job) unplace(placed []*placement) {
	for _, p := range placed {
		if err := j.free(p); err != nil {
			j.dev.log.Warn("failed to free buffer of aborted launch", zap.Stringer("address", p.addr), zap.Error(err))
		}
	}
}

// Release returns the PE of a job that was never started.
func (j *Job) Release() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case JobStarted:
		return fmt.Errorf("%w: a started job is released through its completion handle", ErrInvalidState)
	case JobReleased:
		return fmt.Errorf("release job: %w", ErrAlreadyReleased)
	}
	j.state = JobReleased
	runtime.SetFinalizer(j, nil)
	if err := j.dev.releasePE(j.pool, j.pe); err != nil {
		return fmt.Errorf("%w: %w", ErrRelease, err)
	}
	return nil
}

// Allocation is device memory left allocated after release.
type Allocation struct {
	Addr   DeviceAddress
	Length int64
}

// CompletionHandle is the pending result of a started Job.
type CompletionHandle struct {
	job     *Job
	ret     *ReturnArg
	placed  []*placement
	started time.Time

	mu       sync.Mutex
	consumed bool
	value    uint64
	retained []Allocation
}

func newCompletionHandle(j *Job, ret *ReturnArg, placed []*placement) *CompletionHandle {
	h := &CompletionHandle{job: j, ret: ret, placed: placed, started: time.Now()}
	runtime.SetFinalizer(h, func(h *CompletionHandle) {
		if !h.consumed {
			h.job.dev.reportLeak("completion handle", h.job.pool.kind)
		}
	})
	return h
}

// Job returns the job the handle completes.
func (h *CompletionHandle) Job() *Job {
	return h.job
}

// Wait blocks until the PE completes, then releases the launch: it reads the
// return register into the return capture, copies buffers back, frees the
// device memory placed for the launch and returns the PE.
//
// If ctx is done first Wait returns ErrTimeout and the handle can be waited
// on again. Otherwise the handle is consumed even when a release step fails;
// the failures are combined under ErrRelease and the PE is released anyway.
// Waiting on a consumed handle returns ErrAlreadyReleased.
func (h *CompletionHandle) Wait(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return h.value, fmt.Errorf("wait: %w", ErrAlreadyReleased)
	}

	j := h.job
	d := j.dev
	tr := d.tr

	var errs error
	if tr.Wait(ctx, d.handle, j.pe) != transport.Success {
		err := lastError(tr, ErrTransport, "wait for PE %d (kind %d)", j.pe, j.pool.kind)
		if ctx.Err() != nil {
			err.Kind = ErrTimeout
			return 0, err
		}
		errs = multierr.Append(errs, err)
	}

	h.consumed = true
	runtime.SetFinalizer(h, nil)

	// Results are only collected from a PE that completed.
	if errs == nil {
		var v uint64
		if tr.ReturnValue(d.handle, j.pe, &v) != transport.Success {
			errs = multierr.Append(errs, lastError(tr, ErrTransport, "read return value of PE %d", j.pe))
		} else {
			h.value = v
			if h.ret != nil {
				errs = multierr.Append(errs, storeReturn(h.ret.Target, v))
			}
		}

		for _, p := range h.placed {
			if p.arg.Direction&FromDevice != 0 {
				errs = multierr.Append(errs, d.mem.CopyFrom(p.addr, p.arg.Host))
			}
		}
	}

	for _, p := range h.placed {
		switch {
		case !p.owned:
		case p.arg.FreeAfterUse:
			errs = multierr.Append(errs, j.free(p))
		default:
			h.retained = append(h.retained, Allocation{Addr: p.addr, Length: int64(len(p.arg.Host))})
		}
	}

	j.mu.Lock()
	j.state = JobReleased
	j.mu.Unlock()
	runtime.SetFinalizer(j, nil)
	errs = multierr.Append(errs, d.releasePE(j.pool, j.pe))

	kind := kindLabel(j.pool.kind)
	metrics.JobDuration.WithLabelValues(kind).Observe(float64(time.Since(h.started).Microseconds()) / 1000)
	if errs != nil {
		metrics.JobsCompleted.WithLabelValues(kind, "error").Inc()
		return h.value, fmt.Errorf("%w: job on PE kind %d: %w", ErrRelease, j.pool.kind, errs)
	}
	metrics.JobsCompleted.WithLabelValues(kind, "ok").Inc()
	return h.value, nil
}

// Retained returns the allocations of KeepAfterUse buffers once the handle
// has been waited on. The caller owns them and frees them with
// DefaultMemory().Free.
func (h *CompletionHandle) Retained() []Allocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Allocation(nil), h.retained...)
}

func storeReturn(target any, v uint64) error {
	rv := reflect.ValueOf(target)
	switch elem := rv.Elem(); elem.Kind() {
	case reflect.Int:
		elem.SetInt(int64(v)) // truncated to the native width
		return nil
	case reflect.Uint, reflect.Uintptr:
		elem.SetUint(v)
		return nil
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	size := binary.Size(target)
	if _, err := binary.Decode(buf[:size], binary.LittleEndian, target); err != nil {
		return fmt.Errorf("store return value into %T: %w", target, err)
	}
	return nil
}
