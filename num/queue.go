package num

import (
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Max number of functions buffered before the queue is flushed
const QueueSize = 256

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(nBatch, depth, h, w, size, stride int) Layer
	// Description of the device
	Name() string
}

// Number of devices which can be passed to NewDevice
func Devices() int { return 1 }

// Initialise new device given the index, only the CPU device 0 is currently available.
func NewDevice(index int) (Device, error) {
	if index < 0 || index >= Devices() {
		return nil, errors.Errorf("device %d not available: found %d device(s)", index, Devices())
	}
	return NewCPUDevice(), nil
}

// Initialise the CPU device
func NewCPUDevice() Device {
	return cpuDevice{}
}

// Default number of worker threads for a queue
func DefaultThreads() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Number of worker threads used for batch parallel operations
	Threads() int
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	PrintProfile()
}

// cpuDevice uses gonum blas routines running on the host
type cpuDevice struct{}

func (d cpuDevice) Name() string {
	return fmt.Sprintf("cpu: %s (%d cores, %d threads)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
}

type cpuQueue struct {
	cpuDevice
	buffer  [QueueSize]Function
	queued  int
	threads int
	*profile
}

func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = 1
	}
	return &cpuQueue{
		cpuDevice: d,
		threads:   threads,
		profile:   newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer[:q.queued] {
		if q.profile.enabled {
			start := time.Now()
			f.fn(q.threads)
			q.profile.add(f.name, time.Since(start))
		} else {
			f.fn(q.threads)
		}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= QueueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		q.PrintProfile()
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
}

func (p *profile) PrintProfile() {
	fmt.Println("== Profile ==")
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Printf("%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Printf("%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
}
