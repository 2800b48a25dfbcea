package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dims ...int) Array
	NewArrayLike(a Array) Array
}

// Initialise new CPU device
func NewDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Number of worker threads used by batch parallel functions
	Threads() int
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	name string
	fn   func(threads int)
}

func args(name string, fn func(threads int)) Function {
	return Function{name: name, fn: fn}
}

// Name of the operation for profiling
func (f Function) Name() string { return f.name }

// cpuDevice runs operations in Go code with gonum blas for matrix routines
type cpuDevice struct{}

type cpuQueue struct {
	cpuDevice
	buffer  [queueSize]Function
	queued  int
	threads int
	*profile
}

func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &cpuQueue{
		threads: threads,
		profile: newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) exec() {
	for i := 0; i < q.queued; i++ {
		f := q.buffer[i]
		if q.profile.enabled {
			start := time.Now()
			f.fn(q.threads)
			q.profile.add(f.name, time.Since(start))
		} else {
			f.fn(q.threads)
		}
		q.buffer[i] = Function{}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
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
		fmt.Print(q.Profile())
	}
}

// run fn for each i in [0, n) split over the given number of threads
func parallel(threads, n int, fn func(thread, i int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(thread int) {
			for i := thread; i < n; i += threads {
				fn(thread, i)
			}
			wg.Done()
		}(t)
	}
	wg.Wait()
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
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
}

func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	s := []string{"== Profile =="}
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n") + "\n"
}
