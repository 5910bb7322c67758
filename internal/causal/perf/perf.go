// Package perf wraps a Linux perf_event_open(2) counter as a
// per-goroutine sample source: task-clock sampling with
// instruction-pointer and callchain capture, delivered to a ring
// buffer this package mmaps and parses directly (there is no portable
// Go standard-library API for hardware/software performance counters).
//
// This is the same altitude other profiling tools in the Go ecosystem
// operate at when they need real kernel sample data rather than
// runtime/pprof's own signal-driven stack sampler.
package perf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kolkov/causalprof/internal/causal/sample"
)

// Config is the sampler's fixed configuration: sample on CPU-time
// progress, request IP + callchain, exclude idle and kernel frames.
type Config struct {
	// SamplePeriod is the number of nanoseconds of task-clock time
	// between samples.
	SamplePeriod int64

	// WakeupCount is the number of samples the kernel accumulates
	// before the ring buffer's poll-wakeup fires; this package does not
	// poll, but the timer described below fires at the same cadence
	// (SamplePeriod × WakeupCount).
	WakeupCount int
}

const ringBufferPages = 8 // 1 metadata page + 2^n data pages

// Sampler starts/stops the kernel counter, drains buffered records,
// and closes its kernel resources. One Sampler
// is owned by exactly one goroutine's thread.State, opened in
// session.Startup/begin_sampling and closed in end_sampling.
type Sampler struct {
	fd     int
	ring   []byte
	meta   *unix.PerfEventMmapPage
	ticker *time.Ticker
	stopCh chan struct{}
}

// Open creates a new task-clock perf event for the calling OS thread,
// initially disabled (Start enables it). The caller must have pinned the calling goroutine to its
// OS thread (runtime.LockOSThread) before calling Open, since
// perf_event_open(2) with pid=0 attaches to the calling thread.
func Open(cfg Config) (*Sampler, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_TASK_CLOCK,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      uint64(cfg.SamplePeriod),
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_CALLCHAIN,
		Wakeup:      uint32(cfg.WakeupCount),
		Bits: unix.PerfBitDisabled |
			unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeHv |
			unix.PerfBitExcludeIdle,
	}

	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf: perf_event_open: %w", err)
	}

	size := (1 + (1 << ringBufferPages)) * unix.Getpagesize()
	ring, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("perf: mmap ring buffer: %w", err)
	}

	s := &Sampler{
		fd:   fd,
		ring: ring,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0])),
	}
	return s, nil
}

// Start enables counting.
func (s *Sampler) Start() {
	_ = unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Stop disables counting. Buffered records already in the ring are
// unaffected and remain available to Drain.
func (s *Sampler) Stop() {
	_ = unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Close releases the sampler's kernel resources and stops its wakeup
// timer, if one was started via StartTimer.
func (s *Sampler) Close() error {
	s.StopTimer()
	if err := unix.Munmap(s.ring); err != nil {
		unix.Close(s.fd)
		return fmt.Errorf("perf: munmap: %w", err)
	}
	return unix.Close(s.fd)
}

// dataPages returns the ring buffer's data region (everything after the
// single metadata page).
func (s *Sampler) dataPages() []byte {
	pageSize := unix.Getpagesize()
	return s.ring[pageSize:]
}

// Drain yields every sample record currently buffered, translating the
// kernel's PERF_RECORD_SAMPLE layout (header, then, per our
// Sample_type: u64 ip, u64 nr, nr×u64 ips) into sample.Record values;
// it is empty when nothing new has arrived. Non-sample record types
// (mmap/comm/lost, etc.) are skipped: only sample records carry
// anything this profiler attributes.
func (s *Sampler) Drain() []sample.Record {
	data := s.dataPages()
	size := uint64(len(data))

	head := atomicLoad64(&s.meta.Data_head)
	tail := s.meta.Data_tail

	var out []sample.Record
	for tail < head {
		off := tail % size
		hdr := readRecordHeader(data, off)
		if hdr.size == 0 {
			break // malformed record: stop rather than loop forever
		}

		if hdr.recType == unix.PERF_RECORD_SAMPLE {
			if rec, ok := decodeSample(data, off+16, size); ok {
				out = append(out, rec)
			}
			// A decode failure here is treated as a skipped sample —
			// the record is still consumed via tail advancement below.
		}

		tail += uint64(hdr.size)
	}

	atomicStore64(&s.meta.Data_tail, tail)
	return out
}

type recordHeader struct {
	recType uint32
	misc    uint16
	size    uint16
}

func readRecordHeader(data []byte, off uint64) recordHeader {
	b := ringSlice(data, off, 8)
	return recordHeader{
		recType: binary.LittleEndian.Uint32(b[0:4]),
		misc:    binary.LittleEndian.Uint16(b[4:6]),
		size:    binary.LittleEndian.Uint16(b[6:8]),
	}
}

// decodeSample reads a PERF_RECORD_SAMPLE body laid out per our
// Sample_type (PERF_SAMPLE_IP | PERF_SAMPLE_CALLCHAIN): a u64 ip,
// followed by a u64 nr and nr further u64 addresses forming the
// callchain of return addresses. off is the offset of the nr field
// (record start + 16, as Drain passes it); ip is read from the 8 bytes
// just before it.
func decodeSample(data []byte, off, size uint64) (sample.Record, bool) {
	ipBytes := ringSlice(data, off-8, 8)
	ip := binary.LittleEndian.Uint64(ipBytes)

	nrBytes := ringSlice(data, off, 8)
	nr := binary.LittleEndian.Uint64(nrBytes)
	off += 8

	if nr > 1<<16 {
		return sample.Record{}, false // implausible; treat as a decode failure
	}

	chain := make([]uintptr, 0, nr)
	for i := uint64(0); i < nr; i++ {
		b := ringSlice(data, off, 8)
		chain = append(chain, uintptr(binary.LittleEndian.Uint64(b)))
		off += 8
	}

	return sample.Record{IP: uintptr(ip), Callchain: chain}, true
}

// ringSlice copies n bytes starting at a ring-buffer-relative offset,
// wrapping around the end of the buffer as the kernel's writer does.
func ringSlice(data []byte, off, n uint64) []byte {
	size := uint64(len(data))
	out := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		out[i] = data[(off+i)%size]
	}
	return out
}

func atomicLoad64(p *uint64) uint64  { return atomic.LoadUint64(p) }
func atomicStore64(p *uint64, v uint64) { atomic.StoreUint64(p, v) }

// StartTimer starts a periodic timer that raises SampleSignal on the
// owning thread every SamplePeriod × SampleWakeupCount nanoseconds.
// Since Go cannot target a POSIX signal at one specific OS thread, the
// timer instead calls fire directly on a dedicated goroutine; fire is
// expected to be sample.Processor.OnSignal, whose own latch handles
// the "drop on contention" semantics that give this substitution the
// same observable behavior as a real signal.
func (s *Sampler) StartTimer(period time.Duration, fire func()) {
	s.ticker = time.NewTicker(period)
	s.stopCh = make(chan struct{})
	go func() {
		for {
			select {
			case <-s.ticker.C:
				fire()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// StopTimer stops the periodic wakeup timer started by StartTimer. It
// is a no-op if no timer was started.
func (s *Sampler) StopTimer() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopCh)
	s.ticker = nil
}
