package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics is one resource sample of the worker.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig is the [metrics] sampling configuration.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"sample_interval"`
}

// PIDSource reports the pid of the running worker, or 0 when none runs.
type PIDSource func() int

// Sampler periodically samples CPU and memory of the worker process.
type Sampler struct {
	interval time.Duration
	pid      PIDSource
	log      *slog.Logger

	mu     sync.RWMutex
	latest *ProcessMetrics
	proc   *process.Process // reused so CPU percent is computed between samples

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewSampler creates a sampler. It does nothing until Start.
func NewSampler(cfg SamplerConfig, pid PIDSource) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &Sampler{
		interval:   interval,
		pid:        pid,
		log:        slog.Default(),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker in MB."),
		numThreads: gauge("num_threads", "Number of threads of the worker."),
		numFDs:     gauge("num_fds", "Open file descriptors of the worker (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Latest returns the most recent sample, or nil.
func (s *Sampler) Latest() *ProcessMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	cp := *s.latest
	return &cp
}

func (s *Sampler) tick(ctx context.Context) {
	pid := s.pid()
	if pid <= 0 {
		s.reset()
		return
	}
	m, err := s.Sample(ctx, int32(pid))
	if err != nil {
		s.log.Debug("worker sample failed", "pid", pid, "error", err)
		s.reset()
		return
	}
	s.cpuPercent.Reset()
	s.memoryMB.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
	label := prometheus.Labels{"pid": strconv.Itoa(int(m.PID))}
	s.cpuPercent.With(label).Set(m.CPUPercent)
	s.memoryMB.With(label).Set(m.MemoryMB)
	s.numThreads.With(label).Set(float64(m.NumThreads))
	if runtime.GOOS != "windows" {
		s.numFDs.With(label).Set(float64(m.NumFDs))
	}
}

func (s *Sampler) reset() {
	s.mu.Lock()
	s.latest = nil
	s.proc = nil
	s.mu.Unlock()
	s.cpuPercent.Reset()
	s.memoryMB.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
}

// Sample collects one measurement of pid.
func (s *Sampler) Sample(ctx context.Context, pid int32) (*ProcessMetrics, error) {
	s.mu.Lock()
	p := s.proc
	if p == nil || p.Pid != pid {
		np, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		p = np
		s.proc = p
	}
	s.mu.Unlock()

	m := &ProcessMetrics{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
		m.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	m.MemoryRSS = mem.RSS
	m.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = n
		}
	}

	s.mu.Lock()
	s.latest = m
	s.mu.Unlock()
	return m, nil
}
