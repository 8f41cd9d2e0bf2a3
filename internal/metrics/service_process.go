package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ServiceSample is a resource snapshot of the supervised service process,
// located through the init script's pid file. It is only available when
// deployr runs on the service host.
type ServiceSample struct {
	Job        string    `json:"job"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ServiceSamplerConfig controls periodic sampling.
type ServiceSamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

var ErrNoServiceProcess = errors.New("service process not running")

// ServiceSampler samples the process named by a pid file.
type ServiceSampler struct {
	job      string
	pidFile  string
	interval time.Duration

	mu   sync.RWMutex
	last *ServiceSample

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewServiceSampler(job, pidFile string, cfg ServiceSamplerConfig) *ServiceSampler {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"job"})
	}
	return &ServiceSampler{
		job:        job,
		pidFile:    pidFile,
		interval:   interval,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the service process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the service process."),
		numThreads: gauge("num_threads", "Threads of the service process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the service process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges.
func (s *ServiceSampler) RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
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

// Sample reads the pid file and takes one snapshot.
func (s *ServiceSampler) Sample() (*ServiceSample, error) {
	pid, err := readPID(s.pidFile)
	if err != nil {
		return nil, err
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrNoServiceProcess, pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("Failed to get CPU percent", "job", s.job, "pid", pid, "error", err)
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("Failed to get thread count", "job", s.job, "pid", pid, "error", err)
		threads = 0
	}
	sample := &ServiceSample{
		Job:        s.job,
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			sample.NumFDs = fds
		}
	}
	return sample, nil
}

// Last returns the most recent sample taken by the loop, or nil.
func (s *ServiceSampler) Last() *ServiceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *ServiceSampler) collect() {
	sample, err := s.Sample()
	if err != nil {
		slog.Debug("Service sample failed", "job", s.job, "error", err)
		s.cpuPercent.DeleteLabelValues(s.job)
		s.memoryRSS.DeleteLabelValues(s.job)
		s.numThreads.DeleteLabelValues(s.job)
		s.numFDs.DeleteLabelValues(s.job)
		s.mu.Lock()
		s.last = nil
		s.mu.Unlock()
		return
	}
	s.cpuPercent.WithLabelValues(s.job).Set(sample.CPUPercent)
	s.memoryRSS.WithLabelValues(s.job).Set(float64(sample.MemoryRSS))
	s.numThreads.WithLabelValues(s.job).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" {
		s.numFDs.WithLabelValues(s.job).Set(float64(sample.NumFDs))
	}
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
}

// Start samples immediately and then on every interval until ctx is done
// or Stop is called.
func (s *ServiceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collect()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect()
			}
		}
	}()
}

func (s *ServiceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func readPID(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: no pid file %s", ErrNoServiceProcess, path)
		}
		return 0, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return int32(pid), nil
}
