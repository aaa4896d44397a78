package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Sampler periodically refreshes the engine's self-resource gauges from the
// running process.
type Sampler struct {
	proc   *process.Process
	logger *logrus.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler builds a sampler for the current process. A process lookup
// failure is non-fatal; sampling is simply disabled.
func NewSampler(logger *logrus.Logger) *Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.WithError(err).Warn("Resource sampling disabled")
		proc = nil
	}
	return &Sampler{proc: proc, logger: logger}
}

// Start begins sampling until Stop.
func (s *Sampler) Start(ctx context.Context) {
	if s.proc == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts sampling and waits for the sampler goroutine.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		s.sample()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	MemoryUsage.WithLabelValues("heap").Set(float64(ms.HeapAlloc))
	Goroutines.Set(float64(runtime.NumGoroutine()))

	if mem, err := s.proc.MemoryInfo(); err == nil {
		MemoryUsage.WithLabelValues("rss").Set(float64(mem.RSS))
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		CPUUsage.Set(cpu)
	}
}
