package sensor

import (
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Snapshot is the most recent view of pipeline backlog and host resources.
// Disk fields are zero on platforms without statfs.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	QueueLen int     `json:"queue_len"`
	QueueCap int     `json:"queue_cap"`
	Fill     float64 `json:"fill"`

	DiskTotal uint64 `json:"disk_total"`
	DiskFree  uint64 `json:"disk_free"`

	MemSys   uint64 `json:"mem_sys"`
	MemAlloc uint64 `json:"mem_alloc"`

	Throttled bool   `json:"throttled"`
	Reason    string `json:"reason,omitempty"`
}

// ThrottleRequest is an advisory signal sent to registered handlers when
// the sensor pauses or resumes intake.
type ThrottleRequest struct {
	Source   string
	Reason   string
	Severity float64 // 0..1, 1 is most urgent
	Payload  map[string]string
}

// Gate is what the sensor throttles.
type Gate interface {
	Pause()
	Resume()
}

type Config struct {
	Interval    time.Duration
	HighWater   float64 // queue fill fraction that pauses intake
	LowWater    float64 // fill fraction below which intake resumes
	MinFreeDisk uint64  // pause when the data path has less free space
	DataPath    string
}

// Sensor polls queue depth and free disk and pauses a Gate above the high
// water mark, resuming it once the backlog falls below the low water mark.
// It only resumes what it paused itself.
type Sensor struct {
	cfg   Config
	depth func() (length, capacity int)
	gate  Gate
	log   *slog.Logger
	disk  func(path string) (total, free uint64, err error)

	mu        sync.RWMutex
	snap      Snapshot
	throttled bool

	thMu     sync.RWMutex
	handlers []func(ThrottleRequest)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, depth func() (int, int), gate Gate, log *slog.Logger) *Sensor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sensor{
		cfg:    cfg,
		depth:  depth,
		gate:   gate,
		log:    log.With("component", "sensor"),
		disk:   diskUsage,
		stopCh: make(chan struct{}),
	}
}

// Start begins background polling. Call Stop to terminate.
func (s *Sensor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		s.sample()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop stops polling and waits for the loop to exit. Safe to call twice.
func (s *Sensor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RegisterThrottleHandler registers a callback for throttle requests.
// Handlers run asynchronously.
func (s *Sensor) RegisterThrottleHandler(h func(ThrottleRequest)) {
	s.thMu.Lock()
	defer s.thMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// SendThrottle fans req out to the registered handlers without blocking.
func (s *Sensor) SendThrottle(req ThrottleRequest) {
	s.thMu.RLock()
	handlers := append([]func(ThrottleRequest){}, s.handlers...)
	s.thMu.RUnlock()
	for _, h := range handlers {
		go h(req)
	}
}

func (s *Sensor) sample() {
	snap := Snapshot{Timestamp: time.Now()}
	if s.depth != nil {
		snap.QueueLen, snap.QueueCap = s.depth()
		if snap.QueueCap > 0 {
			snap.Fill = float64(snap.QueueLen) / float64(snap.QueueCap)
		}
	}
	if s.cfg.DataPath != "" && s.disk != nil {
		if total, free, err := s.disk(s.cfg.DataPath); err == nil {
			snap.DiskTotal, snap.DiskFree = total, free
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.MemSys = ms.Sys
	snap.MemAlloc = ms.Alloc

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluateLocked(&snap)
	s.snap = snap
}

func (s *Sensor) evaluateLocked(snap *Snapshot) {
	lowDisk := s.cfg.MinFreeDisk > 0 && snap.DiskTotal > 0 && snap.DiskFree < s.cfg.MinFreeDisk
	high := snap.QueueCap > 0 && snap.Fill >= s.cfg.HighWater

	switch {
	case !s.throttled && (high || lowDisk):
		reason := "backlog_high"
		if lowDisk {
			reason = "disk_low"
		}
		s.throttled = true
		snap.Reason = reason
		s.log.Warn("intake_throttled", "reason", reason, "queue_len", snap.QueueLen,
			"queue_cap", snap.QueueCap, "disk_free", snap.DiskFree)
		if s.gate != nil {
			s.gate.Pause()
		}
		s.SendThrottle(ThrottleRequest{Source: "sensor", Reason: reason, Severity: 1})
	case s.throttled && !lowDisk && snap.Fill <= s.cfg.LowWater:
		s.throttled = false
		s.log.Info("intake_recovered", "queue_len", snap.QueueLen, "disk_free", snap.DiskFree)
		if s.gate != nil {
			s.gate.Resume()
		}
		s.SendThrottle(ThrottleRequest{Source: "sensor", Reason: "recovered", Severity: 0})
	case s.throttled:
		snap.Reason = s.snap.Reason
	}
	snap.Throttled = s.throttled
}
