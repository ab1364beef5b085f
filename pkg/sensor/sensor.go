// Package sensor watches the data volume and raises a pressure flag when
// disk usage crosses the high watermark.
package sensor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"roomlog/pkg/logger"
	"roomlog/pkg/metrics"
)

// sensor struct
type Sensor struct {
	config   MonitorConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex

	diskAlert     bool
	lastUsedPct   float64
	lastDiskAlert time.Time
	belowSince    time.Time

	statfs func(path string) (usedPct float64, err error)
	now    func() time.Time
}

// monitor config
type MonitorConfig struct {
	Path           string
	PollInterval   time.Duration
	DiskHighPct    int
	DiskLowPct     int
	RecoveryWindow time.Duration
}

// new sensor
func NewSensor(config MonitorConfig) *Sensor {
	if config.Path == "" {
		config.Path = "/"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &Sensor{
		config: config,
		stopCh: make(chan struct{}),
		statfs: diskUsedPct,
		now:    time.Now,
	}
}

func diskUsedPct(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	return float64(total-available) / float64(total) * 100, nil
}

// start sensor
func (s *Sensor) Start() {
	s.Check()
	go s.run()
}

// stop sensor
func (s *Sensor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Pressure reports whether the volume is above the high watermark and has
// not yet recovered.
func (s *Sensor) Pressure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert
}

// UsedPct returns the last sampled usage.
func (s *Sensor) UsedPct() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedPct
}

// run loop
func (s *Sensor) run() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Check()
		case <-s.stopCh:
			return
		}
	}
}

// Check samples the volume once. The alert clears only after usage stays
// below the low watermark for the recovery window.
func (s *Sensor) Check() {
	usedPct, err := s.statfs(s.config.Path)
	if err != nil {
		logger.Warn("disk_stat_failed", "path", s.config.Path, "error", err)
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedPct = usedPct

	switch {
	case usedPct > float64(s.config.DiskHighPct):
		s.belowSince = time.Time{}
		if !s.diskAlert {
			logger.Warn("disk_usage_high", "used_pct", usedPct, "threshold", s.config.DiskHighPct)
			s.diskAlert = true
			s.lastDiskAlert = now
		}
	case usedPct < float64(s.config.DiskLowPct) && s.diskAlert:
		if s.belowSince.IsZero() {
			s.belowSince = now
		}
		if now.Sub(s.belowSince) >= s.config.RecoveryWindow {
			logger.Info("disk_usage_recovered", "used_pct", usedPct, "low", s.config.DiskLowPct, "window", s.config.RecoveryWindow)
			s.diskAlert = false
			s.belowSince = time.Time{}
		}
	default:
		s.belowSince = time.Time{}
	}

	if s.diskAlert {
		metrics.DiskPressure.Set(1)
	} else {
		metrics.DiskPressure.Set(0)
	}
}
