package service

import (
	"errors"
	"time"

	"notifydispatch/internal/metrics"
)

type Option func(*NotifyService)

func WithMaxRetries(retries int) Option {
	return func(s *NotifyService) {
		if retries > 0 {
			s.maxRetries = retries
		}
	}
}

func WithDefaultLocale(locale string) Option {
	return func(s *NotifyService) {
		if locale != "" {
			s.defaultLocale = locale
		}
	}
}

func WithCache(c Cache, ttl time.Duration) Option {
	return func(s *NotifyService) {
		s.cache = newNotificationCache(c, ttl)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *NotifyService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *NotifyService) {
		s.metrics = m
	}
}

func (s *NotifyService) validate() error {
	if s.repos.Notifications == nil {
		return errors.New("invalid notification repository: must be non-nil")
	}
	if s.repos.Queue == nil {
		return errors.New("invalid delivery queue: must be non-nil")
	}
	if s.repos.Templates == nil {
		return errors.New("invalid template repository: must be non-nil")
	}
	if s.repos.Settings == nil {
		return errors.New("invalid settings repository: must be non-nil")
	}
	if s.repos.Devices == nil {
		return errors.New("invalid device repository: must be non-nil")
	}
	if s.maxRetries <= 0 {
		return errors.New("invalid max retries: must be > 0")
	}
	if s.defaultLocale == "" {
		return errors.New("invalid default locale: must be non-empty")
	}
	return nil
}

type DispatcherOption func(*Dispatcher)

func WithBatchSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 && size <= _maxBatchSize {
			d.batchSize = size
		}
	}
}

func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithBackoff sets the retry unit. Exponential doubles it per attempt instead
// of growing linearly.
func WithBackoff(unit time.Duration, exponential bool) DispatcherOption {
	return func(d *Dispatcher) {
		if unit > 0 {
			d.retryUnit = unit
		}
		d.exponential = exponential
	}
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithDispatcherCache(c Cache, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.cache = newNotificationCache(c, ttl)
	}
}

func (d *Dispatcher) validate() error {
	if d.repos.Notifications == nil || d.repos.Queue == nil {
		return errors.New("invalid repositories: notifications and queue must be non-nil")
	}
	if d.sender == nil {
		return errors.New("invalid sender: must be non-nil")
	}
	if d.batchSize <= 0 {
		return errors.New("invalid batch size: must be > 0")
	}
	if d.concurrency <= 0 {
		return errors.New("invalid concurrency: must be > 0")
	}
	if d.sendTimeout <= 0 || d.retryUnit <= 0 {
		return errors.New("invalid timing: send timeout and retry unit must be > 0")
	}
	return nil
}
