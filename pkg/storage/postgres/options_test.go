package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	base := func() *Postgres {
		return &Postgres{
			maxPoolSize:    _defaultMaxPoolSize,
			connAttempts:   _defaultConnAttempts,
			baseRetryDelay: _defaultBaseRetryDelay,
			retryBackoff:   _defaultRetryBackoff,
			log:            zap.NewNop(),
		}
	}

	tests := []struct {
		name    string
		opt     Option
		wantErr bool
	}{
		{"defaults", func(*Postgres) {}, false},
		{"pool size", MaxPoolSize(0), true},
		{"attempts", ConnAttempts(-1), true},
		{"zero delay", RetryDelay(0, 2), true},
		{"shrinking backoff", RetryDelay(time.Millisecond, 0.5), true},
		{"custom delay", RetryDelay(time.Millisecond, 1.5), false},
		{"no logger", func(p *Postgres) { p.log = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.opt(p)
			if tt.wantErr {
				assert.Error(t, p.validate())
			} else {
				assert.NoError(t, p.validate())
			}
		})
	}
}

func TestStrategy(t *testing.T) {
	p := &Postgres{connAttempts: 4, baseRetryDelay: 250 * time.Millisecond, retryBackoff: 3}

	s := p.strategy()
	assert.Equal(t, 4, s.Attempts)
	assert.Equal(t, 250*time.Millisecond, s.Delay)
	assert.InDelta(t, 3.0, s.Backoff, 0.0001)
}
