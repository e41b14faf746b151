package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{"defaults", nil, false},
		{"custom", []Option{PoolSize(50), MinIdleConns(5), PoolTimeout(time.Second)}, false},
		{"no warm connections", []Option{MinIdleConns(0)}, false},
		{"zero pool", []Option{PoolSize(0)}, true},
		{"negative idle", []Option{MinIdleConns(-1)}, true},
		{"idle above pool", []Option{PoolSize(4), MinIdleConns(5)}, true},
		{"negative timeout", []Option{PoolTimeout(-time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Redis{poolSize: _defaultPoolSize, minIdleConns: _defaultMinIdleConns, poolTimeout: _defaultPoolTimeout}
			for _, opt := range tt.opts {
				opt(r)
			}
			if tt.wantErr {
				assert.Error(t, r.validate())
			} else {
				assert.NoError(t, r.validate())
			}
		})
	}
}
