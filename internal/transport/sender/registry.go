package sender

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

// Gateway доставляет сообщение через один конкретный канал.
type Gateway interface {
	Send(ctx context.Context, msg entity.Message) (entity.SendResult, error)
}

// Registry маршрутизирует сообщения по каналу. Каналы без зарегистрированного
// шлюза считаются ненастроенными.
type Registry struct {
	mu       sync.RWMutex
	gateways map[entity.Channel]Gateway
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		gateways: make(map[entity.Channel]Gateway),
		log:      log,
	}
}

// Register подключает шлюз к каналу, заменяя предыдущий.
func (r *Registry) Register(ch entity.Channel, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gateways[ch] = g
	r.log.Info("channel gateway registered", zap.String("channel", ch.String()))
}

// Channels возвращает список настроенных каналов.
func (r *Registry) Channels() []entity.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entity.Channel, 0, len(r.gateways))
	for ch := range r.gateways {
		out = append(out, ch)
	}
	slices.Sort(out)

	return out
}

func (r *Registry) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	r.mu.RLock()
	g, ok := r.gateways[msg.Channel]
	r.mu.RUnlock()

	if !ok {
		return entity.SendResult{}, fmt.Errorf("channel %q is not configured: %w", msg.Channel, entity.ErrConfiguration)
	}

	return g.Send(ctx, msg)
}
