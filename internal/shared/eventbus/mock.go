// Package eventbus 进程内事件总线实现
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// MemoryEventBus - 进程内 EventBus 实现（开发模式与测试）
// ============================================================================

// MemoryEventBus 保存最近 MaxStreamLength 条团队事件，并向订阅者广播
type MemoryEventBus struct {
	mu     sync.Mutex
	seq    int64
	events map[string][]*TeamEvent
	subs   map[string]map[chan *TeamEvent]struct{}
}

var _ EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		events: make(map[string][]*TeamEvent),
		subs:   make(map[string]map[chan *TeamEvent]struct{}),
	}
}

func (b *MemoryEventBus) PublishTeamEvent(ctx context.Context, teamID string, domain DomainType, op Operation, delta interface{}) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to marshal event delta: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev := &TeamEvent{
		ID:        strconv.FormatInt(b.seq, 10) + "-0",
		TeamID:    teamID,
		Domain:    domain,
		Operation: op,
		Delta:     data,
		Timestamp: time.Now(),
	}
	list := append(b.events[teamID], ev)
	if len(list) > MaxStreamLength {
		list = list[len(list)-MaxStreamLength:]
	}
	b.events[teamID] = list

	for ch := range b.subs[teamID] {
		select {
		case ch <- ev:
		default:
			// 订阅者积压时丢弃，与 Stream 读取的"尽力而为"一致
		}
	}
	return nil
}

func (b *MemoryEventBus) GetTeamEvents(ctx context.Context, teamID, fromID string, count int64) ([]*TeamEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*TeamEvent
	from := parseSeq(fromID)
	for _, ev := range b.events[teamID] {
		if parseSeq(ev.ID) < from {
			continue
		}
		c := *ev
		out = append(out, &c)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *MemoryEventBus) SubscribeTeamEvents(ctx context.Context, teamID string) (<-chan *TeamEvent, error) {
	ch := make(chan *TeamEvent, 100)
	b.mu.Lock()
	if b.subs[teamID] == nil {
		b.subs[teamID] = make(map[chan *TeamEvent]struct{})
	}
	b.subs[teamID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[teamID], ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Ping 检查连接
func (b *MemoryEventBus) Ping(ctx context.Context) error { return nil }

// Close 关闭事件总线
func (b *MemoryEventBus) Close() error { return nil }

func parseSeq(id string) int64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}
