package idpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gematik/zero-idp/pkg/token"
	"github.com/valkey-io/valkey-go"
)

var ErrCodeReused = errors.New("authorization code was already redeemed")

// CodeLedger remembers redeemed authorization codes until they expire.
type CodeLedger interface {
	// Consume marks the code as used. It returns ErrCodeReused on the second call.
	Consume(ctx context.Context, codeID string, exp time.Time) error
}

type MemoryCodeLedger struct {
	clock token.Clock
	used  map[string]time.Time
	lock  sync.Mutex
}

func NewMemoryCodeLedger(clock token.Clock) *MemoryCodeLedger {
	if clock == nil {
		clock = token.SystemClock
	}
	return &MemoryCodeLedger{
		clock: clock,
		used:  make(map[string]time.Time),
	}
}

func (l *MemoryCodeLedger) Consume(ctx context.Context, codeID string, exp time.Time) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.clock.Now()
	for id, e := range l.used {
		if !now.Before(e) {
			delete(l.used, id)
		}
	}

	if _, ok := l.used[codeID]; ok {
		return ErrCodeReused
	}
	l.used[codeID] = exp
	return nil
}

// ValkeyCodeLedger shares redeemed codes between all instances.
type ValkeyCodeLedger struct {
	valkeyClient valkey.Client
	clock        token.Clock
}

func NewValkeyCodeLedger(valkeyClient valkey.Client, clock token.Clock) *ValkeyCodeLedger {
	if clock == nil {
		clock = token.SystemClock
	}
	return &ValkeyCodeLedger{valkeyClient: valkeyClient, clock: clock}
}

func (l *ValkeyCodeLedger) Consume(ctx context.Context, codeID string, exp time.Time) error {
	ttl := exp.Sub(l.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	cmd := l.valkeyClient.B().Set().Key("code:" + codeID).Value("1").Nx().Ex(ttl).Build()
	err := l.valkeyClient.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return ErrCodeReused
	}
	if err != nil {
		return fmt.Errorf("storing code in valkey: %w", err)
	}
	return nil
}
