package message

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time to message construction and execution.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// StepClock advances by Step on every call.
type StepClock struct {
	mu   sync.Mutex
	next time.Time
	Step time.Duration
}

func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{next: start, Step: step}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.Step)
	return now
}

// IDSource mints identifiers. The key names the position the id is minted
// for; random sources ignore it, deterministic ones derive the id from it.
type IDSource interface {
	NewID(key string) string
}

type RandomIDs struct{}

func (RandomIDs) NewID(string) string { return uuid.NewString() }

// KeyedIDs derives ids from the key, giving reproducible ids when keys are
// assigned deterministically.
type KeyedIDs struct {
	Prefix string
}

func (k KeyedIDs) NewID(key string) string { return k.Prefix + key }

// SequentialIDs numbers ids in call order.
type SequentialIDs struct {
	Prefix string
	n      atomic.Int64
}

func (s *SequentialIDs) NewID(string) string {
	return fmt.Sprintf("%s%d", s.Prefix, s.n.Add(1))
}
