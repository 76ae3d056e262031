package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/amza/internal/model"
)

type takeFailures struct {
	host  model.RingHost
	count int
	last  error
}

// TakeTracker counts consecutive take failures per member. It is the row change
// taker's failure listener and feeds the "takes" check.
type TakeTracker struct {
	threshold int

	mu       sync.Mutex
	failures map[model.RingMember]*takeFailures
}

// NewTakeTracker warns once a member has failed threshold takes in a row.
func NewTakeTracker(threshold int) *TakeTracker {
	if threshold <= 0 {
		threshold = 10
	}
	return &TakeTracker{threshold: threshold, failures: make(map[model.RingMember]*takeFailures)}
}

func (t *TakeTracker) FailedToTake(member model.RingMember, host model.RingHost, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.failures[member]
	if !ok {
		f = &takeFailures{}
		t.failures[member] = f
	}
	f.host = host
	f.count++
	f.last = err
}

func (t *TakeTracker) TookFrom(member model.RingMember, host model.RingHost) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, member)
}

// Failures returns the consecutive failure count for member.
func (t *TakeTracker) Failures(member model.RingMember) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.failures[member]; ok {
		return f.count
	}
	return 0
}

// Check reports the members at or over the threshold.
func (t *TakeTracker) Check() CheckResult {
	result := CheckResult{Name: "takes", Timestamp: time.Now()}

	t.mu.Lock()
	var failing []string
	for member, f := range t.failures {
		if f.count >= t.threshold {
			failing = append(failing, fmt.Sprintf("%s@%s (%d: %v)", member, f.host, f.count, f.last))
		}
	}
	t.mu.Unlock()

	if len(failing) > 0 {
		sort.Strings(failing)
		result.Status = StatusWarning
		result.Message = "Failing to take from " + strings.Join(failing, ", ")
		return result
	}
	result.Status = StatusHealthy
	result.Message = "Takes are succeeding"
	return result
}
