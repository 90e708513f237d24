package mutex_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distcodep7/dmutex/mutex"
)

// concurrencyMonitor tracks how many goroutines are simultaneously inside a
// critical section, reporting the worst overlap ever observed. It is the
// safety-invariant equivalent of a critical-section work simulator: instead
// of just doing timed work under a real lock, it actively looks for more
// than one occupant at once.
type concurrencyMonitor struct {
	current int64
	worst   int64
}

func (m *concurrencyMonitor) enter() {
	n := atomic.AddInt64(&m.current, 1)
	for {
		w := atomic.LoadInt64(&m.worst)
		if n <= w || atomic.CompareAndSwapInt64(&m.worst, w, n) {
			break
		}
	}
}

func (m *concurrencyMonitor) exit() {
	atomic.AddInt64(&m.current, -1)
}

func (m *concurrencyMonitor) maxOccupancy() int64 {
	return atomic.LoadInt64(&m.worst)
}

// TestSafetyAtMostOneHolderAtOnce drives several peers concurrently, each
// repeatedly requesting, entering a simulated critical section once
// granted, and releasing, across many rounds. Across the whole run, no two
// peers should ever be inside the critical section at the same instant.
func TestSafetyAtMostOneHolderAtOnce(t *testing.T) {
	const (
		numPeers = 4
		rounds   = 25
	)

	net := newTestNetwork()
	addrs := []string{"1.2.3.4:100", "1.2.3.4:101", "1.2.3.4:102", "1.2.3.4:103"}
	peers := make([]*mutex.Mutex, numPeers)
	for i, addr := range addrs {
		peers[i] = newPeer(t, net, addr)
	}
	for i, m := range peers {
		for j, addr := range addrs {
			if i == j {
				continue
			}
			if err := m.AddPeer(addr); err != nil {
				t.Fatal(err)
			}
		}
	}

	monitor := &concurrencyMonitor{}
	var wg sync.WaitGroup
	for _, m := range peers {
		wg.Add(1)
		go func(m *mutex.Mutex) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				m.Request()
				deadline := time.Now().Add(time.Second)
				for !m.IsHeldLocally() && !m.IsAvailable() && time.Now().Before(deadline) {
					m.Pump()
				}
				if m.IsHeldLocally() {
					monitor.enter()
					time.Sleep(time.Millisecond)
					monitor.exit()
					m.Release()
					m.Pump()
				}
			}
		}(m)
	}
	wg.Wait()

	if got := monitor.maxOccupancy(); got > 1 {
		t.Fatalf("observed %d peers simultaneously holding the lock, want at most 1", got)
	}
}
