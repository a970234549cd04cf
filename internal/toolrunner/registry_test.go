package toolrunner

import (
	"errors"
	"fmt"
	"modelchain/internal/apperrors"
	"sync"
	"testing"
)

type stubInvocation struct {
	id    string
	kills int
	err   error
	mu    sync.Mutex
}

func (s *stubInvocation) ID() string         { return s.id }
func (s *stubInvocation) Lines() <-chan Line { return nil }
func (s *stubInvocation) Wait() error        { return nil }
func (s *stubInvocation) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kills++
	return s.err
}

func TestRegistry_ReserveAlreadyExists(t *testing.T) {
	t.Parallel()
	r := newRegistry()

	if err := r.reserve("a"); err != nil {
		t.Fatalf("First reserve failed: %v", err)
	}
	err := r.reserve("a")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict for duplicate reserve, got %v", err)
	}

	inv, exists := r.get("a")
	if !exists || inv != nil {
		t.Error("Expected reserved slot with nil invocation")
	}
}

func TestRegistry_CommitReleaseList(t *testing.T) {
	t.Parallel()
	r := newRegistry()

	a := &stubInvocation{id: "a"}
	_ = r.reserve("a")
	_ = r.reserve("b")
	r.commit("a", a)

	if got := r.list(); len(got) != 1 || got[0] != a {
		t.Errorf("Expected only committed invocations in list, got %v", got)
	}

	released, ok := r.release("a")
	if !ok || released != a {
		t.Error("Expected release to return the committed invocation")
	}
	if _, ok := r.release("a"); ok {
		t.Error("Expected second release to report missing")
	}
	if r.len() != 1 {
		t.Errorf("Expected 1 reserved id left, got %d", r.len())
	}
}

func TestRegistry_KillAll(t *testing.T) {
	t.Parallel()
	r := newRegistry()

	boom := errors.New("boom")
	ok := &stubInvocation{id: "ok"}
	bad := &stubInvocation{id: "bad", err: boom}
	for _, inv := range []*stubInvocation{ok, bad} {
		_ = r.reserve(inv.id)
		r.commit(inv.id, inv)
	}

	err := r.killAll()
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined kill error, got %v", err)
	}
	if ok.kills != 1 || bad.kills != 1 {
		t.Errorf("Expected every invocation killed once, got ok=%d bad=%d", ok.kills, bad.kills)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	t.Parallel()
	r := newRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("inv-%d", n)
			if r.reserve(id) == nil {
				r.release(id)
			}
			r.list()
		}(i)
	}
	wg.Wait()

	if r.len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.len())
	}
}
