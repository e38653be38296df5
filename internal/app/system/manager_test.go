package system

import (
	"context"
	"errors"
	"testing"
)

type fakeService struct {
	name    string
	started bool
	stopped bool
	failOn  bool
	order   *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(context.Context) error {
	if f.failOn {
		return errors.New("boom")
	}
	f.started = true
	*f.order = append(*f.order, "start:"+f.name)
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.stopped = true
	*f.order = append(*f.order, "stop:"+f.name)
	return nil
}

func TestManager_StartStopOrder(t *testing.T) {
	var order []string
	a := &fakeService{name: "a", order: &order}
	b := &fakeService{name: "b", order: &order}

	m := NewManager()
	if err := m.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := m.Register(&fakeService{name: "a", order: &order}); err == nil {
		t.Fatalf("duplicate name should be rejected")
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %v", order)
		}
	}
}

func TestManager_StartFailureUnwinds(t *testing.T) {
	var order []string
	a := &fakeService{name: "a", order: &order}
	bad := &fakeService{name: "bad", failOn: true, order: &order}

	m := NewManager()
	m.Register(a)
	m.Register(bad)

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}
	if !a.stopped {
		t.Fatalf("earlier service not unwound after failed start")
	}
}
