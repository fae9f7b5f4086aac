package provider

import (
	"errors"
	"testing"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

type fakeProvider struct{ name string }

func TestRegistry_LazyAndMemoized(t *testing.T) {
	r := NewRegistry[*fakeProvider]()
	built := 0
	r.Register("mock", func() (*fakeProvider, error) {
		built++
		return &fakeProvider{name: "mock"}, nil
	})

	if built != 0 {
		t.Fatal("factory should not run on Register")
	}

	a, err := r.Get("mock")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, _ := r.Get("mock")

	if a != b {
		t.Error("Get should return the memoized instance")
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry[*fakeProvider]()

	_, err := r.Get("paypal")
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry[*fakeProvider]()
	boom := errors.New("missing api key")
	r.Register("broken", func() (*fakeProvider, error) { return nil, boom })

	_, err := r.Get("broken")
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegistry_HasNamesUnregister(t *testing.T) {
	r := NewRegistry[*fakeProvider]()
	r.RegisterInstance("stripe", &fakeProvider{name: "stripe"})
	r.RegisterInstance("mock", &fakeProvider{name: "mock"})

	if !r.Has("mock") || r.Has("paypal") {
		t.Error("Has returned wrong answer")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "mock" || names[1] != "stripe" {
		t.Errorf("Names = %v, want sorted [mock stripe]", names)
	}

	r.Unregister("mock")
	if r.Has("mock") {
		t.Error("mock should be gone after Unregister")
	}
	if _, err := r.Get("mock"); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("Get after Unregister err = %v", err)
	}
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	r := NewRegistry[*fakeProvider]()
	r.RegisterInstance("mock", &fakeProvider{name: "v1"})
	r.Get("mock")
	r.RegisterInstance("mock", &fakeProvider{name: "v2"})

	p, _ := r.Get("mock")
	if p.name != "v2" {
		t.Errorf("name = %s, want v2", p.name)
	}
}
