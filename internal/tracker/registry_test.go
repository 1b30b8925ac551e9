package tracker_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/nucleus/tracker-core/internal/tracker"
)

func testDialects(built *int) *tracker.Dialects {
	d := tracker.NewDialects()
	d.Register("fake", func(desc *tracker.Descriptor, creds tracker.Credentials) (tracker.Backend, error) {
		*built++
		return newFakeBackend(tracker.Capabilities{MaxIDsPerRequest: 50}), nil
	})
	return d
}

func TestRegistry_ResolveByNameAndAlias(t *testing.T) {
	built := 0
	reg, err := tracker.NewRegistry([]tracker.Descriptor{
		{Name: "gentoo", Aliases: []string{"g"}, Dialect: "fake", MaxIDsPerRequest: 2},
		{Name: "python", Dialect: "fake"},
	}, tracker.WithDialects(testDialects(&built)))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if built != 0 {
		t.Fatalf("backends built eagerly: %d", built)
	}

	a, err := reg.Resolve("gentoo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := reg.Resolve("G")
	if err != nil {
		t.Fatalf("Resolve alias: %v", err)
	}
	if a != b {
		t.Error("alias resolved to a different service")
	}
	if built != 1 {
		t.Errorf("backends built = %d, want 1", built)
	}
	if got := a.Capabilities().MaxIDsPerRequest; got != 2 {
		t.Errorf("MaxIDsPerRequest = %d, want descriptor override 2", got)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "gentoo" || got[1] != "python" {
		t.Errorf("Names() = %v", got)
	}
}

func TestRegistry_UnknownService(t *testing.T) {
	built := 0
	reg, err := tracker.NewRegistry([]tracker.Descriptor{{Name: "gentoo", Dialect: "fake"}},
		tracker.WithDialects(testDialects(&built)))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_, err = reg.Resolve("launchpad")
	var use *tracker.UnknownServiceError
	if !errors.As(err, &use) {
		t.Fatalf("err = %v, want UnknownServiceError", err)
	}
	if use.Name != "launchpad" {
		t.Errorf("Name = %q", use.Name)
	}
}

func TestRegistry_RejectsConflicts(t *testing.T) {
	built := 0
	tests := []struct {
		name  string
		descs []tracker.Descriptor
	}{
		{"duplicate name", []tracker.Descriptor{{Name: "a", Dialect: "fake"}, {Name: "A", Dialect: "fake"}}},
		{"alias clash", []tracker.Descriptor{{Name: "a", Dialect: "fake"}, {Name: "b", Aliases: []string{"a"}, Dialect: "fake"}}},
		{"unknown dialect", []tracker.Descriptor{{Name: "a", Dialect: "trac"}}},
		{"empty name", []tracker.Descriptor{{Dialect: "fake"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tracker.NewRegistry(tt.descs, tracker.WithDialects(testDialects(&built))); err == nil {
				t.Error("NewRegistry succeeded, want error")
			}
		})
	}
}

func TestRegistry_ConcurrentResolveBuildsOnce(t *testing.T) {
	built := 0
	reg, err := tracker.NewRegistry([]tracker.Descriptor{{Name: "gentoo", Dialect: "fake"}},
		tracker.WithDialects(testDialects(&built)))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	var wg sync.WaitGroup
	services := make([]*tracker.Service, 8)
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			services[i], _ = reg.Resolve("gentoo")
		}(i)
	}
	wg.Wait()

	if built != 1 {
		t.Errorf("backends built = %d, want 1", built)
	}
	for _, s := range services {
		if s != services[0] {
			t.Fatal("Resolve returned different services")
		}
	}
}

func TestRegistry_CredentialsPassedToFactory(t *testing.T) {
	var got tracker.Credentials
	d := tracker.NewDialects()
	d.Register("fake", func(desc *tracker.Descriptor, creds tracker.Credentials) (tracker.Backend, error) {
		got = creds
		return newFakeBackend(tracker.Capabilities{}), nil
	})
	src := tracker.CredentialFunc(func(ref string) (tracker.Credentials, error) {
		return tracker.Credentials{User: ref + "-user", Password: "secret"}, nil
	})

	reg, err := tracker.NewRegistry([]tracker.Descriptor{{Name: "gentoo", Dialect: "fake", AuthRef: "gentoo"}},
		tracker.WithDialects(d), tracker.WithCredentials(src))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Resolve("gentoo"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.User != "gentoo-user" || got.Password != "secret" {
		t.Errorf("credentials = %+v", got)
	}
}

func TestRegistry_CloseClosesBackends(t *testing.T) {
	var backend *fakeBackend
	d := tracker.NewDialects()
	d.Register("fake", func(*tracker.Descriptor, tracker.Credentials) (tracker.Backend, error) {
		backend = newFakeBackend(tracker.Capabilities{})
		return backend, nil
	})
	reg, _ := tracker.NewRegistry([]tracker.Descriptor{
		{Name: "a", Dialect: "fake"},
		{Name: "b", Dialect: "fake"},
	}, tracker.WithDialects(d))
	if _, err := reg.Resolve("a"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !backend.closed {
		t.Error("backend not closed")
	}
	if _, err := reg.Resolve("b"); err == nil {
		t.Error("Resolve after Close succeeded")
	}
}

func TestDialects_DuplicateRegisterPanics(t *testing.T) {
	d := tracker.NewDialects()
	f := func(*tracker.Descriptor, tracker.Credentials) (tracker.Backend, error) { return nil, nil }
	d.Register("x", f)
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	d.Register("x", f)
}
