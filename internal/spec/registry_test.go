package spec

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func makeSpec(name string, port int, deps ...string) *ServiceSpec {
	return &ServiceSpec{
		Service:   Service{Name: name, Type: "native", Command: "sleep 30"},
		Network:   Network{Port: port},
		DependsOn: deps,
	}
}

func mustRegistry(t *testing.T, specs ...*ServiceSpec) *Registry {
	t.Helper()
	r, err := NewRegistry(specs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestStartupLevelsNoDeps(t *testing.T) {
	r := mustRegistry(t, makeSpec("a", 9001), makeSpec("b", 9002), makeSpec("c", 9003))

	levels, err := r.StartupLevels(nil)
	if err != nil {
		t.Fatalf("StartupLevels: %v", err)
	}
	if len(levels) != 1 {
		t.Fatalf("expected 1 level, got %v", levels)
	}
	if !slices.Equal(levels[0], []string{"a", "b", "c"}) {
		t.Errorf("level 0 = %v, want declaration order", levels[0])
	}
}

func TestStartupLevelsChain(t *testing.T) {
	// declared out of order on purpose
	r := mustRegistry(t,
		makeSpec("c", 9003, "b"),
		makeSpec("b", 9002, "a"),
		makeSpec("a", 9001),
	)

	levels, err := r.StartupLevels(nil)
	if err != nil {
		t.Fatalf("StartupLevels: %v", err)
	}
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if len(levels) != len(want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	for i := range want {
		if !slices.Equal(levels[i], want[i]) {
			t.Errorf("level %d = %v, want %v", i, levels[i], want[i])
		}
	}
}

func TestStartupLevelsDiamond(t *testing.T) {
	// d depends on b and c, both depend on a
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "a"),
		makeSpec("d", 9004, "b", "c"),
	)

	levels, err := r.StartupLevels(nil)
	if err != nil {
		t.Fatalf("StartupLevels: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %v", levels)
	}
	if !slices.Equal(levels[1], []string{"b", "c"}) {
		t.Errorf("level 1 = %v, want [b c]", levels[1])
	}
	if !slices.Equal(levels[2], []string{"d"}) {
		t.Errorf("level 2 = %v, want [d]", levels[2])
	}
}

func TestStartupLevelsUsesLongestChain(t *testing.T) {
	// c depends on a directly and through b, so it must wait for b
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "a", "b"),
	)
	order, err := r.StartupOrder(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", order)
	}
}

func TestStartupLevelsSubsetIncludesDependencies(t *testing.T) {
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("unrelated", 9005),
	)

	levels, err := r.StartupLevels([]string{"b"})
	if err != nil {
		t.Fatalf("StartupLevels: %v", err)
	}
	want := [][]string{{"a"}, {"b"}}
	if len(levels) != 2 || !slices.Equal(levels[0], want[0]) || !slices.Equal(levels[1], want[1]) {
		t.Errorf("levels = %v, want %v", levels, want)
	}
}

func TestStartupLevelsSubsetCompactsGaps(t *testing.T) {
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "b"),
		makeSpec("solo", 9004),
	)
	levels, err := r.StartupLevels([]string{"solo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 1 || !slices.Equal(levels[0], []string{"solo"}) {
		t.Errorf("levels = %v", levels)
	}
}

func TestStartupLevelsUnknownService(t *testing.T) {
	r := mustRegistry(t, makeSpec("a", 9001))
	_, err := r.StartupLevels([]string{"ghost"})
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestNewRegistryRejectsCycle(t *testing.T) {
	_, err := NewRegistry([]*ServiceSpec{
		makeSpec("a", 9001, "c"),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "b"),
	})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]*ServiceSpec{makeSpec("a", 9001), makeSpec("a", 9002)})
	if !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("expected ErrDuplicateService, got %v", err)
	}
}

func TestNewRegistryRejectsSharedPort(t *testing.T) {
	_, err := NewRegistry([]*ServiceSpec{makeSpec("a", 9001), makeSpec("b", 9001, "a")})
	if !errors.Is(err, ErrDuplicatePort) {
		t.Fatalf("expected ErrDuplicatePort, got %v", err)
	}
	if !strings.Contains(err.Error(), `"a" and "b"`) {
		t.Errorf("error should name both services: %v", err)
	}
}

func TestShutdownOrderIsReverseOfStartup(t *testing.T) {
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "b"),
	)

	start, err := r.StartupOrder(nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := r.ShutdownOrder([]string{"a", "b", "c"})
	slices.Reverse(start)
	if !slices.Equal(stop, start) {
		t.Errorf("shutdown = %v, want %v", stop, start)
	}
}

func TestShutdownOrderOnlyRunning(t *testing.T) {
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "b"),
	)
	stop := r.ShutdownOrder([]string{"a", "c"})
	if !slices.Equal(stop, []string{"c", "a"}) {
		t.Errorf("shutdown = %v, want [c a]", stop)
	}
}

func TestDependentsTransitive(t *testing.T) {
	r := mustRegistry(t,
		makeSpec("a", 9001),
		makeSpec("b", 9002, "a"),
		makeSpec("c", 9003, "b"),
		makeSpec("d", 9004),
	)
	if got := r.Dependents("a"); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("Dependents(a) = %v, want [b c]", got)
	}
	if got := r.Dependents("d"); len(got) != 0 {
		t.Errorf("Dependents(d) = %v, want none", got)
	}
}
