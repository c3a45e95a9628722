package planning

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"helios/internal/domain"
)

func task(id string, deps ...string) domain.Task {
	return domain.Task{ID: id, Description: "task " + id, DependsOn: deps}
}

func TestValidateAcyclicChain(t *testing.T) {
	g, err := Validate([]domain.Task{task("t1"), task("t2", "t1"), task("t3", "t1", "t2")})
	require.NoError(t, err)
	assert.True(t, g.Valid)
	assert.Equal(t, []string{"t1", "t2", "t3"}, g.Order)
	assert.Equal(t, []string{"t1", "t2"}, g.Adjacency["t3"])
	assert.Empty(t, g.Adjacency["t1"])
}

func TestValidateOrdersDependenciesFirstRegardlessOfInputOrder(t *testing.T) {
	g, err := Validate([]domain.Task{task("t3", "t1", "t2"), task("t2", "t1"), task("t1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, g.Order)
}

func TestValidateTieBreakFollowsInputOrder(t *testing.T) {
	g, err := Validate([]domain.Task{task("b"), task("a"), task("c")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, g.Order)
}

func TestValidateCycle(t *testing.T) {
	_, err := Validate([]domain.Task{task("a", "b"), task("b", "a")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "b", "a"}, cycleErr.Path)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestValidateSelfDependencyIsCycle(t *testing.T) {
	_, err := Validate([]domain.Task{task("a", "a")})
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "a"}, cycleErr.Path)
}

func TestValidateCycleBehindAcyclicPrefix(t *testing.T) {
	_, err := Validate([]domain.Task{task("root"), task("x", "root", "y"), task("y", "z"), task("z", "x")})
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"x", "y", "z", "x"}, cycleErr.Path)
}

func TestValidateDanglingDependency(t *testing.T) {
	_, err := Validate([]domain.Task{task("a", "nonexistent")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDanglingDependency)

	var dangling *DanglingDependencyError
	require.True(t, errors.As(err, &dangling))
	assert.Equal(t, "a", dangling.TaskID)
	assert.Equal(t, "nonexistent", dangling.MissingID)
}

func TestValidateDanglingCheckedBeforeCycle(t *testing.T) {
	_, err := Validate([]domain.Task{task("a", "b"), task("b", "a", "ghost")})
	assert.ErrorIs(t, err, ErrDanglingDependency)
	assert.NotErrorIs(t, err, ErrCycleDetected)
}

func TestValidateRejectsBadIDs(t *testing.T) {
	_, err := Validate([]domain.Task{task("a"), task("a")})
	assert.ErrorIs(t, err, ErrDuplicateTask)

	_, err = Validate([]domain.Task{task(" ")})
	assert.ErrorIs(t, err, ErrEmptyTaskID)
}

func TestValidationErrorsAreInvalidPlan(t *testing.T) {
	cases := map[string][]domain.Task{
		"duplicate": {task("a"), task("a")},
		"empty id":  {task("")},
		"dangling":  {task("a", "ghost")},
		"cycle":     {task("a", "b"), task("b", "a")},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(tasks)
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}

	_, err := ParsePlan("no plan here")
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.ErrorIs(t, err, ErrMalformedPlan)
}

func TestValidateEmptyPlan(t *testing.T) {
	g, err := Validate(nil)
	require.NoError(t, err)
	assert.True(t, g.Valid)
	assert.Empty(t, g.Order)
}

func TestValidateDeepChainDoesNotRecurse(t *testing.T) {
	const n = 100000
	tasks := make([]domain.Task, n)
	tasks[0] = task("n0")
	for i := 1; i < n; i++ {
		tasks[i] = task(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i-1))
	}
	// visiting the tail first forces the full depth onto the stack
	tasks[0], tasks[n-1] = tasks[n-1], tasks[0]

	g, err := Validate(tasks)
	require.NoError(t, err)
	require.Len(t, g.Order, n)
	assert.Equal(t, "n0", g.Order[0])
	assert.Equal(t, fmt.Sprintf("n%d", n-1), g.Order[n-1])
}

func TestLevels(t *testing.T) {
	g, err := Validate([]domain.Task{task("a"), task("b"), task("c", "a"), task("d", "c", "b")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, Levels(g))
	assert.Nil(t, Levels(Graph{}))
}

// genDAG only lets a task depend on tasks generated before it, so the result
// is always acyclic. The list is then shuffled.
func genDAG(t *rapid.T) []domain.Task {
	n := rapid.IntRange(0, 25).Draw(t, "n")
	tasks := make([]domain.Task, n)
	for i := 0; i < n; i++ {
		var deps []string
		if i > 0 {
			picks := rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, i, rapid.ID[int]).Draw(t, fmt.Sprintf("deps%d", i))
			for _, p := range picks {
				deps = append(deps, fmt.Sprintf("t%d", p))
			}
		}
		tasks[i] = task(fmt.Sprintf("t%d", i), deps...)
	}
	perm := rapid.Permutation(tasks).Draw(t, "perm")
	return perm
}

func TestValidateOrderRespectsDependenciesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		g, err := Validate(tasks)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(g.Order) != len(tasks) {
			t.Fatalf("order len=%d want=%d", len(g.Order), len(tasks))
		}
		pos := make(map[string]int, len(g.Order))
		for i, id := range g.Order {
			pos[id] = i
		}
		for _, tk := range tasks {
			for _, dep := range tk.DependsOn {
				if pos[dep] >= pos[tk.ID] {
					t.Fatalf("%s placed before its dependency %s", tk.ID, dep)
				}
			}
		}

		again, err := Validate(tasks)
		if err != nil {
			t.Fatalf("second validate: %v", err)
		}
		assert.Equal(t, g.Order, again.Order)
	})
}

func TestValidateDetectsInjectedCycleProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		if len(tasks) == 0 {
			return
		}
		// closing any path back onto its start makes the graph cyclic
		from := rapid.IntRange(0, len(tasks)-1).Draw(t, "from")
		tasks[from].DependsOn = append(tasks[from].DependsOn, tasks[from].ID)

		_, err := Validate(tasks)
		if !errors.Is(err, ErrCycleDetected) {
			t.Fatalf("expected cycle, got %v", err)
		}
	})
}
