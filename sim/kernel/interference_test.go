package kernel

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterferenceModel_Profile(t *testing.T) {
	m := NewInterferenceModel(InterferenceGroup{Members: []string{"a", "b"}, Target: 0.5, Score: 0.8})
	require.NotNil(t, m.Profile("a"))
	assert.Equal(t, "a", m.Profile("a").ID())
	assert.Nil(t, m.Profile("z"))

	var nilModel *InterferenceModel
	assert.Nil(t, nilModel.Profile("a"))
}

func TestInterferenceMember_NeedsTwoActiveMembers(t *testing.T) {
	m := NewInterferenceModel(InterferenceGroup{Members: []string{"a", "b"}, Target: 0, Score: 0.5})
	d := NewInterferenceDomain()
	rng := rand.New(rand.NewSource(3))

	a := d.Join(m.Profile("a"))
	assert.Equal(t, 1.0, a.Apply(rng, 1), "inactive member is unaffected")
	a.Activate()
	for i := 0; i < 20; i++ {
		assert.Equal(t, 1.0, a.Apply(rng, 1))
	}

	b := d.Join(m.Profile("b"))
	b.Activate()
	seen := map[float64]bool{}
	for i := 0; i < 200; i++ {
		seen[a.Apply(rng, 1)] = true
	}
	assert.Equal(t, map[float64]bool{0.5: true, 1.0: true}, seen)

	b.Deactivate()
	b.Deactivate()
	assert.Equal(t, 1, d.ActiveMembers(m))
	assert.Equal(t, 1.0, a.Apply(rng, 1))
}

func TestInterferenceMember_TargetAboveLoadDoesNotApply(t *testing.T) {
	m := NewInterferenceModel(InterferenceGroup{Members: []string{"a", "b"}, Target: 10, Score: 0})
	d := NewInterferenceDomain()
	a, b := d.Join(m.Profile("a")), d.Join(m.Profile("b"))
	a.Activate()
	b.Activate()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		assert.Equal(t, 1.0, a.Apply(rng, 5))
	}
}

func TestInterferenceMember_HighestQualifyingTargetWins(t *testing.T) {
	m := NewInterferenceModel(
		InterferenceGroup{Members: []string{"a", "b"}, Target: 0.9, Score: 0.1},
		InterferenceGroup{Members: []string{"a", "b"}, Target: 0.2, Score: 0.7},
	)
	d := NewInterferenceDomain()
	a, b := d.Join(m.Profile("a")), d.Join(m.Profile("b"))
	a.Activate()
	b.Activate()

	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 100; i++ {
		v := a.Apply(rng, 0.5)
		assert.Contains(t, []float64{0.7, 1}, v)
	}
	found := false
	for i := 0; i < 100; i++ {
		if a.Apply(rng, 0.95) == 0.1 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestInterferenceDomain_ConcurrentMembership(t *testing.T) {
	m := NewInterferenceModel(InterferenceGroup{Members: []string{"a", "b", "c"}, Score: 0.5})
	d := NewInterferenceDomain()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(1))
			for i := 0; i < 100; i++ {
				mem := d.Join(m.Profile(id))
				mem.Activate()
				_ = mem.Apply(rng, 1)
				mem.Deactivate()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 0, d.ActiveMembers(m))
}

func TestLoadInterferenceModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interference-model.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"vms": ["1", "2"], "minServerLoad": 0.3, "performanceScore": 0.85},
		{"vms": ["2", "3"], "minServerLoad": 0.1, "performanceScore": 0.9}
	]`), 0644))

	m, err := LoadInterferenceModel(path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Groups())
	assert.NotNil(t, m.Profile("3"))
	assert.Nil(t, m.Profile("4"))

	require.NoError(t, os.WriteFile(path, []byte(`[{"vms": ["1"], "performanceScore": 1.5}]`), 0644))
	_, err = LoadInterferenceModel(path)
	assert.ErrorContains(t, err, "outside [0, 1]")

	_, err = LoadInterferenceModel(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLoadClampsNonPositiveCapacity(t *testing.T) {
	assert.Equal(t, 0.0, load(100, 0))
	assert.Equal(t, 200.0, load(100, 0.5))
	assert.Equal(t, 100.0, load(100, 3000))
	assert.Equal(t, 0.0, unitFactor(4, 0))
	assert.Equal(t, 0.002, unitFactor(2, 1000))
}
