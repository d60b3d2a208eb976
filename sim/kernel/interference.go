package kernel

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
)

// ProfileMetaKey is the workload meta key holding the *Profile a VM joins
// its hypervisor's interference domain with.
const ProfileMetaKey = "interference-profile"

// InterferenceGroup is a set of VMs that degrade each other's performance to
// Score once the host load reaches Target.
type InterferenceGroup struct {
	Members []string `json:"vms"`
	Target  float64  `json:"minServerLoad"`
	Score   float64  `json:"performanceScore"`
}

// InterferenceModel holds the interference groups of a workload.
type InterferenceModel struct {
	groups   []InterferenceGroup
	byMember map[string][]int
}

// NewInterferenceModel indexes the given groups. Groups are ordered by
// ascending target, then by descending score.
func NewInterferenceModel(groups ...InterferenceGroup) *InterferenceModel {
	sorted := make([]InterferenceGroup, len(groups))
	copy(sorted, groups)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Target != sorted[j].Target {
			return sorted[i].Target < sorted[j].Target
		}
		return sorted[i].Score > sorted[j].Score
	})

	m := &InterferenceModel{groups: sorted, byMember: make(map[string][]int)}
	for i, g := range sorted {
		for _, id := range g.Members {
			m.byMember[id] = append(m.byMember[id], i)
		}
	}
	return m
}

// LoadInterferenceModel reads a JSON array of interference groups.
func LoadInterferenceModel(path string) (*InterferenceModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading interference model: %w", err)
	}
	var groups []InterferenceGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("parsing interference model %s: %w", path, err)
	}
	for i, g := range groups {
		if g.Score < 0 || g.Score > 1 {
			return nil, fmt.Errorf("interference group %d: performanceScore %f outside [0, 1]", i, g.Score)
		}
	}
	return NewInterferenceModel(groups...), nil
}

// Groups returns the number of groups in the model.
func (m *InterferenceModel) Groups() int {
	return len(m.groups)
}

// Profile returns the profile of the VM with the given id, or nil when the
// VM is not part of any group.
func (m *InterferenceModel) Profile(id string) *Profile {
	if m == nil {
		return nil
	}
	if _, ok := m.byMember[id]; !ok {
		return nil
	}
	return &Profile{model: m, id: id}
}

// Profile binds a VM id to an interference model.
type Profile struct {
	model *InterferenceModel
	id    string
}

// ID returns the VM id of the profile.
func (p *Profile) ID() string { return p.id }

// InterferenceDomain tracks which VMs are active. Hypervisors on different
// hosts may share a domain, so it is safe for concurrent use.
type InterferenceDomain struct {
	mu     sync.Mutex
	active map[*InterferenceModel]map[string]int
}

// NewInterferenceDomain creates an empty domain.
func NewInterferenceDomain() *InterferenceDomain {
	return &InterferenceDomain{active: make(map[*InterferenceModel]map[string]int)}
}

// Join returns an inactive member for the profile.
func (d *InterferenceDomain) Join(p *Profile) *InterferenceMember {
	return &InterferenceMember{domain: d, profile: p}
}

// ActiveMembers returns the number of distinct active VM ids of model.
func (d *InterferenceDomain) ActiveMembers(m *InterferenceModel) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active[m])
}

func (d *InterferenceDomain) adjust(p *Profile, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.active[p.model]
	if ids == nil {
		ids = make(map[string]int)
		d.active[p.model] = ids
	}
	ids[p.id] += delta
	if ids[p.id] <= 0 {
		delete(ids, p.id)
	}
}

// InterferenceMember is the membership of one running VM in a domain.
type InterferenceMember struct {
	domain  *InterferenceDomain
	profile *Profile
	active  bool
}

// Activate marks the member active. Repeated calls have no effect.
func (m *InterferenceMember) Activate() {
	if m.active {
		return
	}
	m.active = true
	m.domain.adjust(m.profile, 1)
}

// Deactivate marks the member inactive. Repeated calls have no effect.
func (m *InterferenceMember) Deactivate() {
	if !m.active {
		return
	}
	m.active = false
	m.domain.adjust(m.profile, -1)
}

// Apply returns the performance multiplier in [0, 1] of the member at the
// given load. Of the groups containing the member that have at least two
// active VMs and a target not above load, the one with the highest target
// applies; its score is returned with probability 1/activeVMs, otherwise
// 1.
func (m *InterferenceMember) Apply(rng *rand.Rand, load float64) float64 {
	if !m.active {
		return 1
	}
	model := m.profile.model

	m.domain.mu.Lock()
	ids := m.domain.active[model]
	best, bestActive := -1, 0
	for _, gi := range model.byMember[m.profile.id] {
		g := model.groups[gi]
		if g.Target > load {
			continue
		}
		n := 0
		for _, id := range g.Members {
			if ids[id] > 0 {
				n++
			}
		}
		if n >= 2 {
			best, bestActive = gi, n
		}
	}
	m.domain.mu.Unlock()

	if best < 0 {
		return 1
	}
	if rng.Intn(bestActive) == 0 {
		return model.groups[best].Score
	}
	return 1
}
