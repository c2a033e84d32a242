/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package teams attributes source processes to teams.
package teams

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/firequery/fanout/pkg/fanout/types"
)

// Team is the static description of one team.
type Team struct {
	ID types.TeamID
	// Leader is the process the coordinator delegates to. It is always a member.
	Leader string
	// Members are the processes whose chunks are attributed to the team.
	Members sets.Set[string]
}

// Mapping is an immutable lookup from source process to team. It is safe for concurrent use.
type Mapping struct {
	teams    []Team
	byMember map[string]types.TeamID
}

// NewMapping validates the teams and builds the lookup. Team order is preserved; it is the order in which the
// scheduler considers teams.
func NewMapping(teams ...Team) (*Mapping, error) {
	m := &Mapping{byMember: make(map[string]types.TeamID)}
	seenTeams := sets.New[types.TeamID]()
	for _, t := range teams {
		if t.ID == types.TeamUnattributed {
			return nil, fmt.Errorf("team with leader %q has no name", t.Leader)
		}
		if seenTeams.Has(t.ID) {
			return nil, fmt.Errorf("team %q is defined twice", t.ID)
		}
		seenTeams.Insert(t.ID)
		if t.Leader == "" {
			return nil, fmt.Errorf("team %q has no leader", t.ID)
		}
		members := sets.New[string]()
		if t.Members != nil {
			members = t.Members.Clone()
		}
		members.Insert(t.Leader)
		for _, p := range sets.List(members) {
			if other, ok := m.byMember[p]; ok {
				return nil, fmt.Errorf("process %q belongs to both team %q and team %q", p, other, t.ID)
			}
			m.byMember[p] = t.ID
		}
		m.teams = append(m.teams, Team{ID: t.ID, Leader: t.Leader, Members: members})
	}
	if len(m.teams) == 0 {
		return nil, fmt.Errorf("at least one team is required")
	}
	return m, nil
}

// TeamOf returns the team of a source process, or `types.TeamUnattributed` for an unknown process.
func (m *Mapping) TeamOf(process string) types.TeamID {
	return m.byMember[process]
}

// Teams returns the teams in configuration order.
func (m *Mapping) Teams() []Team {
	return append([]Team(nil), m.teams...)
}

// IDs returns the team identifiers in configuration order.
func (m *Mapping) IDs() []types.TeamID {
	ids := make([]types.TeamID, 0, len(m.teams))
	for _, t := range m.teams {
		ids = append(ids, t.ID)
	}
	return ids
}
