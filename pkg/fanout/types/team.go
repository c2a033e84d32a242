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

package types

// TeamID names a group of cooperating source processes whose output is fairly interleaved.
type TeamID string

const (
	// TeamGreen and TeamPink are the two teams of the default deployment.
	TeamGreen TeamID = "green"
	TeamPink  TeamID = "pink"

	// TeamUnattributed holds chunks whose source process belongs to no configured team. Those chunks are relayed but
	// excluded from fairness accounting.
	TeamUnattributed TeamID = ""
)

// String returns the team name, or "unattributed" for chunks outside every team.
func (t TeamID) String() string {
	if t == TeamUnattributed {
		return "unattributed"
	}
	return string(t)
}
