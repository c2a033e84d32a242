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

package fairness

import (
	"github.com/firequery/fanout/pkg/fanout/types"
)

// ArrivalOrderPolicyName is the name of the arrival order policy.
const ArrivalOrderPolicyName RegisteredPolicyName = "ArrivalOrder"

func init() {
	MustRegisterPolicy(ArrivalOrderPolicyName,
		func() (Policy, error) {
			return newArrivalOrder(), nil
		})
}

// arrivalOrder relays chunks strictly first-come first-served across teams and never waits. It provides no fairness
// guarantee and exists as a baseline for comparing fairness metrics.
type arrivalOrder struct{}

func newArrivalOrder() *arrivalOrder {
	return &arrivalOrder{}
}

// Name returns the name of the policy.
func (p *arrivalOrder) Name() string {
	return string(ArrivalOrderPolicyName)
}

// Select implements `Policy`.
func (p *arrivalOrder) Select(views []TeamView, _ RunState) Decision {
	if v, ok := oldestReady(views, types.TeamUnattributed); ok {
		return Decision{Team: v.Team}
	}
	return Decision{}
}
