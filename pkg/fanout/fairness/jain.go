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

// JainIndex returns Jain's fairness index (sum x)^2 / (n * sum x^2) over the given volumes. It is 1 when all volumes
// are equal and 1/n when one party received everything. An empty or all-zero input is perfectly fair.
func JainIndex(volumes ...float64) float64 {
	if len(volumes) == 0 {
		return 1
	}
	var sum, sumSq float64
	for _, v := range volumes {
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 1
	}
	return (sum * sum) / (float64(len(volumes)) * sumSq)
}
