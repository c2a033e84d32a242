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

// Package types defines the core data contracts shared by the fan-out query engine.
//
// The engine accepts a pollutant query, delegates it to a fixed set of teams, and multiplexes the chunk streams the
// teams send back into a single client stream. The types here describe the units that move through that pipeline:
//
//   - `Query`: the client's bounding-box/date/pollutant predicate. The engine never evaluates it; it is forwarded
//     verbatim to the team leaders.
//   - `Chunk`: an ordered batch of `Record`s produced by one source process for one request.
//   - `Record`: the domain payload. It is opaque to the engine and is copied, never inspected.
//   - `TeamID`: the logical group a source process belongs to. Fairness is enforced between teams.
//
// Sentinel errors (`errors.go`) and lifecycle enums (`outcomes.go`) are shared by every component so that callers can
// classify failures with `errors.Is` without importing implementation packages.
package types
