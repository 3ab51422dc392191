// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

//go:build wireinject
// +build wireinject

package supervisor

import (
	"context"

	"github.com/google/wire"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideSupervisor,
)

// ProvideSupervisor is called by Wire to construct a ready-to-run
// Supervisor from its Config.
func ProvideSupervisor(cfg Config) (*Supervisor, error) {
	return New(cfg)
}

// Start is the injector: given a Config, it returns a Supervisor with
// its dependencies wired together. Its consumers are not started; call
// StartConsumers for that. The generated counterpart lives in
// wire_gen.go.
func Start(ctx context.Context, cfg Config) (*Supervisor, func(), error) {
	wire.Build(Set)
	return nil, nil, nil
}
