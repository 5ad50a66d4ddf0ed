// Copyright 2026 The kubridge Authors.
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

package kubridge

import (
	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/metric"
)

// Dispatch routes.
const (
	routeCustom   = "custom"
	routeDefault  = "default"
	routeFirmware = "firmware"
	routeFatal    = "fatal"
)

func exceptionKinds() []string {
	kinds := make([]string, 0, kubridge.NumExceptionTypes)
	for _, et := range kubridge.ExceptionTypes {
		kinds = append(kinds, et.String())
	}
	return kinds
}

var (
	// ExceptionsMetric counts exceptions seen by the dispatcher.
	ExceptionsMetric = metric.MustCreateNewUint64Metric("/kubridge/exceptions",
		"Number of CPU exceptions seen by the dispatcher, by kind and by where they were routed.",
		metric.NewField("kind", exceptionKinds()),
		metric.NewField("route", []string{routeCustom, routeDefault, routeFirmware, routeFatal}))

	// BootstrapMetric counts bootstrap region allocations.
	BootstrapMetric = metric.MustCreateNewUint64Metric("/kubridge/bootstrap",
		"Number of exception bootstrap allocations, by result.",
		metric.NewField("result", []string{"ok", "failed"}))

	// RegistrationsMetric counts successful handler registrations.
	RegistrationsMetric = metric.MustCreateNewUint64Metric("/kubridge/registrations",
		"Number of successful exception handler registrations, by kind.",
		metric.NewField("kind", exceptionKinds()))
)
