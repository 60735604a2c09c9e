// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package precision

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Capability describes whether the host supports reduced-precision (float16) arithmetic.
type Capability struct {
	HalfPrecision bool

	// Source describes how the capability was determined, for error messages.
	Source string
}

// DetectCapability checks the CPU features for hardware half-precision support:
// F16C on x86, FPHP and ASIMDHP on ARM.
func DetectCapability() Capability {
	var supported bool
	var features string
	switch runtime.GOARCH {
	case "amd64", "386":
		features = "F16C"
		supported = cpuid.CPU.Supports(cpuid.F16C)
	case "arm64":
		features = "FPHP+ASIMDHP"
		supported = cpuid.CPU.Supports(cpuid.FPHP, cpuid.ASIMDHP)
	default:
		return Capability{Source: "no half-precision detection for GOARCH=" + runtime.GOARCH}
	}
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	if supported {
		return Capability{HalfPrecision: true, Source: brand + " supports " + features}
	}
	return Capability{Source: brand + " lacks " + features}
}
