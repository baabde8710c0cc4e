package model

import (
	"math/rand"

	"github.com/corpix/uarand"
)

// Fingerprint is the synthetic per-proxy browser identity. It is generated
// once when a proxy first turns active and stays stable thereafter.
type Fingerprint struct {
	UserAgent     string
	WebGLVendor   string
	WebGLRenderer string
	BrowserVendor string
}

// webglPairs keeps vendor and renderer consistent with each other; a random
// cross-product would be trivially detectable.
var webglPairs = []struct {
	vendor, renderer, browser string
}{
	{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 620 Direct3D11 vs_5_0 ps_5_0)", "Google Inc."},
	{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce GTX 1060 Direct3D11 vs_5_0 ps_5_0)", "Google Inc."},
	{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon(TM) Graphics Direct3D11 vs_5_0 ps_5_0)", "Google Inc."},
	{"Intel Inc.", "Intel Iris OpenGL Engine", "Apple Computer, Inc."},
	{"Apple Inc.", "Apple M1", "Apple Computer, Inc."},
	{"Mozilla", "Mozilla -- llvmpipe (LLVM 15.0.7, 256 bits)", "Mozilla Foundation"},
}

// NewFingerprint generates a fresh fingerprint with a random real-world user
// agent and a matching WebGL identity.
func NewFingerprint() Fingerprint {
	pair := webglPairs[rand.Intn(len(webglPairs))]
	return Fingerprint{
		UserAgent:     uarand.GetRandom(),
		WebGLVendor:   pair.vendor,
		WebGLRenderer: pair.renderer,
		BrowserVendor: pair.browser,
	}
}
