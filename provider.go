package capture

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let library choose best available
	ProviderSoftware                 // Pure Go encoders (PNG, PCM)
	ProviderX264                     // GPL H.264 encoder via libmedia_h264
	ProviderLibopus                  // BSD Opus via libstream_opus
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL License = iota // Copyleft - requires source disclosure
	LicenseBSD                // Permissive - no copyleft obligations
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureLowLatency     Features = 1 << iota // Optimized for real-time
	FeatureDynamicBitrate                      // Runtime bitrate changes
	FeatureNative                              // Backed by a dynamically loaded library
	FeatureLossless                            // Output decodes to the exact input
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	License  License
	Features Features
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", LicenseBSD, 0},
	ProviderSoftware: {"software", LicenseBSD, FeatureLowLatency | FeatureLossless},
	ProviderX264:     {"x264", LicenseGPL, FeatureLowLatency | FeatureDynamicBitrate | FeatureNative},
	ProviderLibopus:  {"libopus", LicenseBSD, FeatureLowLatency | FeatureDynamicBitrate | FeatureNative},
}

// Runtime availability. Software is always present; native providers are
// marked by EnsureInitialized once their library loads.
var providerAvailable [providerCount]atomic.Bool

func init() {
	setProviderAvailable(ProviderSoftware)
}

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// UnmarshalText parses a provider name.
func (p *Provider) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	if name == "" {
		*p = ProviderAuto
		return nil
	}
	for i := Provider(0); i < providerCount; i++ {
		if providerInfo[i].Name == name {
			*p = i
			return nil
		}
	}
	return fmt.Errorf("%w: provider %q", ErrInvalidConfig, text)
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

func clearProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(false)
	}
}

// AvailableProviders returns all providers usable at runtime.
func AvailableProviders() []Provider {
	var out []Provider
	for p := ProviderSoftware; p < providerCount; p++ {
		if p.Available() {
			out = append(out, p)
		}
	}
	return out
}
