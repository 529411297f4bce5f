package virtio

import (
	"fmt"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits that change how a split virtqueue is laid
// out or walked.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event and avail_event fields at the
	// end of the rings.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32

	// FeatureRingPacked indicates support for the packed virtqueue layout,
	// which is not implemented here.
	FeatureRingPacked Feature = 1 << 34
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureIndirectDescriptors, "indirect_desc"},
	{FeatureEventIndex, "event_idx"},
	{FeatureVersion1, "version_1"},
	{FeatureRingPacked, "ring_packed"},
}

// Has reports whether all bits of x are set in f.
func (f Feature) Has(x Feature) bool {
	return f&x == x
}

func (f Feature) String() string {
	var parts []string
	rest := f
	for _, n := range featureNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
			rest &^= n.f
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint64(rest)))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseFeature maps a feature name as printed by [Feature.String] to its bit.
func ParseFeature(name string) (Feature, error) {
	for _, n := range featureNames {
		if n.name == name {
			return n.f, nil
		}
	}
	return 0, fmt.Errorf("unknown virtio feature %q", name)
}
