package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
// Only the low 32 bits can be exchanged through the bootstrap registers.
type Feature uint64

// Device-independent feature bits of the legacy transport.
const (
	// FeatureNotifyOnEmpty asks the device to interrupt when the available
	// ring runs empty, even when interrupts are suppressed.
	FeatureNotifyOnEmpty Feature = 1 << 24

	// FeatureRingIndirectDesc indicates support for indirect descriptor
	// tables. Neither queue engine here implements them.
	FeatureRingIndirectDesc Feature = 1 << 28

	// FeatureRingEventIdx indicates support for the used_event and
	// avail_event fields. Not implemented, the fields are only reserved.
	FeatureRingEventIdx Feature = 1 << 29
)

// Feature bits for audio devices.
const (
	// FeatureAudioStereo indicates that streams may carry two channels.
	FeatureAudioStereo Feature = 1 << 0

	// FeatureAudioFrequency indicates that the sample rate can be changed
	// per stream.
	FeatureAudioFrequency Feature = 1 << 1
)

var featureNames = map[Feature]string{
	FeatureNotifyOnEmpty:    "notify_on_empty",
	FeatureRingIndirectDesc: "ring_indirect_desc",
	FeatureRingEventIdx:     "ring_event_idx",
	FeatureAudioStereo:      "audio_stereo",
	FeatureAudioFrequency:   "audio_frequency",
}

// FeatureByName returns the feature bit with the given config name.
func FeatureByName(name string) (Feature, error) {
	for f, n := range featureNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// Has reports whether all bits of o are set in f.
func (f Feature) Has(o Feature) bool {
	return f&o == o
}

func (f Feature) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for rest := f; rest != 0; {
		bit := Feature(1) << bits.TrailingZeros64(uint64(rest))
		rest &^= bit
		if n, ok := featureNames[bit]; ok {
			names = append(names, n)
		} else {
			names = append(names, fmt.Sprintf("bit%d", bits.TrailingZeros64(uint64(bit))))
		}
	}
	return strings.Join(names, "|")
}
