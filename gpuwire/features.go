package gpuwire

// Device feature bits.
const (
	FeatureVirGL        uint64 = 1 << 0 // 3D acceleration via virgl
	FeatureEDID         uint64 = 1 << 1
	FeatureResourceUUID uint64 = 1 << 2
	FeatureResourceBlob uint64 = 1 << 3
	FeatureContextInit  uint64 = 1 << 4
)

// MaxScanouts is the number of scanout slots in a display-info response.
const MaxScanouts = 16

// DeviceConfigSize is the wire size of the device configuration space.
const DeviceConfigSize = 16

// DeviceConfig mirrors the virtio-gpu configuration space.
type DeviceConfig struct {
	EventsRead  uint32
	EventsClear uint32
	NumScanouts uint32
	NumCapsets  uint32
}

func (c *DeviceConfig) Encode(p []byte) {
	putUint32s(p, c.EventsRead, c.EventsClear, c.NumScanouts, c.NumCapsets)
}

func DecodeDeviceConfig(p []byte) DeviceConfig {
	var c DeviceConfig
	getUint32s(p, &c.EventsRead, &c.EventsClear, &c.NumScanouts, &c.NumCapsets)
	return c
}
