package mqtt

import (
	"github.com/google/uuid"

	"github.com/nugget/haletta/internal/buildinfo"
)

// DeviceInfo is the Home Assistant device registry block shared by
// every entity, so they group under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// EntityConfig is a discovery payload. EventTypes is only set for
// event entities.
type EntityConfig struct {
	Name              string     `json:"name"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	EventTypes        []string   `json:"event_types,omitempty"`
}

// InstanceID derives a stable device identifier from the device name.
// The same name always yields the same ID, so nothing has to be stored
// between runs.
func InstanceID(deviceName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("haletta:"+deviceName)).String()
}

// NewDeviceInfo builds the device block.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "haletta",
		Model:        "Conversation Bridge",
		SWVersion:    buildinfo.Version,
	}
}
