package gpu

import (
	"fmt"
	"strings"
)

// AdapterInfo is a portable summary of the adapter behind the shared context
type AdapterInfo struct {
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	Backend     string `json:"backend"`
	AdapterType string `json:"adapter_type"`
	VendorID    string `json:"vendor_id_hex"`
	DeviceID    string `json:"device_id_hex"`
	Driver      string `json:"driver"`
	Limits      Limits `json:"limits"`
}

// Limits are the compute limits that bound convolution dispatches
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Info describes the selected adapter
func (c *Context) Info() AdapterInfo {
	info := c.Adapter.GetInfo()
	limits := c.Adapter.GetLimits()
	return AdapterInfo{
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
	}
}

// Probe initializes the shared context and describes its adapter
func Probe() (*AdapterInfo, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	info := c.Info()
	return &info, nil
}
