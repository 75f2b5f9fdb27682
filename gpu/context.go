package gpu

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
	err      error

	// submit serializes queue work; sessions on different goroutines share one device
	submit sync.Mutex
}

var (
	ctx    Context
	logger = slog.Default()
)

// SetLogger replaces the logger used for adapter selection messages
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// GetContext returns the singleton GPU context, initializing it if necessary.
// A failed initialization is remembered and returned on every later call.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
	})

	if ctx.err != nil {
		return nil, ctx.err
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}

	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	// Prefer a discrete NVIDIA adapter when one is enumerated
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		logger.Debug("gpu adapter found",
			"name", info.Name, "vendor", info.VendorName,
			"device_id", fmt.Sprintf("0x%X", info.DeviceId), "type", info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	// Fall back through power preferences, then the default adapter
	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(opts)
		if lastErr != nil {
			logger.Debug("gpu adapter request failed", "error", lastErr)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", lastErr)
	}

	info := c.Adapter.GetInfo()
	logger.Info("using gpu adapter", "name", info.Name, "vendor", info.VendorName)

	var err error
	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
