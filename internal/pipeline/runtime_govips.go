//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// Each render is a single decode, resize and encode, so libvips gets one
// thread per call and a small operation cache. Worker concurrency comes from
// asynq, not from vips.
var vipsConfig = vips.Config{
	ConcurrencyLevel: 1,
	MaxCacheFiles:    0,
	MaxCacheMem:      64 << 20,
	MaxCacheSize:     50,
}

var vipsRuntime struct {
	sync.Mutex
	running bool
}

// Startup boots libvips; repeated calls are no-ops.
func Startup() error {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()
	if vipsRuntime.running {
		return nil
	}
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	cfg := vipsConfig
	vips.Startup(&cfg)
	vipsRuntime.running = true
	return nil
}

func Shutdown() {
	vipsRuntime.Lock()
	defer vipsRuntime.Unlock()
	if vipsRuntime.running {
		vips.Shutdown()
		vipsRuntime.running = false
	}
}

func Backend() string {
	return "govips"
}

func NewTransformer() (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{}, nil
}
