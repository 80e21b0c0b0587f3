package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/grafana/pyroscope-go"
)

// ProfilingConfig holds the Pyroscope settings of the client.
type ProfilingConfig struct {
	Enabled  bool
	Version  string
	Endpoint string

	// ProfileTypes names the collected profiles, see ProfileTypeNames.
	ProfileTypes []string

	Client ClientResource
}

var profileTypes = map[string]pyroscope.ProfileType{
	"cpu":            pyroscope.ProfileCPU,
	"alloc_objects":  pyroscope.ProfileAllocObjects,
	"alloc_space":    pyroscope.ProfileAllocSpace,
	"inuse_objects":  pyroscope.ProfileInuseObjects,
	"inuse_space":    pyroscope.ProfileInuseSpace,
	"goroutines":     pyroscope.ProfileGoroutines,
	"mutex_count":    pyroscope.ProfileMutexCount,
	"mutex_duration": pyroscope.ProfileMutexDuration,
	"block_count":    pyroscope.ProfileBlockCount,
	"block_duration": pyroscope.ProfileBlockDuration,
}

// ProfileTypeNames lists the accepted ProfileTypes values, sorted.
func ProfileTypeNames() []string {
	names := make([]string, 0, len(profileTypes))
	for name := range profileTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var profiling atomic.Bool

// InitProfiling starts continuous profiling. Samples are tagged with the
// client's dialect range and workstation; ServerLabels adds the server a
// goroutine works for.
func InitProfiling(cfg ProfilingConfig) (func() error, error) {
	if !cfg.Enabled {
		profiling.Store(false)
		return func() error { return nil }, nil
	}

	types := make([]pyroscope.ProfileType, 0, len(cfg.ProfileTypes))
	for _, name := range cfg.ProfileTypes {
		pt, ok := profileTypes[name]
		if !ok {
			return nil, fmt.Errorf("invalid profile type %q (valid: %s)", name, strings.Join(ProfileTypeNames(), ", "))
		}
		types = append(types, pt)
		switch pt {
		case pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration:
			runtime.SetMutexProfileFraction(5)
		case pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration:
			runtime.SetBlockProfileRate(5)
		}
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: ServiceName,
		ServerAddress:   cfg.Endpoint,
		Tags:            profileTags(cfg),
		ProfileTypes:    types,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}
	profiling.Store(true)
	return func() error {
		profiling.Store(false)
		return p.Stop()
	}, nil
}

func profileTags(cfg ProfilingConfig) map[string]string {
	tags := map[string]string{"version": cfg.Version}
	if cfg.Client.Workstation != "" {
		tags["workstation"] = cfg.Client.Workstation
	}
	if cfg.Client.MaxDialect != "" {
		tags["max_dialect"] = cfg.Client.MaxDialect
	}
	return tags
}

// ServerLabels runs fn with the profiler labels of one SMB server, so that
// receive loops and request waits show up per server. Without profiling fn
// runs directly.
func ServerLabels(ctx context.Context, host string, port int, fn func(context.Context)) {
	if !profiling.Load() {
		fn(ctx)
		return
	}
	pyroscope.TagWrapper(ctx, pyroscope.Labels("smb_server", host, "smb_port", fmt.Sprint(port)), fn)
}
