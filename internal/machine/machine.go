// Package machine identifies the host the coordinator runs on.
package machine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

// Identity describes the local host.
type Identity struct {
	Hostname      string    `json:"hostname"`
	HostID        string    `json:"host_id,omitempty"`
	OS            string    `json:"os,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	KernelVersion string    `json:"kernel_version,omitempty"`
	BootTime      time.Time `json:"boot_time,omitzero"`
}

// Detect reads the host identity. Missing fields are left empty; only a
// host without any usable name is an error.
func Detect(ctx context.Context) (Identity, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		name, herr := os.Hostname()
		if herr != nil {
			return Identity{}, fmt.Errorf("machine: detect host: %w", herr)
		}
		return Identity{Hostname: name}, nil
	}
	id := Identity{
		Hostname:      info.Hostname,
		HostID:        info.HostID,
		OS:            info.OS,
		Platform:      strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
		KernelVersion: info.KernelVersion,
	}
	if info.BootTime > 0 {
		id.BootTime = time.Unix(int64(info.BootTime), 0).UTC()
	}
	return id, nil
}

// Name returns override when set, otherwise the detected hostname.
func Name(ctx context.Context, override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	id, err := Detect(ctx)
	if err != nil || id.Hostname == "" {
		return "localhost"
	}
	return id.Hostname
}
