package pkgsvc

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
)

// defaultHints builds the hint set negotiated on every session. The daemon
// runs unattended, so sessions are marked non-interactive and cached
// metadata up to a day old is acceptable.
func defaultHints() []string {
	hints := []string{
		"interactive=false",
		"background=true",
		"cache-age=86400",
	}

	if info, err := host.Info(); err == nil {
		hints = append(hints,
			fmt.Sprintf("identity=%s-%s", info.Platform, info.PlatformVersion),
			fmt.Sprintf("kernel=%s", info.KernelVersion),
		)
	}

	return hints
}
