package control

import (
	"os"
	"runtime"
)

// DeviceProperties are reported once at startup
type DeviceProperties struct {
	OSVersion          string `json:"os_version"`
	Architecture       string `json:"architecture"`
	MachineName        string `json:"machine_name"`
	ApplicationVersion string `json:"application_version"`
	GoVersion          string `json:"go_version"`
	Due                string `json:"due"`
	Period             string `json:"period"`
}

// Properties collects the host description plus the current schedule
func (rc *RemoteControl) Properties(version string) DeviceProperties {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sched := rc.Reported()
	return DeviceProperties{
		OSVersion:          runtime.GOOS,
		Architecture:       runtime.GOARCH,
		MachineName:        host,
		ApplicationVersion: version,
		GoVersion:          runtime.Version(),
		Due:                sched.Due,
		Period:             sched.Period,
	}
}
