// Package buildinfo carries version metadata stamped at link time:
//
//	-X 'github.com/m3rciful/callcenter-bots/core/buildinfo.Version=v1.2.3'
//	-X 'github.com/m3rciful/callcenter-bots/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/callcenter-bots/core/buildinfo.Date=2025-08-30T12:00:00Z'
package buildinfo

var (
	Version = "dev"
	Commit  = "local"
	Date    = ""
)

// Info is the JSON shape served by the health endpoint.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date,omitempty"`
}

// Current returns the stamped build metadata.
func Current() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}
