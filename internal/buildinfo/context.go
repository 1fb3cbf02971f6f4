// Package buildinfo holds build-time metadata kept apart from user configuration.
package buildinfo

import "fmt"

// UnknownValue stands in for metadata not injected at build time.
const UnknownValue = "unknown"

// Context is set from linker flags at startup.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string
}

// NewContext returns build metadata.
func NewContext(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

// GetVersion returns the version or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// Release names the build for error reports, e.g. hark@1.2.0.
func (c *Context) Release() string {
	return "hark@" + c.GetVersion()
}

func (c *Context) String() string {
	return fmt.Sprintf("hark %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
