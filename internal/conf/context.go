package conf

import (
	"github.com/spf13/viper"

	"github.com/fossabot/hark/internal/buildinfo"
)

// Context is shared by the commands of one invocation. Settings is nil
// until Load succeeds.
type Context struct {
	Build      *buildinfo.Context
	Viper      *viper.Viper
	ConfigFile string
	Settings   *Settings

	closers []func()
}

// NewContext returns a context with a fresh viper instance.
func NewContext(build *buildinfo.Context) *Context {
	return &Context{Build: build, Viper: viper.New()}
}

// Load reads settings from ConfigFile or the default locations.
func (c *Context) Load() error {
	settings, err := Load(c.Viper, c.ConfigFile)
	if err != nil {
		return err
	}
	c.Settings = settings
	return nil
}

// OnClose registers fn to run on Close, most recent first.
func (c *Context) OnClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close runs the registered shutdown hooks once.
func (c *Context) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
