package sources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossabot/hark/internal/audiocore"
	"github.com/fossabot/hark/internal/audiocore/sources/file"
	"github.com/fossabot/hark/internal/audiocore/sources/malgo"
	"github.com/fossabot/hark/internal/errors"
	"github.com/fossabot/hark/internal/logger"
)

func TestNewAccessPicksBackend(t *testing.T) {
	t.Parallel()

	hw := NewAccess(Config{Logger: logger.NewDiscardLogger()})
	assert.IsType(t, &malgo.Access{}, hw)

	replay := NewAccess(Config{
		InputFiles:  map[audiocore.SourceRole]string{audiocore.RoleMicrophone: "talk.wav"},
		ReplaySpeed: 4,
		Logger:      logger.NewDiscardLogger(),
	})
	assert.IsType(t, &file.Access{}, replay)
}

type fakeLister map[audiocore.SourceRole][]audiocore.DeviceInfo

func (f fakeLister) Devices(_ context.Context, role audiocore.SourceRole) ([]audiocore.DeviceInfo, error) {
	devices, ok := f[role]
	if !ok {
		return nil, errors.Newf("no %s devices", role).
			Category(errors.CategoryDeviceUnavailable).
			Build()
	}
	return devices, nil
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	lister := fakeLister{
		audiocore.RoleMicrophone: {
			{Name: "Built-in Microphone"},
			{Name: "USB Headset", IsDefault: true},
		},
	}

	listings := ListDevices(context.Background(), lister)
	require.Len(t, listings, 2)

	mic := listings[0]
	assert.Equal(t, audiocore.RoleMicrophone, mic.Role)
	require.NoError(t, mic.Err)
	def, ok := mic.DefaultDevice()
	require.True(t, ok)
	assert.Equal(t, "USB Headset", def.Name)

	sys := listings[1]
	assert.Equal(t, audiocore.RoleSystem, sys.Role)
	assert.ErrorIs(t, sys.Err, audiocore.ErrDeviceUnavailable)
	_, ok = sys.DefaultDevice()
	assert.False(t, ok)
}

func TestListingDefaultFallsBackToFirst(t *testing.T) {
	t.Parallel()

	l := Listing{Devices: []audiocore.DeviceInfo{{Name: "a"}, {Name: "b"}}}
	def, ok := l.DefaultDevice()
	require.True(t, ok)
	assert.Equal(t, "a", def.Name)
}
