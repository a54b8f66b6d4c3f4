package engine

import (
	"reflect"

	"github.com/roach88/enginecore/internal/assets"
)

// ShutdownRequested is published when an orderly shutdown has been asked for.
type ShutdownRequested struct {
	Reason string
}

// AssetLoaded is published after an asset is first cached.
type AssetLoaded = assets.Loaded

// AssetReloaded is published after a cached asset is replaced.
type AssetReloaded = assets.Reloaded

// builtinEvents maps config event names to the engine's event types.
var builtinEvents = map[string]reflect.Type{
	"shutdown_requested": reflect.TypeFor[ShutdownRequested](),
	"asset_loaded":       reflect.TypeFor[AssetLoaded](),
	"asset_reloaded":     reflect.TypeFor[AssetReloaded](),
}
