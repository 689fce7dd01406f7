// Package packages contains the built-in extensions and the host functions
// exposed to script extensions.
package packages

import (
	"context"

	"github.com/carfigures/carfigures/cache"
	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/js"
	"github.com/carfigures/carfigures/structs"
	"rogchap.com/v8go"
)

// Counter reports the row counts recorded by the last analysis of the store.
type Counter interface {
	EstimatedCount(ctx context.Context, table string) (int64, bool, error)
}

// Loader lists the loaded extensions.
type Loader interface {
	Loaded() []extension.Handle
}

// Env is what the built-in extensions read. Extensions is usually the
// registry the extensions are installed in, so it is set after the registry
// is created; factories only run on reload.
type Env struct {
	Cache      *cache.Store
	Counter    Counter
	Extensions Loader
	Appearance structs.Appearance
}

// Options registers every built-in extension and the script host functions.
func Options(env *Env) []extension.Option {
	return []extension.Option{
		extension.WithBuiltin("info", env.info),
		extension.WithBuiltin("cars", env.cars),
		extension.WithCallbacks(env.callbacks()),
	}
}

func (e *Env) callbacks() js.Callbacks {
	return js.Callbacks{
		"cacheGeneration": func(rc *js.RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			return rc.JSON(e.Cache.Generation().Number)
		},
		"carCount": func(rc *js.RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
			return rc.JSON(e.Cache.Generation().Len())
		},
	}
}
