package routes

import (
	"context"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectoinject/loglevel"
	"github.com/Gobusters/ectologger"

	blacklistpkg "github.com/Ramsey-B/clover/pkg/blacklist"
	graphpkg "github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/merging"
	paramspkg "github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/refresh"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/routes/params"
	"github.com/Ramsey-B/clover/pkg/store"
)

// Dependencies are the services the handlers look up per request. Nil
// entries are not registered; handlers that need them answer 5xx.
type Dependencies struct {
	Logger     ectologger.Logger
	Store      store.Store
	Resolver   *resolver.Resolver
	Executor   *merging.Executor
	Blacklist  *blacklistpkg.Service
	Params     *paramspkg.Store
	ParamsFile string
	Refresher  *refresh.Refresher
	Detector   *blacklistpkg.Detector
	Graph      *graphpkg.QueryService
}

// NewContainer registers deps in a new dependency container. Container ids
// are process-wide and must be unique.
func NewContainer(id string, deps Dependencies) (ectocontainer.DIContainer, error) {
	loggerConfig := &ectocontainer.DIContainerLoggerConfig{
		Prefix:   "ectoinject",
		LogLevel: loglevel.WARN,
		Enabled:  deps.Logger != nil,
	}
	if deps.Logger != nil {
		logger := deps.Logger
		loggerConfig.LogFunc = func(ctx context.Context, level, msg string) {
			if level == loglevel.WARN {
				logger.WithContext(ctx).Warn(msg)
				return
			}
			logger.WithContext(ctx).Debug(msg)
		}
	}

	c, err := ectoinject.NewDIContainer(ectocontainer.DIContainerConfig{
		ID:                       id,
		AllowCaptiveDependencies: true,
		AllowMissingDependencies: true,
		LoggerConfig:             loggerConfig,
	})
	if err != nil {
		return nil, err
	}

	var errs []error
	register := func(err error) { errs = append(errs, err) }
	if deps.Logger != nil {
		register(ectoinject.RegisterInstance[ectologger.Logger](c, deps.Logger))
	}
	if deps.Store != nil {
		register(ectoinject.RegisterInstance[store.Store](c, deps.Store))
	}
	if deps.Resolver != nil {
		register(ectoinject.RegisterInstance[*resolver.Resolver](c, deps.Resolver))
	}
	if deps.Executor != nil {
		register(ectoinject.RegisterInstance[*merging.Executor](c, deps.Executor))
	}
	if deps.Blacklist != nil {
		register(ectoinject.RegisterInstance[*blacklistpkg.Service](c, deps.Blacklist))
	}
	if deps.Params != nil {
		register(ectoinject.RegisterInstance[*paramspkg.Store](c, deps.Params))
	}
	if deps.ParamsFile != "" {
		register(ectoinject.RegisterInstance[params.File](c, params.File(deps.ParamsFile)))
	}
	if deps.Refresher != nil {
		register(ectoinject.RegisterInstance[*refresh.Refresher](c, deps.Refresher))
	}
	if deps.Detector != nil {
		register(ectoinject.RegisterInstance[*blacklistpkg.Detector](c, deps.Detector))
	}
	if deps.Graph != nil {
		register(ectoinject.RegisterInstance[*graphpkg.QueryService](c, deps.Graph))
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}
