//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"github.com/YannisKiefer/control-center/internal/biz"
	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Data, *conf.Fleet, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		newProber,
		newApp,
	))
}
