//go:build wireinject
// +build wireinject

// Provider stubs consumed by the wire code generator; the wireinject tag keeps
// them out of regular builds.

package injector

import (
	"github.com/google/wire"

	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}
