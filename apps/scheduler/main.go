package main

import (
	"github.com/smallbiznis/propbill/internal/bootstrap"
	"github.com/smallbiznis/propbill/internal/migration"
	"github.com/smallbiznis/propbill/internal/scheduler"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		bootstrap.Infrastructure(),
		migration.Module,
		bootstrap.Billing(),
		bootstrap.MetricsServer,

		// No server module!
		scheduler.LoopModule,
	)
	app.Run()
}
