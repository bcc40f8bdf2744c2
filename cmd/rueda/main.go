package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tandahq/rueda/internal/clock"
	"github.com/tandahq/rueda/internal/config"
	"github.com/tandahq/rueda/internal/liveevents"
	"github.com/tandahq/rueda/internal/migration"
	"github.com/tandahq/rueda/internal/scheduler"
	"github.com/tandahq/rueda/internal/server"
	"github.com/tandahq/rueda/pkg/db"
	"github.com/tandahq/rueda/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,

		// HTTP boundary plus every engine domain it aggregates
		server.Module,

		// Background jobs and schema
		scheduler.Module,
		migration.Module,

		// Mirror every notification onto the circle's live stream.
		fx.Decorate(liveevents.NewFanout),
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
