package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/internal/alert"
	"github.com/smallbiznis/insurecard/internal/audit"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	"github.com/smallbiznis/insurecard/internal/issuance"
	"github.com/smallbiznis/insurecard/internal/ledger"
	"github.com/smallbiznis/insurecard/internal/observability"
	"github.com/smallbiznis/insurecard/internal/providers/slack"
	"github.com/smallbiznis/insurecard/internal/ratelimit"
	"github.com/smallbiznis/insurecard/internal/scheduler"
	"github.com/smallbiznis/insurecard/pkg/db"
	"go.uber.org/fx"
)

// The sweeper runs without the HTTP API. Several replicas may run at once;
// the Redis pass lock and the per-request lease keep them from colliding.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		slack.Module,

		ledger.Module,
		audit.Module,
		alert.Module,
		issuance.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
