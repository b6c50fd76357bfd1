//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"database/sql"

	"github.com/google/wire"

	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/revision"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}

// ProvideRevisionHandler assembles the server-side revision graph from an
// open database pool: store, snapshot job, HTTP handler.
func ProvideRevisionHandler(db *sql.DB, cfg revision.Config) *revision.HTTPHandler {
	wire.Build(
		log.Provide,
		wire.Bind(new(log.Log), new(*log.Logger)),
		revision.NewPostgresStore,
		wire.Bind(new(revision.Store), new(*revision.PostgresStore)),
		revision.NewJob,
		revision.NewHTTPHandler,
	)
	return nil
}
