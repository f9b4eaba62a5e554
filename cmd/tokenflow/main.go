package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tokenflow/internal/api"
	"tokenflow/internal/notify"
	"tokenflow/internal/parser"
	"tokenflow/internal/scheduler"
	"tokenflow/internal/store"
	"tokenflow/internal/template"
	"tokenflow/internal/workflow"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "tokenflow.db", "SQLite DB path")
		poll      = flag.Duration("poll", 5*time.Second, "poll interval for due schedules")
		parallel  = flag.Int("parallel", 4, "workflows processed concurrently per tick")
		workflows = flag.String("workflows", "", "YAML workflow definitions; when set, the config store is bypassed")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)
	templates := template.Builtin()

	var source scheduler.Source
	if *workflows != "" {
		specs, err := parser.LoadWorkflowFile(*workflows)
		if err != nil {
			log.Fatal().Err(err).Str("path", *workflows).Msg("load workflow definitions")
		}
		log.Info().Int("workflows", len(specs)).Str("path", *workflows).Msg("using declarative configuration")
		source = parser.NewStaticParser(specs, templates, st)
	} else {
		source = parser.NewStoreParser(st, templates, st)
	}

	deps := workflow.RunDeps{
		Tokens:  source,
		Status:  st,
		Signals: st,
		Emails:  notify.LogEmailer{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := scheduler.NewService(source, st, deps, *poll, *parallel)
	go svc.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(source, st, templates)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	svc.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
