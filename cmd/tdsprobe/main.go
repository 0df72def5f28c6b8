// Command tdsprobe dials a TDS server, logs in, runs one SQL batch, and
// prints the resulting rows. It exists to exercise Connection end to end
// from outside the package's own tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gotds/tds/internal/tdslog"
	"github.com/gotds/tds/tds"
)

func main() {
	var (
		server   = flag.String("server", "localhost", "server hostname")
		port     = flag.Int("port", 1433, "server port")
		instance = flag.String("instance", "", "named instance (mutually exclusive with -port)")
		user     = flag.String("user", "sa", "login username")
		password = flag.String("password", "", "login password")
		database = flag.String("database", "", "initial database")
		query    = flag.String("query", "select 1", "SQL batch to execute")
		encrypt  = flag.Bool("encrypt", false, "request TLS-tunneled login")
		timeout  = flag.Duration("timeout", 15*time.Second, "connect timeout")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logCfg := tdslog.DefaultConfig()
	if *debug {
		logCfg.DefaultLevel = tdslog.LevelDebug
	}

	cfg := tds.DefaultConfig()
	cfg.Server = *server
	cfg.UserName = *user
	cfg.Password = *password
	cfg.Database = *database
	cfg.Encrypt = *encrypt
	cfg.ConnectTimeout = *timeout
	cfg.RowCollectionOnRequestCompletion = true
	cfg.Logger = tdslog.New(logCfg)
	if *instance != "" {
		cfg.InstanceName = *instance
		cfg.Port = 0
	} else {
		cfg.Port = *port
	}

	if err := run(cfg, *query); err != nil {
		fmt.Fprintln(os.Stderr, "tdsprobe:", err)
		os.Exit(1)
	}
}

func run(cfg *tds.Config, query string) error {
	conn, err := tds.NewConnection(cfg)
	if err != nil {
		return fmt.Errorf("configure connection: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Run(runCtx)
	}()

	resultErr := make(chan error, 1)
	conn.ExecSql(query, func(err error, rowCount uint64, rows []tds.Row) {
		if err != nil {
			resultErr <- err
			return
		}
		for _, row := range rows {
			fmt.Println(row)
		}
		fmt.Fprintf(os.Stderr, "(%d rows)\n", rowCount)
		resultErr <- nil
	})

	select {
	case err := <-resultErr:
		runCancel()
		<-done
		return err
	case <-ctx.Done():
		runCancel()
		<-done
		return ctx.Err()
	}
}
