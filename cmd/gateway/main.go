package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"usenet-gateway/internal/affinity"
	"usenet-gateway/internal/config"
	"usenet-gateway/internal/janitor"
	"usenet-gateway/internal/limiter"
	"usenet-gateway/internal/nntp"
	"usenet-gateway/internal/pool"
	"usenet-gateway/internal/telemetry"
)

var db *sql.DB

func openDB() {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		log.Printf("[db] PG_DSN missing, affinity stats stay in memory")
		return
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatal(err)
	}
	if err := d.PingContext(context.Background()); err != nil {
		log.Fatal(err)
	}
	db = d
	log.Println("[db] connected")
}

// tcpConn is the daemon's stock factory output: a bare TCP session with a
// line round-trip as the liveness probe. Embedders replace the factory with
// a real protocol client; the pool never cares which.
type tcpConn struct {
	c  net.Conn
	br *bufio.Reader
}

func (t *tcpConn) Ping(ctx context.Context) error {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(2 * time.Second)
	}
	_ = t.c.SetDeadline(dl)
	defer t.c.SetDeadline(time.Time{})
	if _, err := t.c.Write([]byte("\r\n")); err != nil {
		return err
	}
	_, err := t.br.ReadString('\n')
	return err
}

func (t *tcpConn) Close() error { return t.c.Close() }

func tcpFactory(ctx context.Context, provider string) (nntp.Connection, error) {
	var host string
	for _, pi := range config.Providers() {
		if pi.Name == provider {
			host = pi.Host
			break
		}
	}
	if host == "" {
		return nil, fmt.Errorf("provider %s has no host configured", provider)
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(c)
	if _, err := br.ReadString('\n'); err != nil { // greeting
		_ = c.Close()
		return nil, err
	}
	return &tcpConn{c: c, br: br}, nil
}

func main() {
	_ = godotenv.Load(".env")

	config.Load()
	config.SetupLogging()
	if err := config.Reload(); err != nil {
		log.Printf("[boot] provider config: %v", err)
	}

	openDB()

	tel := telemetry.New()
	registry := pool.NewRegistry(tcpFactory, nil, tel.ObservePool)
	global := limiter.NewGlobal(limiter.GlobalOptions{})
	streaming := limiter.NewStreaming(limiter.StreamingOptions{})

	aff := affinity.New(affinity.Options{
		Store:    sqlStoreOrNil(),
		Playback: streaming,
	})
	if err := aff.LoadPersisted(context.Background()); err != nil {
		log.Printf("[boot] affinity load: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	registry.Resync(rootCtx, config.Providers())

	log.Printf("[boot] gateway up: providers=%d permits=%d streaming=%d metrics=%s",
		len(config.Providers()), config.TotalPermits(), config.StreamingMax(), config.MetricsAddr())

	metricsSrv := &http.Server{Addr: config.MetricsAddr(), Handler: tel.Handler()}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return aff.Run(gctx) })
	g.Go(func() error {
		janitor.Run(gctx, janitor.Deps{
			Registry:  registry,
			Global:    global,
			Streaming: streaming,
			Telemetry: tel,
		})
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shCtx)
	})

	<-rootCtx.Done()
	log.Printf("[boot] shutdown requested")

	if err := g.Wait(); err != nil {
		log.Printf("[boot] background loop: %v", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	streaming.Stop()
	if err := registry.CloseAll(shCtx); err != nil {
		log.Printf("[boot] pool shutdown: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
	log.Printf("[boot] shutdown complete")
}

func sqlStoreOrNil() affinity.Store {
	if db == nil {
		return nil
	}
	return affinity.NewSQLStore(db)
}
