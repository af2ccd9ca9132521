package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/joho/godotenv"

	"segment-streamer/internal/assemble"
	"segment-streamer/internal/config"
	"segment-streamer/internal/fetch"
	"segment-streamer/internal/history"
	"segment-streamer/internal/httpapi"
	"segment-streamer/internal/janitor"
	"segment-streamer/internal/middleware"
	"segment-streamer/internal/origin"
	"segment-streamer/internal/store"
	"segment-streamer/pkg/types"
)

func openHistoryDB() *history.Store {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		return nil // history is optional; the cache runs without it
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Printf("[boot] history db open failed, continuing without: %v", err)
		return nil
	}
	if err := db.PingContext(context.Background()); err != nil {
		log.Printf("[boot] history db unreachable, continuing without: %v", err)
		return nil
	}
	log.Println("[boot] history db connected")
	return history.NewStore(db)
}

func main() {
	_ = godotenv.Load(".env")

	config.Load()
	config.SetupLogging()

	st := store.New(config.CacheRoot())

	originCli := &origin.Client{
		BaseURL:   config.OriginURL(),
		HTTP:      &http.Client{Timeout: config.RequestTimeout()},
		UserAgent: "Mozilla/5.0 (compatible; SegmentStreamer/1.0)",
	}

	orch := fetch.New(st, originCli, fetch.Options{
		MaxConcurrent:     config.MaxConcurrent(),
		PollInterval:      config.PollInterval(),
		MaxRetries:        config.MaxRetries(),
		RetryBaseDelay:    config.RetryBaseDelay(),
		MaxStatusFailures: config.MaxStatusFailures(),
		IdlePollRounds:    config.IdlePollRounds(),
	})

	ffmpeg := config.FFmpegPath()
	if ffmpeg == "" {
		if p, ok := assemble.HasFFmpeg(); ok {
			ffmpeg = p
		}
	}
	if ffmpeg == "" {
		log.Println("[boot] ffmpeg not found, assembly falls back to byte concat")
	}
	asm := assemble.New(st, ffmpeg, config.MinAssembleSegments())

	hist := openHistoryDB()

	// Finished runs get assembled and, when configured, recorded.
	orch.OnRunDone = func(id string, p types.Progress, took time.Duration) {
		if _, err := asm.Assemble(context.Background(), id, p.TotalSegments); err != nil {
			log.Printf("[assemble] %s after run: %v", id, err)
		}
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hist.RecordRun(recCtx, id, len(p.Completed), len(p.Failed), took); err != nil {
			log.Printf("[history] record %s: %v", id, err)
		}
	}

	mux := http.NewServeMux()
	srv := &httpapi.Server{
		Store:   st,
		Origin:  originCli,
		Orch:    orch,
		Asm:     asm,
		History: hist,
	}
	srv.Register(mux)

	// CORS preflight + not-found for everything else
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			middleware.EnableCORS(w)
			return
		}
		http.NotFound(w, r)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go janitor.Run(ctx, config.CacheRoot(), config.JanitorInterval(), config.EvictMaxAge())

	httpSrv := &http.Server{
		Addr:    config.ListenAddr(),
		Handler: middleware.Recover(mux),
	}

	go func() {
		log.Printf("[boot] listening on %s (cache=%s origin=%s)", config.ListenAddr(), config.CacheRoot(), config.OriginURL())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[boot] listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[boot] shutting down")

	orch.CancelAll()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
}
