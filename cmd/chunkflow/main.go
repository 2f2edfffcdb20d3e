package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/sijadev/chunkflow/internal/api"
	"github.com/sijadev/chunkflow/internal/domain"
	"github.com/sijadev/chunkflow/internal/importer"
	"github.com/sijadev/chunkflow/internal/journal"
	"github.com/sijadev/chunkflow/internal/lms"
	"github.com/sijadev/chunkflow/internal/scheduler"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP bind address for the status API (serve mode)")
		dbPath      = flag.String("db", "chunkflow.db", "SQLite DB path")
		lmsURL      = flag.String("lms-url", "", "base URL of the LMS web service")
		token       = flag.String("token", "", "LMS web-service token")
		course      = flag.String("course", "", "course ID for a one-shot import")
		input       = flag.String("input", "", "path to a JSON file of pre-chunked content")
		concurrency = flag.Int("concurrency", 2, "max concurrent chunk submissions")
		rateDelay   = flag.Duration("rate-delay", time.Second, "minimum interval between submissions")
		maxRetries  = flag.Int("max-retries", 3, "retries per chunk after the initial attempt")
		serve       = flag.Bool("serve", false, "run the import schedule service and status API")
		poll        = flag.Duration("poll", 30*time.Second, "poll interval for due import schedules")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *lmsURL == "" {
		log.Fatal().Msg("-lms-url is required")
	}
	if !*serve && (*course == "" || *input == "") {
		log.Fatal().Msg("one-shot mode needs -course and -input (or pass -serve)")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := journal.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := journal.NewSQLiteRepo(db)
	client := lms.NewClient(*lmsURL, *token, 30*time.Second)

	// The status API reads the scheduler of whichever import is running.
	var (
		activeMu sync.Mutex
		active   *scheduler.Scheduler[lms.Chunk]
	)
	statusFn := func() domain.QueueStatus {
		activeMu.Lock()
		defer activeMu.Unlock()
		if active == nil {
			return domain.QueueStatus{}
		}
		return active.GetStatus()
	}

	runImport := func(ctx context.Context, courseID, source string) error {
		chunks, err := loadChunks(source)
		if err != nil {
			return fmt.Errorf("load chunks: %w", err)
		}
		s := scheduler.New[lms.Chunk](scheduler.Config{
			MaxConcurrent:  *concurrency,
			RateLimitDelay: *rateDelay,
			MaxRetries:     *maxRetries,
			Logger:         log.Logger,
		})
		ids := s.AddChunks(courseID, chunks)
		log.Info().Str("course_id", courseID).Str("source", source).Int("chunks", len(ids)).Msg("import started")

		activeMu.Lock()
		active = s
		activeMu.Unlock()
		defer func() {
			activeMu.Lock()
			if active == s {
				active = nil
			}
			activeMu.Unlock()
		}()

		started := time.Now()
		sum, perr := s.ProcessQueue(ctx, client.Submit, func(done, total int) {
			log.Info().Int("done", done).Int("total", total).Msg("progress")
		})

		// Record whatever reached a terminal state, even on cancellation.
		if _, rerr := repo.RecordRun(context.Background(), domain.Run{
			CourseID:   courseID,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Summary:    sum,
		}); rerr != nil {
			log.Error().Err(rerr).Msg("record run")
		}

		log.Info().
			Str("course_id", courseID).
			Int("succeeded", sum.SuccessfulChunks).
			Int("failed", sum.FailedChunks).
			Float64("success_rate", sum.SuccessRate).
			Msg("import finished")
		for _, f := range sum.FailedChunkDetails {
			log.Warn().Str("chunk_id", f.ChunkID).Int("retries", f.RetryCount).Str("error", f.Error).Msg("chunk failed")
		}
		if perr != nil {
			return perr
		}
		if sum.FailedChunks > 0 {
			return fmt.Errorf("%d of %d chunks failed", sum.FailedChunks, sum.TotalChunks)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*serve {
		if err := runImport(ctx, *course, *input); err != nil {
			log.Error().Err(err).Msg("import failed")
			os.Exit(1)
		}
		return
	}

	svc := importer.NewService(repo, func(ctx context.Context, sch domain.ImportSchedule) error {
		return runImport(ctx, sch.CourseID, sch.Source)
	}, *poll, log.Logger)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(repo, statusFn)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

func loadChunks(path string) ([]lms.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chunks []lms.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return chunks, nil
}
