package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/feed-digest/internal/aggregate"
	"github.com/ignite/feed-digest/internal/config"
	"github.com/ignite/feed-digest/internal/digest"
	"github.com/ignite/feed-digest/internal/feed"
	"github.com/ignite/feed-digest/internal/ingest"
	"github.com/ignite/feed-digest/internal/mailbox"
	"github.com/ignite/feed-digest/internal/pipeline"
	"github.com/ignite/feed-digest/internal/process"
	"github.com/ignite/feed-digest/internal/scheduler"
	"github.com/ignite/feed-digest/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer st.Close()
	log.Println("Connected to database")

	// One-shot admin modes, then the daemon.
	if args := flag.Args(); len(args) > 0 {
		runCommand(st, args)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	registry := aggregate.NewRegistry(st)
	if err := registry.Restore(ctx); err != nil {
		cancel()
		log.Fatalf("restore aggregators: %v", err)
	}
	cancel()
	log.Printf("Restored %d user aggregator(s)", registry.GetStats().Users)

	stages := process.Chain{
		process.NewRelevanceStage(),
		process.NewSummarizeStage(),
	}
	if cfg.Bedrock.Enabled {
		llm, err := process.NewBedrockSummarizeStage(context.Background(), cfg.Bedrock.ModelID, cfg.Bedrock.Region)
		if err != nil {
			log.Fatalf("bedrock summarizer: %v", err)
		}
		stages = append(stages, llm)
	}
	stages = append(stages, process.NewFilterStage())

	channelSink := digest.NewChannelSink()
	sinks := []digest.Sink{channelSink}
	if cfg.RedisURL != "" {
		redisSink, err := digest.NewRedisSink(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis sink: %v", err)
		}
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
		log.Println("Redis digest sink enabled")
	}

	// In-process consumer; external consumers pop the Redis lists.
	go func() {
		for out := range channelSink.Outputs() {
			log.Printf("Digest emitted: user=%s kind=%s items=%d",
				out.UserID, out.Kind, out.Metadata.ItemsCount)
		}
	}()

	orch := pipeline.New(st, registry, stages, sinks, cfg.Pipeline.SweepPeriod())
	fetchers := map[ingest.SourceKind]ingest.Fetcher{
		ingest.SourceRSS:  feed.NewFetcher(cfg.Fetch),
		ingest.SourceIMAP: mailbox.NewFetcher(st, cfg.Fetch.MaxMessagesPerPoll, cfg.Fetch.Timeout()),
	}
	sched := scheduler.New(st, orch, fetchers, cfg.Scheduler)

	orch.Start()
	sched.Start()
	log.Println("Ingest daemon running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	sched.Stop()
	orch.Stop()
	channelSink.Close()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := registry.SaveAll(saveCtx); err != nil {
		log.Printf("save aggregator state: %v", err)
	}
	log.Println("Stopped")
}

func runCommand(st *store.Store, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "register-source":
		if len(args) != 3 {
			log.Fatal("usage: ingestd register-source <rss|imap> <uri>")
		}
		kind := ingest.SourceKind(args[1])
		if kind != ingest.SourceRSS && kind != ingest.SourceIMAP {
			log.Fatalf("unknown source kind %q", args[1])
		}
		if kind == ingest.SourceIMAP {
			if _, err := mailbox.ParseSourceURI(args[2]); err != nil {
				log.Fatalf("invalid mailbox uri: %v", err)
			}
		}
		src, err := st.RegisterSource(ctx, kind, args[2], 0)
		if err != nil {
			log.Fatalf("register source: %v", err)
		}
		fmt.Printf("registered %s source %s\n", src.Kind, src.ID)

	case "register-user":
		if len(args) < 4 {
			log.Fatal("usage: ingestd register-user <user-id> <hourly|daily|weekly> <description...>")
		}
		userID, bucket := args[1], aggregate.Kind(args[2])
		description := ""
		for _, part := range args[3:] {
			if description != "" {
				description += " "
			}
			description += part
		}
		if err := st.UpsertPreferences(ctx, &ingest.Preferences{UserID: userID, Description: description}); err != nil {
			log.Fatalf("save preferences: %v", err)
		}
		registry := aggregate.NewRegistry(st)
		if err := registry.Create(ctx, userID, aggregate.Config{Kind: bucket}); err != nil {
			log.Fatalf("create aggregator: %v", err)
		}
		fmt.Printf("registered user %s with %s digests\n", userID, bucket)

	case "set-credential":
		if len(args) != 3 {
			log.Fatal("usage: ingestd set-credential <email> <password>")
		}
		if err := st.UpsertCredential(ctx, args[1], args[2]); err != nil {
			log.Fatalf("save credential: %v", err)
		}
		fmt.Println("credential saved")

	case "stats":
		stats, err := st.GetSourceStats(ctx)
		if err != nil {
			log.Fatalf("source stats: %v", err)
		}
		fmt.Printf("sources: total=%d active=%d failing=%d never_fetched=%d\n",
			stats.Total, stats.Active, stats.Failing, stats.NeverFetched)

	default:
		log.Fatalf("unknown command %q", args[0])
	}
}
