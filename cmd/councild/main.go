// Command councild is the thin CLI shell around internal/core: the
// operator-facing surface (`--force`, `ask`, `session`) without itself
// implementing the desktop shell, HTTP/WebSocket, or JSON-RPC MCP
// surfaces those operations are more commonly driven through.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/councilnet/core/internal/agentpool"
	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/channel"
	"github.com/councilnet/core/internal/chatresponder"
	"github.com/councilnet/core/internal/config"
	"github.com/councilnet/core/internal/core"
	"github.com/councilnet/core/internal/council"
	"github.com/councilnet/core/internal/deliberation"
	"github.com/councilnet/core/internal/flags"
	"github.com/councilnet/core/internal/gate"
	"github.com/councilnet/core/internal/knowledge"
	"github.com/councilnet/core/internal/pohv"
	"github.com/councilnet/core/internal/reputation"
	"github.com/councilnet/core/internal/topic"
	"github.com/councilnet/core/internal/xlog"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to the TOML tunables document (internal/config.Config); defaults applied where absent",
		Category: flags.CouncilCategory,
	}
	dataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "directory holding the knowledge bank's goleveldb store",
		Value:    "./councild-data",
		Category: flags.StorageCategory,
	}
	forceFlag = &cli.BoolFlag{
		Name:     "force",
		Usage:    "bypass the duplicate-question gate",
		Category: flags.GatesCategory,
	}
	userFlag = &cli.StringFlag{
		Name:     "user",
		Usage:    "requester identity the rate limiter and spam detector key on",
		Value:    "operator",
		Category: flags.GatesCategory,
	}
)

func main() {
	app := &cli.App{
		Name:  "councild",
		Usage: "AI council deliberation core: intake, fan-out, commit-reveal vote",
		Flags: []cli.Flag{configFlag, dataDirFlag},
		Commands: []*cli.Command{
			commandAsk,
			commandSession,
			commandHeartbeat,
			commandServe,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var commandAsk = &cli.Command{
	Name:      "ask",
	Usage:     "submit a question to the council",
	ArgsUsage: "<question>",
	Flags:     []cli.Flag{forceFlag, userFlag},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return cli.Exit("ask: a question is required", 1)
		}
		question := cctx.Args().Get(0)

		c, bank, err := buildCore(cctx)
		if err != nil {
			return err
		}
		defer bank.Close()

		result, err := c.Ask(context.Background(), cctx.String("user"), question, cctx.Bool("force"))
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		if result.Blocked {
			return cli.Exit(fmt.Sprintf("blocked: %s (retry after %ds)", result.BlockedReason, result.RetryAfter), 1)
		}
		if result.Duplicate {
			fmt.Println(result.DuplicateNotice)
			return nil
		}

		fmt.Printf("session %s: %s\n\n", result.SessionID, result.Question)
		fmt.Printf("consensus reached: %v\n", result.ConsensusReached)
		fmt.Printf("verdict: %s\n", result.Verdict)
		if len(result.Participants) > 0 {
			fmt.Printf("participants: %v\n", result.Participants)
		}
		return nil
	},
}

var commandSession = &cli.Command{
	Name:      "session",
	Usage:     "render a stored deliberation's verdict",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return cli.Exit("session: a session id is required", 1)
		}
		id := cctx.Args().Get(0)

		c, bank, err := buildCore(cctx)
		if err != nil {
			return err
		}
		defer bank.Close()

		rec, ok, err := c.Session(id)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if !ok {
			return cli.Exit(fmt.Sprintf("session %s not found", id), 1)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Field", "Value"})
		table.Append([]string{"Session ID", rec.SessionID})
		table.Append([]string{"Question", rec.Question})
		table.Append([]string{"Verdict", rec.VerdictText})
		table.Append([]string{"Responses", fmt.Sprintf("%d", rec.ResponseCount)})
		table.Append([]string{"Participants", fmt.Sprintf("%v", rec.Participants)})
		table.Append([]string{"Created At", time.Unix(rec.CreatedAt, 0).UTC().Format(time.RFC3339)})
		table.Render()
		return nil
	},
}

var commandHeartbeat = &cli.Command{
	Name:  "heartbeat",
	Usage: "register a human presence heartbeat, keeping PoHV Active",
	Action: func(cctx *cli.Context) error {
		c, bank, err := buildCore(cctx)
		if err != nil {
			return err
		}
		defer bank.Close()
		c.RegisterHeartbeat()
		fmt.Println("heartbeat registered")
		return nil
	},
}

var commandServe = &cli.Command{
	Name:  "serve",
	Usage: "run the chat responder loop and topic scheduler until interrupted",
	Action: func(cctx *cli.Context) error {
		c, bank, err := buildCore(cctx)
		if err != nil {
			return err
		}
		defer bank.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		responder := chatresponder.New(c.Channels, c.Agents, c.Backends, c.Broadcast, c.Log.WithComponent("chatresponder"), nowUnix, newSessionID)
		scheduler := topic.New(c.Agents, c.Backends, c.Channels, c.Broadcast, c.Log.WithComponent("topic"), nowUnix, newSessionID)

		go responder.Run(ctx)
		go scheduler.Run(ctx)

		c.Log.Info("councild: serving", "chat_poll_interval", "2s", "topic_tick_interval", "5s")
		<-ctx.Done()
		c.Log.Info("councild: shutting down")
		return nil
	},
}

// buildCore assembles every council subsystem from the resolved config
// and data directory.
func buildCore(cctx *cli.Context) (*core.Core, *knowledge.Bank, error) {
	log := xlog.New("councild")

	cfg := config.Default()
	if path := cctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("buildCore: %w", err)
		}
		cfg = loaded
	}

	dataDir := cctx.String("datadir")
	if dataDir == "" {
		dataDir = "./councild-data"
	}

	backends := backend.NewRegistry()
	agents := agentpool.New()
	channels := channel.NewManager(cfg.Channel.Capacity)
	broadcast := channel.NewBroadcaster()

	bank, err := knowledge.Open(
		filepath.Clean(dataDir),
		32*1024*1024,
		backend.Embedder{Registry: backends},
		nowUnix,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("buildCore: open knowledge bank: %w", err)
	}

	rep := reputation.New(bank, nowUnix)
	if err := rep.LoadFromStore(); err != nil {
		log.Warn("buildCore: reputation load failed", "err", err)
	}

	heartbeat := pohv.New(cfg.PoHV.TimeoutSecs, cfg.PoHV.WarningSecs, nowUnix)

	rateLimit := gate.NewRateLimiter(gate.RateLimitConfig{
		MaxPerMinute:        cfg.RateLimit.MaxPerMinute,
		MaxPerHour:          cfg.RateLimit.MaxPerHour,
		MaxPerDay:           cfg.RateLimit.MaxPerDay,
		InitialCooldownSecs: cfg.RateLimit.InitialCooldownSecs,
		MaxCooldownSecs:     cfg.RateLimit.MaxCooldownSecs,
		CooldownMultiplier:  cfg.RateLimit.CooldownMultiplier,
	}, nowUnix)

	spam := gate.NewDetector(gate.SpamDetectorConfig{
		DuplicateWindowSecs:   cfg.Spam.DuplicateWindowSecs,
		RapidFireThreshold:    cfg.Spam.RapidFireThreshold,
		RapidFireWindowSecs:   cfg.Spam.RapidFireWindowSecs,
		MinMessageLength:      cfg.Spam.MinMessageLength,
		AllCapsRatioThreshold: cfg.Spam.AllCapsRatioThreshold,
		Keywords:              cfg.Spam.Keywords,
	}, nowUnix)

	dup := gate.NewFilter(bank, gate.DuplicateFilterConfig{
		ExactThreshold:   cfg.Duplicate.ExactThreshold,
		SimilarThreshold: cfg.Duplicate.SimilarThreshold,
		RelatedThreshold: cfg.Duplicate.RelatedThreshold,
	})

	sessions := council.NewManager(nowUnix, nanoNow)
	engine := deliberation.New(backends, log.WithComponent("deliberation"), nowUnix, newSessionID)

	c := core.New(
		channels, agents, backends, bank, rep, heartbeat,
		rateLimit, spam, dup, sessions, engine, broadcast,
		log, cfg.Deliberation.MaxRounds, nowUnix, newSessionID,
	)
	return c, bank, nil
}

func nowUnix() int64 { return time.Now().Unix() }
func nanoNow() int64 { return time.Now().UnixNano() }
func newSessionID() string { return uuid.New().String() }
