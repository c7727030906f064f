package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"doyen/internal/api"
	"doyen/internal/app"
	"doyen/internal/cmdlog"
	"doyen/internal/config"
	"doyen/internal/engage"
	"doyen/internal/logging"
	"doyen/internal/metrics"
	"doyen/internal/recommend"
	"doyen/internal/theme"
	"doyen/internal/util"
)

const defaultConfigPath = "./doyen.yaml"

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	var err error
	switch cmd {
	case "init":
		err = cmdInit()
	case "login":
		err = cmdlog.Run(cmd, cmdLogin)
	case "whoami":
		err = cmdlog.Run(cmd, cmdWhoami)
	case "sync":
		err = cmdlog.Run(cmd, cmdSync)
	case "refresh":
		err = cmdlog.Run(cmd, cmdRefresh)
	case "status":
		err = cmdlog.Run(cmd, cmdStatus)
	case "quota":
		err = cmdlog.Run(cmd, cmdQuota)
	case "top":
		err = cmdlog.Run(cmd, cmdTop)
	case "send":
		err = cmdlog.Run(cmd, cmdSend)
	case "serve":
		err = cmdlog.Run(cmd, cmdServe)
	default:
		printHelp()
	}
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: doyen <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./doyen.yaml")
	fmt.Println("  login       Authorize an account with the PIN flow")
	fmt.Println("  whoami      Show the authorized account")
	fmt.Println("  sync        Download and hydrate followers until the list is exhausted")
	fmt.Println("  refresh     Re-hydrate profiles older than pacing.staleAfter")
	fmt.Println("  status      Show stored follower and campaign counts")
	fmt.Println("  quota       Show the direct message quota left in this period")
	fmt.Println("  top         Rank stored followers")
	fmt.Println("  send        Send a direct message batch (cold run unless -live)")
	fmt.Println("  serve       Run the HTTP API")
}

// openApp parses the shared flags, loads config and sets up logging.
func openApp(fs *flag.FlagSet) (*app.App, config.Config, error) {
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return nil, cfg, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	if !cfg.Log.Pretty {
		logging.SetOutput(os.Stderr)
	}
	if cfg.Credentials.ConsumerKey == "" || cfg.Credentials.ConsumerSecret == "" {
		fmt.Println("warning: missing TWITTER_KEY/TWITTER_SECRET; API calls will fail")
	}
	if cfg.Server.MetricsAddr != "" {
		metrics.StartServer(cfg.Server.MetricsAddr)
	}
	a, err := app.New(cfg)
	return a, cfg, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdInit() error {
	out := flag.NewFlagSet("init", flag.ExitOnError)
	path := out.String("path", defaultConfigPath, "path to write config")
	_ = out.Parse(os.Args[2:])
	if err := config.Save(*path, config.Default()); err != nil {
		return err
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
	return nil
}

func cmdLogin() error {
	a, _, err := openApp(flag.NewFlagSet("login", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	login, err := a.Login().Begin(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Open this URL and authorize the app:")
	fmt.Println(" ", login.URL)
	fmt.Print("PIN: ")
	pin, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && pin == "" {
		return fmt.Errorf("read pin: %w", err)
	}
	acct, err := a.Login().Complete(ctx, login.Token, strings.TrimSpace(pin))
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as @%s (%d followers)\n", acct.Identity.ScreenName, acct.Identity.FollowersCount)
	return nil
}

func cmdWhoami() error {
	a, _, err := openApp(flag.NewFlagSet("whoami", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	acct, err := a.Account(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("@%s id=%s name=%q followers=%d\n", acct.Identity.ScreenName, acct.Identity.ID, acct.Identity.Name, acct.Identity.FollowersCount)
	return nil
}

func cmdSync() error {
	a, _, err := openApp(flag.NewFlagSet("sync", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	st, err := a.RunIngestionAndHydration(ctx)
	fmt.Printf("run=%s state=%s mode=%s iterations=%d downloaded=%d hydrated=%d\n",
		st.RunID, st.State, st.Mode, st.Iterations, st.Downloaded, st.Hydrated)
	return err
}

func cmdRefresh() error {
	a, cfg, err := openApp(flag.NewFlagSet("refresh", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	n, err := a.RefreshStale(ctx)
	fmt.Printf("refreshed %d profiles older than %s\n", n, cfg.Pacing.StaleAfter)
	return err
}

func cmdStatus() error {
	a, _, err := openApp(flag.NewFlagSet("status", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	total, err := a.FollowerCount(ctx)
	if err != nil {
		return err
	}
	pending, err := a.UnhydratedIDs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("followers stored=%d hydrated=%d unhydrated=%d\n", total, total-len(pending), len(pending))
	campaigns, err := a.Campaigns(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("campaigns=%d\n", len(campaigns))
	if n := len(campaigns); n > 0 {
		c := campaigns[n-1]
		fmt.Printf("last campaign %s recipients=%d\n", c.Start.Format(time.RFC3339), len(c.IDs))
	}
	return nil
}

func cmdQuota() error {
	a, _, err := openApp(flag.NewFlagSet("quota", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	q, err := a.QuotaRemaining(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("remaining=%d period_ends=%s\n", q.Remaining, q.PeriodEnds.Format(time.RFC3339))
	return nil
}

func cmdTop() error {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	filter := fs.String("filter", recommend.FilterActive, "ratio | active | ratio-active")
	ratio := fs.Float64("ratio", 1, "minimum followers/following ratio")
	sinceDays := fs.Int("since-days", 0, "skip followers contacted within this many days (0 disables)")
	verified := fs.Bool("verified", false, "only verified accounts")
	maxBot := fs.Float64("max-bot", 0, "drop profiles above this bot likelihood (0 disables)")
	limit := fs.Int("limit", 20, "rows to show")
	a, _, err := openApp(fs)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := recommend.Options{Filter: *filter, Ratio: *ratio, OnlyVerified: *verified, MaxBotLikelihood: *maxBot, Limit: *limit}
	if *sinceDays > 0 {
		since := time.Now().UTC().AddDate(0, 0, -*sinceDays)
		opts.Since = &since
	}
	out, err := a.TopFollowers(context.Background(), opts)
	if err != nil {
		return err
	}
	for _, c := range out {
		p := c.Follower.Profile
		fmt.Printf("%-20s @%-16s score=%.2f followers=%d following=%d listed=%d\n",
			c.ID, p.ScreenName, c.Score, p.Followers, p.Following, p.Listed)
	}
	return nil
}

func cmdSend() error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	ids := fs.String("ids", "", "recipient ids, comma separated")
	idsFile := fs.String("ids-file", "", "file with recipient ids")
	message := fs.String("message", "", "message text")
	live := fs.Bool("live", false, "really send; without it the batch is a cold run")
	a, _, err := openApp(fs)
	if err != nil {
		return err
	}
	defer a.Close()

	list := util.SplitCSV(*ids)
	if *idsFile != "" {
		b, err := os.ReadFile(*idsFile)
		if err != nil {
			return err
		}
		list = append(list, util.SplitCSV(string(b))...)
	}
	if strings.TrimSpace(*message) == "" {
		return errors.New("-message is required")
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := a.SendOutboundBatch(ctx, list, *message, !*live)
	var se *engage.SendError
	if err != nil && !errors.As(err, &se) {
		return err
	}
	mode := "cold run"
	if *live {
		mode = "live"
	}
	fmt.Printf("%s: sent=%d of %d remaining=%d period_ends=%s\n",
		mode, res.Sent, res.Requested, res.Remaining, res.PeriodEnds.Format(time.RFC3339))
	return err
}

func cmdServe() error {
	a, cfg, err := openApp(flag.NewFlagSet("serve", flag.ExitOnError))
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	srv := api.NewServer(a, a.Login(), cfg.Server.FrontendURL)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Server.Addr) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logging.Info("http_shutdown", nil)
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}
