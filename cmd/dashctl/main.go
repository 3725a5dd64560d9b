package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"hpwhdash/internal/catalog"
	"hpwhdash/internal/dashboard"
	"hpwhdash/internal/fittable"
	"hpwhdash/internal/tui"
	"hpwhdash/internal/types"
)

const usage = `usage: dashctl [flags] <command> [args]

commands:
  sync             resolve the model and test selection from prefs.json
  select           change the selection (-model, -list, -test, -profile)
  fit              print the fit tables (-clear-params, -clear-metrics, -ef-*)
  properties       print the property tables of the selected model
  update-models    copy edited working models back to the test tree
  restore-models   discard edited working models
  key <key>        send a key press to the performance plotter
  listen           print relay traffic addressed to the dashboard
  tui              interactive picker

flags:
`

type app struct {
	client   *dashboard.Client
	live     *dashboard.Live
	session  *dashboard.Session
	testRoot string
	logger   zerolog.Logger
}

func main() {
	fs := flag.NewFlagSet("dashctl", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8000", "control-plane server URL")
	relayURL := fs.String("relay", dashboard.DefaultRelayURL, "relay WebSocket URL")
	testRoot := fs.String("test-root", dashboard.DefaultTestRoot, "engine test tree, as seen from the server")
	level := fs.String("log-level", "warn", "log level")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := dashboard.NewClient(*serverURL, nil)
	a := &app{client: client, testRoot: *testRoot, logger: logger}
	a.live = dashboard.NewLive(*relayURL, client, logger)
	defer a.live.Close()
	a.session = dashboard.NewSession(dashboard.Options{
		Client:   client,
		Live:     a.live,
		TestRoot: *testRoot,
		Logger:   logger,
	})

	if err := a.run(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error().Err(err).Str("command", fs.Arg(0)).Msg("failed")
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "sync":
		view, err := a.session.SetElements(ctx)
		if err != nil {
			return err
		}
		return printJSON(view)
	case "select":
		return a.selectCmd(ctx, args)
	case "fit":
		return a.fitCmd(ctx, args)
	case "properties":
		props, err := a.session.Properties(ctx)
		if err != nil {
			return err
		}
		fmt.Println(props.General)
		fmt.Println(props.Tank)
		if props.HeatSource != "" {
			fmt.Println(props.HeatSource)
		}
		return nil
	case "update-models":
		return a.session.UpdateModels(ctx)
	case "restore-models":
		return a.session.RestoreModels(ctx)
	case "key":
		if len(args) != 1 {
			return errors.New("key: expected one key")
		}
		return a.session.KeyPressed(ctx, args[0])
	case "listen":
		return a.listen(ctx)
	case "tui":
		return a.tui(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) selectCmd(ctx context.Context, args []string) error {
	// Start from what is stored so unspecified fields keep their values.
	current, err := a.session.SetElements(ctx)
	if err != nil {
		return err
	}
	form := current.Form()
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	fs.StringVar(&form.ModelID, "model", form.ModelID, "model id")
	list := fs.String("list", string(form.TestList), "test list: all_tests, tests_with_data or standard_tests")
	fs.StringVar(&form.TestID, "test", form.TestID, "test id")
	fs.StringVar(&form.DrawProfile, "profile", form.DrawProfile, "draw profile for standard tests")
	fs.StringVar(&form.BuildDir, "build", form.BuildDir, "build directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch f := catalog.TestFilter(*list); f {
	case catalog.AllTests, catalog.TestsWithData, catalog.StandardTests:
		form.TestList = f
	default:
		return fmt.Errorf("select: unknown test list %q", *list)
	}
	view, err := a.session.ChangeMenuValue(ctx, form)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func (a *app) fitCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	clearParams := fs.Bool("clear-params", false, "clear the fit parameters")
	clearMetrics := fs.Bool("clear-metrics", false, "clear the fit metrics")
	var ef fittable.EnergyFactor
	fs.StringVar(&ef.ModelID, "ef-model", "", "model of an energy-factor target")
	fs.StringVar(&ef.DrawProfile, "ef-profile", "", "draw profile of an energy-factor target")
	fs.Float64Var(&ef.Value, "ef-value", 0, "energy factor to fit")
	efRemove := fs.Bool("ef-remove", false, "remove the energy-factor target instead of adding it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if ef.ModelID != "" {
		if _, err := a.session.SetEnergyFactor(ctx, ef, !*efRemove); err != nil {
			return err
		}
	}
	if *clearParams {
		if _, err := a.session.ClearParams(ctx); err != nil {
			return err
		}
	}
	if *clearMetrics {
		if _, err := a.session.ClearMetrics(ctx); err != nil {
			return err
		}
	}
	tables, err := a.session.FitTables(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tables.Params)
	fmt.Println(tables.Metrics)
	return nil
}

func (a *app) listen(ctx context.Context) error {
	return a.live.Listen(ctx, func(ctx context.Context, msg types.Message) {
		if msg.Dest != types.PeerIndex {
			return
		}
		line, err := json.Marshal(msg)
		if err != nil {
			return
		}
		fmt.Println(string(line))
	})
}

func (a *app) tui(ctx context.Context) error {
	var program *tea.Program
	session := dashboard.NewSession(dashboard.Options{
		Client:   a.client,
		Live:     a.live,
		TestRoot: a.testRoot,
		Logger:   a.logger,
		OnView: func(_ context.Context, v dashboard.View) {
			if program != nil {
				program.Send(tui.Refreshed(v))
			}
		},
	})
	program = tea.NewProgram(tui.New(ctx, session), tea.WithContext(ctx))

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		err := a.live.Listen(listenCtx, func(ctx context.Context, msg types.Message) {
			if err := session.HandleMessage(ctx, msg); err != nil {
				a.logger.Warn().Err(err).Msg("relay message")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("relay listener stopped")
		}
	}()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
