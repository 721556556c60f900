// yoto-ctl sends one-off commands to players and manages play schedules.
//
// Device commands open a session for --device with the token from the
// AUTH_* environment, publish, and disconnect. Schedule commands work on
// the configured schedule store directly and do not need a session.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"yoto-remote/common/logger"
	rediscommon "yoto-remote/common/redis"
	"yoto-remote/internal/config"
	"yoto-remote/internal/connection"
	"yoto-remote/internal/models"
	"yoto-remote/internal/scheduler"
	"yoto-remote/internal/service"
	"yoto-remote/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var connErr *connection.ConnectionError
		var pubErr *connection.PublishError
		if errors.As(err, &connErr) || errors.As(err, &pubErr) {
			fmt.Fprintln(os.Stderr, connection.UserMessage(err))
		}
		os.Exit(1)
	}
}

type globals struct {
	device  string
	verbose bool
	timeout time.Duration
}

func run(argv []string) error {
	var g globals

	flagSet := pflag.NewFlagSet("yoto-ctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&g.device, "device", "d", os.Getenv("YOTO_DEVICE_ID"), "target device id (default $YOTO_DEVICE_ID)")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "log connection details to stderr")
	flagSet.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall deadline for the command")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errors.New("no command given")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zlog, err := logger.NewCLILogger(g.verbose)
	if err != nil {
		return err
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	switch command {
	case "play", "pause", "resume", "stop", "ambient", "nightlight", "status":
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return runDevice(ctx, cfg, zlog, g, command, rest)
	case "schedules":
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return runSchedules(ctx, cfg, zlog, g, rest)
	case "telemetry":
		return runTelemetry(ctx, cfg, rest)
	default:
		return fmt.Errorf("unknown command %q (see --help)", command)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `yoto-ctl controls players over MQTT and manages play schedules.

Usage:
  yoto-ctl [global flags] <command> [args]

Device commands (need --device and a token in AUTH_ACCESS_TOKEN or AUTH_REFRESH_TOKEN):
  play <card-uri> [--chapter K] [--track K] [--seconds-in N] [--cutoff N] [--any-button-stop]
  pause | resume | stop
  ambient <#RRGGBB> [--brightness 0-100]
  nightlight on|off [--brightness N]
  status [--wait 5s]          connect and print telemetry until --wait elapses

Schedule commands:
  schedules list
  schedules add --card URI --time HH:MM [--days Mon,Wed] [--once] [--notify-offline]
  schedules rm|enable|disable|next <schedule-id>
  schedules export [--out schedules.xlsx]
  schedules import <file.xlsx>

Telemetry:
  telemetry tail [--from 0] [--follow]

Examples:
  yoto-ctl -d abc123 play https://yoto.io/abcd --chapter 02
  yoto-ctl -d abc123 ambient '#ff8800' --brightness 40
  yoto-ctl -d abc123 schedules add --card https://yoto.io/abcd --time 07:30 --days weekdays

Global flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// subFlags parses a subcommand's flags. Help is reported as ErrHelp.
func subFlags(name string, args []string, define func(fs *pflag.FlagSet)) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

func buildCommand(command string, args []string) (models.Command, []string, *time.Duration, error) {
	var wait time.Duration

	switch command {
	case "play":
		var chapter, track string
		var secondsIn, cutoff int
		var anyButtonStop bool
		fs, err := subFlags("play", args, func(fs *pflag.FlagSet) {
			fs.StringVar(&chapter, "chapter", "", "chapter key to start at")
			fs.StringVar(&track, "track", "", "track key to start at")
			fs.IntVar(&secondsIn, "seconds-in", 0, "offset into the track in seconds")
			fs.IntVar(&cutoff, "cutoff", 0, "stop after this many seconds")
			fs.BoolVar(&anyButtonStop, "any-button-stop", false, "any button press stops playback")
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if fs.NArg() != 1 {
			return nil, nil, nil, errors.New("play needs exactly one card uri")
		}
		cmd := models.PlayCard{URI: fs.Arg(0)}
		if fs.Changed("chapter") {
			cmd.ChapterKey = &chapter
		}
		if fs.Changed("track") {
			cmd.TrackKey = &track
		}
		if fs.Changed("seconds-in") {
			cmd.SecondsIn = &secondsIn
		}
		if fs.Changed("cutoff") {
			cmd.CutOff = &cutoff
		}
		if fs.Changed("any-button-stop") {
			cmd.AnyButtonStop = &anyButtonStop
		}
		return cmd, nil, nil, nil

	case "pause":
		return models.Pause{}, args, nil, nil
	case "resume":
		return models.Resume{}, args, nil, nil
	case "stop":
		return models.Stop{}, args, nil, nil

	case "ambient":
		var brightness int
		fs, err := subFlags("ambient", args, func(fs *pflag.FlagSet) {
			fs.IntVar(&brightness, "brightness", 100, "brightness percent")
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if fs.NArg() != 1 {
			return nil, nil, nil, errors.New("ambient needs a colour, e.g. #ff0000")
		}
		cmd, err := models.AmbientFromHex(brightness, fs.Arg(0))
		if err != nil {
			return nil, nil, nil, err
		}
		return cmd, nil, nil, nil

	case "nightlight":
		var brightness int
		fs, err := subFlags("nightlight", args, func(fs *pflag.FlagSet) {
			fs.IntVar(&brightness, "brightness", 0, "night light brightness")
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if fs.NArg() != 1 {
			return nil, nil, nil, errors.New("nightlight needs on or off")
		}
		switch strings.ToLower(fs.Arg(0)) {
		case "on":
			cmd := models.SetNightLight{Enabled: true}
			if fs.Changed("brightness") {
				cmd.Brightness = &brightness
			}
			return cmd, nil, nil, nil
		case "off":
			return models.SetNightLight{Enabled: false}, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("nightlight: expected on or off, got %q", fs.Arg(0))

	case "status":
		if _, err := subFlags("status", args, func(fs *pflag.FlagSet) {
			fs.DurationVar(&wait, "wait", 5*time.Second, "how long to print telemetry")
		}); err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, &wait, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown device command %q", command)
}

func runDevice(ctx context.Context, cfg *config.Config, zlog *zap.Logger, g globals, command string, args []string) error {
	if g.device == "" {
		return errors.New("--device is required")
	}
	cmd, extra, wait, err := buildCommand(command, args)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}

	provider := service.NewTokenProvider(cfg, zlog)
	if provider == nil {
		return &connection.ConnectionError{Kind: connection.ConnectAuth, DeviceID: g.device, Err: connection.ErrNoToken}
	}

	manager := service.NewConnectionManager(cfg, nil, zlog)
	defer manager.Close()

	ingestor := telemetry.NewIngestor(nil, zlog)
	defer ingestor.Close()
	manager.OnMessage(ingestor.HandleMessage)
	events, unsubscribe := ingestor.Subscribe(64)
	defer unsubscribe()

	if err := manager.ConnectWithProvider(ctx, g.device, provider); err != nil {
		return err
	}

	if cmd != nil {
		if err := manager.Publish(ctx, g.device, cmd); err != nil {
			return err
		}
		fmt.Printf("sent %s to %s\n", cmd.Kind(), g.device)
		return nil
	}

	info, _ := manager.Session(g.device)
	fmt.Printf("device %s: %s (session started %s)\n", g.device, info.State, info.SessionStartedAt.Format(time.RFC3339))

	timer := time.NewTimer(*wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Printf("%s  %-14s %v  (%s)\n", ev.ObservedAt.Format("15:04:05"), ev.Kind, ev.Value, ev.SourceField)
		}
	}
}

func runSchedules(ctx context.Context, cfg *config.Config, zlog *zap.Logger, g globals, args []string) error {
	if len(args) == 0 {
		return errors.New("schedules needs a subcommand: list, add, rm, enable, disable, next, export, import")
	}

	repo, backends, err := service.OpenScheduleRepository(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer backends.Close()
	store := service.NewScheduleStore(repo, zlog)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "list", "ls":
		schedules, err := store.List(ctx, g.device)
		if err != nil {
			return err
		}
		return printSchedules(schedules, time.Now().In(loc))

	case "add":
		var card, at, days string
		var once, notifyOffline bool
		if _, err := subFlags("schedules add", rest, func(fs *pflag.FlagSet) {
			fs.StringVar(&card, "card", "", "card uri to play")
			fs.StringVar(&at, "time", "", "time of day, HH:MM")
			fs.StringVar(&days, "days", "daily", "days, e.g. Mon,Wed or weekdays")
			fs.BoolVar(&once, "once", false, "fire once and then disable")
			fs.BoolVar(&notifyOffline, "notify-offline", false, "send a notification if the device is offline")
		}); err != nil {
			return err
		}
		tod, err := models.ParseTimeOfDay(at)
		if err != nil {
			return err
		}
		dayList, err := service.ParseDays(days)
		if err != nil {
			return err
		}
		repeat := models.RepeatWeekly
		if once {
			repeat = models.RepeatNone
		}
		created, err := store.Create(ctx, service.CreateScheduleRequest{
			DeviceID:        g.device,
			CardURI:         card,
			TimeOfDay:       tod,
			DaysOfWeek:      dayList,
			RepeatMode:      repeat,
			NotifyIfOffline: notifyOffline,
		})
		if err != nil {
			return err
		}
		fmt.Println(created.ID)
		return nil

	case "rm", "delete":
		id, err := oneID(sub, rest)
		if err != nil {
			return err
		}
		return store.Delete(ctx, id)

	case "enable", "disable":
		id, err := oneID(sub, rest)
		if err != nil {
			return err
		}
		_, err = store.SetEnabled(ctx, id, sub == "enable")
		return err

	case "next":
		id, err := oneID(sub, rest)
		if err != nil {
			return err
		}
		sched, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		next, ok := scheduler.NextExecutionTime(sched, time.Now().In(loc))
		if !ok {
			fmt.Println("never")
			return nil
		}
		fmt.Println(next.Format(time.RFC1123))
		return nil

	case "export":
		var out string
		if _, err := subFlags("schedules export", rest, func(fs *pflag.FlagSet) {
			fs.StringVarP(&out, "out", "o", "schedules.xlsx", "output file")
		}); err != nil {
			return err
		}
		data, err := store.ExportExcel(ctx, g.device)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", out)
		return nil

	case "import":
		path, err := oneID(sub, rest)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		result, err := store.ImportExcel(ctx, data)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d of %d rows\n", len(result.Created), result.Total)
		for _, rowErr := range result.Errors {
			fmt.Printf("  row %d: %s\n", rowErr.Row, rowErr.Error)
		}
		return nil
	}
	return fmt.Errorf("unknown schedules subcommand %q", sub)
}

func oneID(sub string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s needs exactly one argument", sub)
	}
	return args[0], nil
}

func printSchedules(schedules []models.Schedule, now time.Time) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tTIME\tDAYS\tREPEAT\tENABLED\tNEXT\tCARD")
	for i := range schedules {
		s := &schedules[i]
		next := "-"
		if at, ok := scheduler.NextExecutionTime(s, now); ok {
			next = at.Format("Mon 02 Jan 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			s.ID, s.DeviceID, s.TimeOfDay, service.FormatDays(s.DaysOfWeek), s.RepeatMode, s.Enabled, next, s.CardURI)
	}
	return w.Flush()
}

func runTelemetry(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] != "tail" {
		return errors.New("telemetry needs a subcommand: tail")
	}
	var from string
	var follow bool
	var count int64
	if _, err := subFlags("telemetry tail", args[1:], func(fs *pflag.FlagSet) {
		fs.StringVar(&from, "from", "0", "stream id to read after (0 for the beginning, $ for new only)")
		fs.BoolVarP(&follow, "follow", "f", false, "keep waiting for new entries")
		fs.Int64Var(&count, "count", 100, "entries per read")
	}); err != nil {
		return err
	}

	stream := cfg.Telemetry.Stream
	if stream == "" {
		return errors.New("TELEMETRY_STREAM is empty; telemetry mirroring is off")
	}

	client := rediscommon.NewRedisClient(&cfg.Redis)
	defer rediscommon.Close(client)
	if err := rediscommon.Ping(ctx, client); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	lastID := from
	for {
		var block time.Duration
		if follow {
			block = 5 * time.Second
		}
		msgs, err := rediscommon.ReadStream(ctx, client, stream, lastID, count, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			lastID = msg.ID
			raw, _ := msg.Values["data"].(string)
			var ev models.TelemetryEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				fmt.Printf("%s  %s\n", msg.ID, raw)
				continue
			}
			fmt.Printf("%s  %s  %-14s %v  (%s)\n", msg.ID, ev.DeviceID, ev.Kind, ev.Value, ev.SourceField)
		}
		if !follow && len(msgs) < int(count) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
