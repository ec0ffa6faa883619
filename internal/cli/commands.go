// Package cli builds the switchd command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app/cdr"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/client"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/db"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/engine"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/originator"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/pool"

	_ "github.com/hamzaKhattat/freeswitch-control-plane/internal/router" // register apps
)

// ErrNoEngines signals that no engine in the host list accepted a
// connection; the process exits with code 2.
var ErrNoEngines = errors.New("failed to connect to every engine")

// InitCLI assembles the root command.
func InitCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchd",
		Short: "FreeSWITCH cluster control plane",
		Long: `FreeSWITCH cluster control plane

Drives a cluster of FreeSWITCH engines over ESL: synchronous control,
call state tracking, app routing and calibrated load generation.`,
		SilenceUsage: true,
	}

	// dial: load generation
	dialCmd := &cobra.Command{
		Use:   "dial [hosts...]",
		Short: "Originate calibrated load against the cluster",
		Long: `Originate calls at a target rate and concurrency across the listed
engines (host or host:port). With no hosts the engine registry is used.`,
		RunE: runDial,
	}
	dialCmd.Flags().String("dest", "", "destination url <user>@<host>:<port> (required)")
	dialCmd.Flags().String("profile", "external", "sofia profile for outbound legs")
	dialCmd.Flags().String("proxy", "", "first-hop proxy (fs_path)")
	dialCmd.Flags().Float64("rate", 30, "offered calls per second")
	dialCmd.Flags().Int("limit", 1, "max concurrent calls (erlangs)")
	dialCmd.Flags().Int("max-offered", 1<<31-1, "stop after this many offered calls")
	dialCmd.Flags().Float64("duration", 0, "per-call hold seconds (0 = limit/rate)")
	dialCmd.Flags().String("app", "bridger", "call app to load on every client")
	dialCmd.Flags().String("cdr-dsn", "", "MySQL DSN for the CDR store")
	dialCmd.MarkFlagRequired("dest")

	// serve: router service
	serveCmd := &cobra.Command{
		Use:   "serve [hosts...]",
		Short: "Run a call routing service",
		RunE:  runServe,
	}
	serveCmd.Flags().String("app", "router", "routing app to load on every client")

	// list-apps
	listAppsCmd := &cobra.Command{
		Use:   "list-apps",
		Short: "Enumerate discovered apps",
		Run:   listApps,
	}

	// engine registry
	engineCmd := &cobra.Command{
		Use:   "engine",
		Short: "Manage the engine registry",
	}
	engineAddCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update an engine",
		Args:  cobra.ExactArgs(1),
		RunE:  addEngine,
	}
	engineAddCmd.Flags().StringP("host", "H", "", "engine host/IP (required)")
	engineAddCmd.Flags().IntP("port", "p", 8021, "ESL port")
	engineAddCmd.Flags().StringP("password", "P", "ClueCon", "ESL password")
	engineAddCmd.Flags().String("profile", "external", "sofia profile")
	engineAddCmd.Flags().IntP("max-sessions", "m", 0, "session cap (0=unlimited)")
	engineAddCmd.MarkFlagRequired("host")

	engineListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered engines",
		RunE:  listEngines,
	}
	engineDeleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an engine",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteEngine,
	}
	engineCmd.AddCommand(engineAddCmd, engineListCmd, engineDeleteCmd)

	// stats from the CDR store
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-call metrics from the CDR store",
		RunE:  showStats,
	}
	statsCmd.Flags().IntP("limit", "l", 20, "number of calls to show")

	rootCmd.AddCommand(dialCmd, serveCmd, listAppsCmd, engineCmd, statsCmd)
	return rootCmd
}

func dsnFromConfig() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.name"))
}

func openRegistry() (*engine.Registry, error) {
	if err := db.Initialize(dsnFromConfig()); err != nil {
		return nil, err
	}
	reg := engine.NewRegistry()
	if err := reg.Load(); err != nil {
		return nil, err
	}
	return reg, nil
}

// resolveHosts maps CLI args (or the registry when empty) to engine
// addresses.
func resolveHosts(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	reg, err := openRegistry()
	if err != nil {
		return nil, err
	}
	addrs := reg.Addrs()
	if len(addrs) == 0 {
		return nil, models.Configf("no hosts given and the engine registry is empty")
	}
	return addrs, nil
}

// connectPool dials every engine, keeping the members that accept. The
// returned pool is nil (with ErrNoEngines) when none did.
func connectPool(ctx context.Context, addrs []string) (*pool.Pool, error) {
	password := viper.GetString("esl.password")
	var members []*pool.Member
	for _, addr := range addrs {
		m := pool.FromAddrs([]string{addr}, password).Members()[0]
		if err := m.Listener.Connect(ctx); err != nil {
			color.Red("engine %s: %v", addr, err)
			continue
		}
		if err := m.Client.Connect(ctx); err != nil {
			color.Red("engine %s: %v", addr, err)
			m.Listener.Stop()
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		return nil, ErrNoEngines
	}
	return pool.New(members), nil
}

func runDial(cmd *cobra.Command, args []string) error {
	dest, _ := cmd.Flags().GetString("dest")
	profile, _ := cmd.Flags().GetString("profile")
	proxy, _ := cmd.Flags().GetString("proxy")
	rate, _ := cmd.Flags().GetFloat64("rate")
	limit, _ := cmd.Flags().GetInt("limit")
	maxOffered, _ := cmd.Flags().GetInt("max-offered")
	durationSecs, _ := cmd.Flags().GetFloat64("duration")
	appName, _ := cmd.Flags().GetString("app")
	cdrDSN, _ := cmd.Flags().GetString("cdr-dsn")

	if _, err := app.New(appName); err != nil {
		return err
	}
	addrs, err := resolveHosts(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := connectPool(ctx, addrs)
	if err != nil {
		return err
	}
	defer p.StopAll()

	req := &client.OriginateRequest{
		DestURL: dest,
		Profile: profile,
		Proxy:   proxy,
	}
	for _, m := range p.Members() {
		m.Client.SetOriginate(req)
	}

	appID := uuid.NewString()
	if err := p.LoadAppAll(func() app.Application {
		a, err := app.New(appName)
		if err != nil {
			panic(err)
		}
		return a
	}, appID); err != nil {
		return err
	}

	if cdrDSN != "" {
		if err := db.Initialize(cdrDSN); err != nil {
			return err
		}
		store := cdr.NewSQLStore()
		if err := p.LoadAppAll(func() app.Application {
			return cdr.New(p, store)
		}, appID); err != nil {
			return err
		}
	}

	orig := originator.New(p, appID, originator.Config{
		Rate:       rate,
		Limit:      limit,
		MaxOffered: maxOffered,
		Duration:   time.Duration(durationSecs * float64(time.Second)),
		Autohangup: true,
	})
	if err := p.LoadAppAll(func() app.Application { return orig }, appID); err != nil {
		return err
	}
	if err := p.StartAll(); err != nil {
		return err
	}
	if err := orig.Start(); err != nil {
		return err
	}

	color.Green("Originating to %s across %d engine(s): rate=%.0f cps limit=%d duration=%s",
		dest, p.Size(), rate, limit, orig.Duration())
	color.Yellow("Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	status := time.NewTicker(5 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-status.C:
			fmt.Printf("[%s] offered=%d active=%d erlangs=%d failed=%d\n",
				orig.State(), orig.TotalOffered(), p.CountSessions(),
				p.CountCalls(), p.CountFailed())
			if orig.State() == originator.StateStopped &&
				p.CountSessions() == 0 && p.CountJobs() == 0 {
				printDialSummary(orig, p)
				return nil
			}
		case <-sigChan:
			fmt.Println()
			color.Yellow("Shutting down...")
			orig.Shutdown(ctx)
			printDialSummary(orig, p)
			return nil
		}
	}
}

func printDialSummary(orig *originator.Originator, p *pool.Pool) {
	failed := 0
	for _, n := range orig.FailedCalls() {
		failed += n
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Offered", "Originated", "Failed", "Active"})
	table.Append([]string{
		strconv.Itoa(orig.TotalOffered()),
		strconv.FormatInt(p.TotalOriginated(), 10),
		strconv.Itoa(failed),
		strconv.Itoa(p.CountSessions()),
	})
	table.Render()

	causes := p.HangupCauses()
	if len(causes) > 0 {
		fmt.Println("\nHangup causes:")
		causeTable := tablewriter.NewWriter(os.Stdout)
		causeTable.SetHeader([]string{"Cause", "Count"})
		for cause, n := range causes {
			causeTable.Append([]string{cause, strconv.FormatInt(n, 10)})
		}
		causeTable.Render()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	appName, _ := cmd.Flags().GetString("app")
	if _, err := app.New(appName); err != nil {
		return err
	}

	addrs, err := resolveHosts(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := connectPool(ctx, addrs)
	if err != nil {
		return err
	}
	defer p.StopAll()

	appID := uuid.NewString()
	if err := p.LoadAppAll(func() app.Application {
		a, err := app.New(appName)
		if err != nil {
			panic(err)
		}
		return a
	}, appID); err != nil {
		return err
	}
	if err := p.StartAll(); err != nil {
		return err
	}

	color.Green("Serving app %q on %d engine(s). Press Ctrl+C to stop.", appName, p.Size())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println()
	return nil
}

func listApps(cmd *cobra.Command, args []string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"App"})
	for _, name := range app.Names() {
		table.Append([]string{name})
	}
	table.Render()
}

func addEngine(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	password, _ := cmd.Flags().GetString("password")
	profile, _ := cmd.Flags().GetString("profile")
	maxSessions, _ := cmd.Flags().GetInt("max-sessions")

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	e := &engine.Engine{
		Name:        args[0],
		Host:        host,
		Port:        port,
		Password:    password,
		Profile:     profile,
		MaxSessions: maxSessions,
		Active:      true,
	}
	if err := reg.Add(e); err != nil {
		return err
	}
	color.Green("Engine %s added (%s)", e.Name, e.Addr())
	return nil
}

func listEngines(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Address", "Profile", "Max Sessions", "Active"})
	for _, e := range reg.List() {
		table.Append([]string{
			e.Name, e.Addr(), e.Profile,
			strconv.Itoa(e.MaxSessions), strconv.FormatBool(e.Active),
		})
	}
	table.Render()
	return nil
}

func deleteEngine(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if err := reg.Delete(args[0]); err != nil {
		return err
	}
	color.Green("Engine %s deleted", args[0])
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if err := db.Initialize(dsnFromConfig()); err != nil {
		return err
	}
	rows, err := cdr.Metrics(db.DB, limit)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Call", "Cause", "Invite ms", "Answer ms", "Setup ms", "Duration s", "Erlangs"})
	for _, m := range rows {
		table.Append([]string{
			m.CallUUID,
			m.HangupCause,
			fmt.Sprintf("%.1f", m.InviteLatency*1000),
			fmt.Sprintf("%.1f", m.AnswerLatency*1000),
			fmt.Sprintf("%.1f", m.CallSetupLatency*1000),
			fmt.Sprintf("%.1f", m.CallDuration),
			strconv.Itoa(m.Erlangs),
		})
	}
	table.Render()
	return nil
}
