// Command scanctl is the operator-facing CLI: every subcommand is a thin
// HTTP-over-unix-socket client call against scanctld.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "scanctl",
		Short: "control the benchtop ultrasound scanner",
	}

	root.AddCommand(
		jogCmd(),
		continuousCmd(),
		homeCmd(),
		initCmd(),
		rotateCmd(),
		poseCmd(),
		estopCmd(),
		scanCmd(),
		statusCmd(),
		shutdownCmd(),
		historyCmd(),
		prefsCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func clientFromConfig() *transport.Client {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return transport.NewClient(cfg.SocketPath)
}

func jogCmd() *cobra.Command {
	var step float64
	cmd := &cobra.Command{
		Use:   "jog <direction>",
		Short: "move one step in a direction (Xplus, Xminus, Yplus, Yminus, Zplus, Zminus)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.Jog(args[0], step); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().Float64Var(&step, "step", 1, "step size in mm")
	return cmd
}

func rotateCmd() *cobra.Command {
	var step float64
	cmd := &cobra.Command{
		Use:   "rotate <clockwise|counterclockwise>",
		Short: "rotate the E axis one debounced step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "rotateClockwise"
			switch args[0] {
			case "clockwise", "cw":
				direction = "rotateClockwise"
			case "counterclockwise", "ccw":
				direction = "rotateCounterclockwise"
			default:
				return fmt.Errorf("unknown rotation %q, want clockwise or counterclockwise", args[0])
			}
			c := clientFromConfig()
			if err := c.Jog(direction, step); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().Float64Var(&step, "step", 0, "rotation step in E units (0 = configured default)")
	return cmd
}

func poseCmd() *cobra.Command {
	pose := &cobra.Command{
		Use:   "pose",
		Short: "move to the specimen-loading or pre-scan position",
	}

	lower := &cobra.Command{
		Use:   "lower",
		Short: "lower the plate so a specimen can be placed in the bath",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.LowerPlate(); err != nil {
				return err
			}
			fmt.Println("plate lowered")
			return nil
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "position the gantry at the pre-scan pose",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.PositionForScan(); err != nil {
				return err
			}
			fmt.Println("positioned for scan")
			return nil
		},
	}

	pose.AddCommand(lower, scan)
	return pose
}

func estopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estop",
		Short: "issue an immediate emergency stop (M112)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.EmergencyStop(); err != nil {
				return err
			}
			fmt.Println("emergency stop issued")
			return nil
		},
	}
}

func continuousCmd() *cobra.Command {
	cont := &cobra.Command{
		Use:   "continuous",
		Short: "start or stop a held-direction continuous move",
	}

	var feed float64
	var tickMS int
	start := &cobra.Command{
		Use:   "start <direction>",
		Short: "start a continuous move, e.g. for a hold-to-jog UI action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.ContinuousStart(args[0], feed, tickMS); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	start.Flags().Float64Var(&feed, "feed", 600, "feed rate in mm/min")
	start.Flags().IntVar(&tickMS, "tick-ms", 50, "worker tick interval in milliseconds")

	stop := &cobra.Command{
		Use:   "stop [direction]",
		Short: "stop one continuous-move worker, or all of them if direction is omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := ""
			if len(args) > 0 {
				direction = args[0]
			}
			c := clientFromConfig()
			if err := c.ContinuousStop(direction); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	cont.AddCommand(start, stop)
	return cont
}

func homeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "home all axes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.Home(); err != nil {
				return err
			}
			fmt.Println("homed")
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "run the startup sequence: home, safe lift, center over the plate",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.InitPose(); err != nil {
				return err
			}
			fmt.Println("centered")
			return nil
		},
	}
}

// defaultScanMode resolves the operator's preferred scan mode for commands
// invoked without --mode. Any load failure just leaves the daemon to infer.
func defaultScanMode() string {
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	prefs, err := config.LoadOperatorPrefs(cfg.StateDir)
	if err != nil {
		return ""
	}
	return prefs.DefaultScanMode
}

func scanFlags(cmd *cobra.Command) (getX0 func() *float64, getX1 func() *float64, getMode func() string) {
	x0 := cmd.Flags().Float64("x0", 0, "sweep start, mm (omit to use the mode default)")
	x1 := cmd.Flags().Float64("x1", 0, "sweep end, mm (omit to use the mode default)")
	mode := cmd.Flags().String("mode", "", "scan mode: long, short, or custom")
	return func() *float64 {
			if cmd.Flags().Changed("x0") {
				return x0
			}
			return nil
		}, func() *float64 {
			if cmd.Flags().Changed("x1") {
				return x1
			}
			return nil
		}, func() string {
			return *mode
		}
}

func scanCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "scan",
		Short: "plan and run sweeps",
	}

	// The operator's preferred mode only fills in when neither a mode nor an
	// explicit range was given; an explicit range stays "custom".
	resolveMode := func(x0, x1 *float64, mode string) string {
		if mode == "" && x0 == nil && x1 == nil {
			return defaultScanMode()
		}
		return mode
	}

	plan := &cobra.Command{Use: "plan", Short: "resolve and persist a scan plan without moving"}
	getX0, getX1, getMode := scanFlags(plan)
	plan.RunE = func(cmd *cobra.Command, args []string) error {
		c := clientFromConfig()
		x0, x1 := getX0(), getX1()
		p, err := c.ScanPlan(x0, x1, resolveMode(x0, x1, getMode()))
		if err != nil {
			return err
		}
		fmt.Printf("mode=%s x0=%.3f x1=%.3f\n", p.Mode, p.X0, p.X1)
		return nil
	}

	run := &cobra.Command{Use: "run", Short: "plan and execute a single sweep"}
	runX0, runX1, runMode := scanFlags(run)
	run.RunE = func(cmd *cobra.Command, args []string) error {
		c := clientFromConfig()
		x0, x1 := runX0(), runX1()
		result, err := c.ScanRun(x0, x1, resolveMode(x0, x1, runMode()))
		if err != nil {
			return err
		}
		fmt.Printf("folder=%s\n", result.Folder)
		return nil
	}

	multi := &cobra.Command{Use: "multi", Short: "plan and execute a two-sweep multi-pass scan"}
	multiX0, multiX1, multiMode := scanFlags(multi)
	multi.RunE = func(cmd *cobra.Command, args []string) error {
		c := clientFromConfig()
		x0, x1 := multiX0(), multiX1()
		result, err := c.ScanMulti(x0, x1, resolveMode(x0, x1, multiMode()))
		if err != nil {
			return err
		}
		fmt.Printf("first_folder=%s second_folder=%s\n", result.FirstFolder, result.SecondFolder)
		return nil
	}

	sc.AddCommand(plan, run, multi)
	return sc
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report the daemon's reported gantry position",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			s, err := c.Status()
			if err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}
			if len(s.Position) == 0 {
				fmt.Println("no position reported")
				return nil
			}
			for _, line := range s.Position {
				fmt.Println(line)
			}
			return nil
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "stop every in-flight operation and terminate the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			if err := c.Shutdown(); err != nil {
				return err
			}
			fmt.Println("shutting down")
			return nil
		},
	}
}

func prefsCmd() *cobra.Command {
	prefs := &cobra.Command{
		Use:   "prefs",
		Short: "show or edit operator preferences",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "print the current operator preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, err := config.LoadOperatorPrefs(cfg.StateDir)
			if err != nil {
				return err
			}
			fmt.Printf("default_scan_mode=%s\n", p.DefaultScanMode)
			fmt.Printf("theme=%s\n", p.Theme)
			return nil
		},
	}

	setMode := &cobra.Command{
		Use:   "set-mode <long|short|custom>",
		Short: "set the default scan mode used when --mode is omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "long", "short", "custom":
			default:
				return fmt.Errorf("unknown scan mode %q, want long, short, or custom", args[0])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, err := config.LoadOperatorPrefs(cfg.StateDir)
			if err != nil {
				return err
			}
			p.DefaultScanMode = args[0]
			if err := p.Save(cfg.StateDir); err != nil {
				return err
			}
			fmt.Printf("default_scan_mode=%s\n", p.DefaultScanMode)
			return nil
		},
	}

	prefs.AddCommand(show, setMode)
	return prefs
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list recent sweeps from the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromConfig()
			entries, err := c.History(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no scans recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCAN ID\tMODE\tX0\tX1\tOUTCOME\tSTARTED\tFOLDER")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%.3f\t%.3f\t%s\t%s\t%s\n",
					e.ScanID, e.Mode, e.X0, e.X1, e.Outcome, e.StartedAt, e.Folder)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	return cmd
}
