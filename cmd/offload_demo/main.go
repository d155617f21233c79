// offload_demo runs a few task graphs on the devices of a backend, and reports
// on their executions.
//
// Examples:
//
//	offload_demo --backend="simgo:gpus=2,fpgas=1,memory=256MiB" -n=200 --events
//	offload_demo reduce --size=1000000
//	offload_demo --config=demo.yaml all
//
// The optional YAML settings file has the same keys as the flags (backend,
// size, executions, policy, events, debug, progress); flags given explicitly win.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/gomlx/offload/backends"
	_ "github.com/gomlx/offload/backends/simgo"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/taskgraph"
	"github.com/gomlx/offload/taskgraph/reduce"
	"github.com/gomlx/offload/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// settings of the demos, from the flags and the optional YAML file.
type settings struct {
	Backend    string `yaml:"backend"`
	Size       int    `yaml:"size"`
	Executions int    `yaml:"executions"`
	Policy     string `yaml:"policy"`
	Events     bool   `yaml:"events"`
	Debug      bool   `yaml:"debug"`
	Progress   bool   `yaml:"progress"`
}

var (
	flags      = settings{Size: 1 << 16, Executions: 100, Policy: "performance", Progress: true}
	configPath string
)

// demo runs on the contexts of every usable device.
type demo struct {
	name, short string
	fn          func(s *settings, contexts []*device.Context) error
}

var demos = []demo{
	{"scale", "Adds 0 and multiplies by 12 an array of 10s, on every device.", demoScale},
	{"modes", "Repeats saxpy with a constant input transferred once and a locked output.", demoTransferModes},
	{"reduce", "Sums an array with partial sums folded on the device and on the host.", demoReduction},
	{"cross", "Runs two tasks on different devices, staging the data through the host.", demoCrossDevice},
	{"select", "Moves a graph to the device selected by --policy, and runs it there.", demoSelect},
}

func main() {
	goFlags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	klog.InitFlags(goFlags)

	root := &cobra.Command{
		Use:          "offload_demo",
		Short:        "Runs task graphs on the devices of an offload backend.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, demos)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.Backend, "backend", "",
		fmt.Sprintf("Backend configuration, formatted as \"<backend_name>:<configuration>\". "+
			"If empty, $%s is used, or the first registered backend.", backends.ConfigEnvVar))
	pf.StringVar(&configPath, "config", "", "Optional YAML file with the settings.")
	pf.IntVarP(&flags.Executions, "executions", "n", flags.Executions, "Number of executions of the repeated graph.")
	pf.IntVar(&flags.Size, "size", flags.Size, "Number of elements of the arrays.")
	pf.StringVar(&flags.Policy, "policy", flags.Policy,
		fmt.Sprintf("Policy used to select the device in the select demo, one of %q.", taskgraph.PolicyStrings()))
	pf.BoolVar(&flags.Events, "events", false, "Dump the events of each device after the demos.")
	pf.BoolVar(&flags.Debug, "debug", false, "Log every kernel launch.")
	pf.BoolVar(&flags.Progress, "progress", flags.Progress, "Display a progress bar for the repeated graph.")
	pf.AddGoFlagSet(goFlags)

	for _, d := range demos {
		root.AddCommand(&cobra.Command{
			Use:   d.name,
			Short: d.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, []demo{d})
			},
		})
	}
	root.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Runs all the demos (the default).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, demos)
		},
	})

	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// loadSettings returns the flags, with the values of the YAML file for the
// flags not explicitly given.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	s := flags
	if configPath != "" {
		if err := mergeSettingsFile(cmd, &s); err != nil {
			return nil, err
		}
	}
	if s.Size <= 0 || s.Executions <= 0 {
		return nil, errors.Errorf("size and executions must be positive, got %d and %d", s.Size, s.Executions)
	}
	return &s, nil
}

// mergeSettingsFile overwrites s with the values set in the YAML file, except
// for flags explicitly given.
func mergeSettingsFile(cmd *cobra.Command, s *settings) error {
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrapf(err, "reading settings")
	}
	var fromFile settings
	if err := yaml.Unmarshal(contents, &fromFile); err != nil {
		return errors.Wrapf(err, "parsing settings in %q", configPath)
	}
	var raw map[string]any
	_ = yaml.Unmarshal(contents, &raw)
	changed := cmd.Flags().Changed
	if _, found := raw["backend"]; found && !changed("backend") {
		s.Backend = fromFile.Backend
	}
	if _, found := raw["size"]; found && !changed("size") {
		s.Size = fromFile.Size
	}
	if _, found := raw["executions"]; found && !changed("executions") {
		s.Executions = fromFile.Executions
	}
	if _, found := raw["policy"]; found && !changed("policy") {
		s.Policy = fromFile.Policy
	}
	if _, found := raw["events"]; found && !changed("events") {
		s.Events = fromFile.Events
	}
	if _, found := raw["debug"]; found && !changed("debug") {
		s.Debug = fromFile.Debug
	}
	if _, found := raw["progress"]; found && !changed("progress") {
		s.Progress = fromFile.Progress
	}
	return nil
}

func run(cmd *cobra.Command, selected []demo) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	var backend backends.Backend
	if s.Backend != "" {
		backend, err = backends.NewWithConfig(s.Backend)
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		return err
	}
	defer backend.Finalize()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())

	contexts := make([]*device.Context, 0, backend.NumDevices())
	for deviceNum := range backends.DeviceNum(backend.NumDevices()) {
		ctx, err := device.NewContext(backend, deviceNum, device.Config{Debug: s.Debug})
		if err != nil {
			klog.Warningf("Skipping device #%d: %v", deviceNum, err)
			continue
		}
		contexts = append(contexts, ctx)
	}
	if len(contexts) == 0 {
		return errors.Errorf("no usable devices in backend %q", backend.Name())
	}

	var failed []string
	for _, d := range selected {
		fmt.Printf("\n=== %s\n", d.name)
		if err := d.fn(s, contexts); err != nil {
			klog.Errorf("Demo %q failed: %+v", d.name, err)
			failed = append(failed, d.name)
		}
	}
	for _, ctx := range contexts {
		if s.Events {
			fmt.Println(ctx.DumpEvents())
		}
		fmt.Println(ctx.Provider())
		if err := ctx.Close(); err != nil {
			klog.Errorf("Closing %s: %v", ctx, err)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("demos %q failed", failed)
	}
	return nil
}

func filled(n int, v float32) []float32 {
	a := make([]float32, n)
	for i := range a {
		a[i] = v
	}
	return a
}

func checkAll(name string, a []float32, want float32) error {
	for i, v := range a {
		if v != want {
			return errors.Errorf("%s[%d]=%g, wanted %g", name, i, v, want)
		}
	}
	return nil
}

// demoScale adds 0 and multiplies by 12 an array of 10s, on every device.
func demoScale(s *settings, contexts []*device.Context) error {
	add := elementwise("add", s.Size, func(a, v float32) float32 { return a + v })
	mul := elementwise("mul", s.Size, func(a, v float32) float32 { return a * v })
	for _, ctx := range contexts {
		a := filled(s.Size, 10)
		g := taskgraph.New(fmt.Sprintf("scale@%s", ctx.Info().Name)).
			TransferToDevice(taskgraph.EveryExecution, a).
			Task("add", ctx, add, a, float32(0)).
			Task("mul", ctx, mul, a, float32(12)).
			TransferToHost(a)
		if err := g.Execute(); err != nil {
			return err
		}
		if err := checkAll("a", a, 120); err != nil {
			return err
		}
		if err := commandline.ReportStats(os.Stdout, g); err != nil {
			return err
		}
	}
	return nil
}

// demoTransferModes runs saxpy repeatedly with a constant x transferred once,
// and a locked y kept on the device between executions.
func demoTransferModes(s *settings, contexts []*device.Context) error {
	ctx := contexts[0]
	x := filled(s.Size, 1)
	y := filled(s.Size, 0)
	g := taskgraph.New("saxpy").
		TransferToDevice(taskgraph.FirstExecution, x, y).
		Lock(y).
		Task("saxpy", ctx, saxpy(s.Size), x, y, float32(2)).
		TransferToHost(y)
	if err := g.Warmup(); err != nil {
		return err
	}
	n := s.Executions
	var err error
	if s.Progress {
		err = commandline.RunWithProgressBar(g, n, func() (string, string) {
			return "Device memory", ctx.Provider().String()
		})
	} else {
		for ii := 0; ii < n && err == nil; ii++ {
			err = g.Execute()
		}
	}
	if err != nil {
		return err
	}
	if err := checkAll("y", y, float32(2*n)); err != nil {
		return err
	}
	fmt.Printf("x transferred %d time(s), y transferred %d time(s) to the device\n",
		g.TransfersToDevice(x), g.TransfersToDevice(y))
	return g.UnlockAll()
}

// demoReduction sums an array on the first device, folding the partial sums
// both on the device and on the host.
func demoReduction(s *settings, contexts []*device.Context) error {
	ctx := contexts[0]
	n := s.Size
	x := make([]float32, n)
	var expected float64
	for i := range x {
		x[i] = float32(i%1000) / 8
		expected += float64(x[i])
	}
	source := partialSum(n)
	size, err := reduce.PartialSize(ctx, source, nil)
	if err != nil {
		return err
	}
	for _, placement := range []reduce.Placement{reduce.OnDevice, reduce.OnHost} {
		partials := make([]float32, size)
		if err := reduce.Fill(reduce.Add, partials); err != nil {
			return err
		}
		result := make([]float32, 1)
		g := taskgraph.New("sum").
			TransferToDevice(taskgraph.EveryExecution, x).
			Task("partial-sum", ctx, source, x, partials)
		if err := reduce.Finalize(g, ctx, reduce.Add, partials, result, placement); err != nil {
			return err
		}
		if err := g.Execute(); err != nil {
			return err
		}
		fmt.Printf("sum of %d elements with %d partials (placement=%d): %g, expected %g\n",
			n, size, placement, result[0], expected)
		if math.Abs(float64(result[0])-expected) > 1e-3*math.Abs(expected) {
			return errors.Errorf("sum %g differs from expected %g", result[0], expected)
		}
	}
	return nil
}

// demoCrossDevice adds 1 on the first device, then multiplies by 3 on the
// last one: the intermediate result is staged through the host.
func demoCrossDevice(s *settings, contexts []*device.Context) error {
	if len(contexts) < 2 {
		fmt.Println("skipped, it requires at least 2 devices")
		return nil
	}
	first, last := contexts[0], contexts[len(contexts)-1]
	add := elementwise("add", s.Size, func(a, v float32) float32 { return a + v })
	mul := elementwise("mul", s.Size, func(a, v float32) float32 { return a * v })
	a := filled(s.Size, 1)
	g := taskgraph.New("cross-device").
		TransferToDevice(taskgraph.EveryExecution, a).
		Task("add", first, add, a, float32(1)).
		Task("mul", last, mul, a, float32(3)).
		TransferToHost(a)
	if err := g.Execute(); err != nil {
		return err
	}
	if err := checkAll("a", a, 6); err != nil {
		return err
	}
	return commandline.ReportStats(os.Stdout, g)
}

// demoSelect runs a scaling graph on every device, keeps it on the fastest one
// according to the policy, and executes it there repeatedly.
func demoSelect(s *settings, contexts []*device.Context) error {
	policy, err := taskgraph.PolicyString(s.Policy)
	if err != nil {
		return errors.Wrapf(err, "invalid --policy")
	}
	x := filled(s.Size, 2)
	out := make([]float32, s.Size)
	g := taskgraph.New("select").
		TransferToDevice(taskgraph.EveryExecution, x).
		Task("scaled", contexts[0], scaled(s.Size), x, out, float32(3)).
		TransferToHost(out)
	for range s.Executions {
		selected, err := g.ExecuteWithPolicy(policy, contexts...)
		if err != nil {
			return err
		}
		if g.Stats().Executions == int64(len(contexts)) {
			fmt.Printf("%s selected %s\n", policy, selected)
		}
	}
	if err := checkAll("out", out, 6); err != nil {
		return err
	}
	return commandline.ReportStats(os.Stdout, g)
}
