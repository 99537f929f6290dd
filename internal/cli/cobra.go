package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"salharness/internal/catalog"
	"salharness/internal/config"
	"salharness/internal/executor"
	"salharness/internal/experiment"
	"salharness/internal/grpcserver"
	"salharness/internal/imgproc"
	"salharness/internal/imgproc/compat"
	"salharness/internal/params"
	"salharness/internal/pipeline"
	"salharness/internal/provision"
	"salharness/internal/raster"
	"salharness/internal/server"
	"salharness/internal/storage"
	"salharness/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "salharness",
		Short: "Run saliency models over image directories",
		Long: `salharness runs containerized, native and remote saliency models over
directories of images with a uniform pre- and post-processing pipeline.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newExperimentCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newSetupCmd(root))
	rootCmd.AddCommand(newShellCmd(root))
	rootCmd.AddCommand(newVerifyCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newServeModelsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var overrides []string

	cmd := &cobra.Command{
		Use:   "run <models> <input_dir> <output_dir>",
		Short: "Run models over a directory of images",
		Long: `Run one or more models over every image of input_dir. Each model writes to
output_dir/<model>. Models are named individually or by collection
(all, containerized, native, remote, invariant), separated by commas.

Examples:
  salharness run AIM,SAM ./images ./maps
  salharness run native ./images ./maps --set do_smoothing=none --set overwrite=true`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			c, err := root.catalog()
			if err != nil {
				return err
			}
			input, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			output, err := filepath.Abs(args[2])
			if err != nil {
				return err
			}
			exp, err := experiment.FromSelector(c, args[0], input, output, p)
			if err != nil {
				return err
			}
			return root.runExperiment(cmd.Context(), exp, cmd.OutOrStdout(), nil)
		},
	}

	cmd.Flags().StringArrayVar(&overrides, "set", nil, "Override a parameter (key=value, repeatable)")
	return cmd
}

func newExperimentCmd(root *Root) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "experiment <file.yaml>",
		Short: "Run an experiment file",
		Long: `Run every model selected by an experiment file, one after another.
With --status-addr the run history and a live progress stream are served
over HTTP while the experiment runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.catalog()
			if err != nil {
				return err
			}
			exp, err := experiment.LoadFile(args[0], c)
			if err != nil {
				return err
			}
			if statusAddr == "" {
				return root.runExperiment(cmd.Context(), exp, cmd.OutOrStdout(), nil)
			}

			srv := server.NewServer(statusAddr, root.store, nil, root.log)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(ctx) })
			g.Go(func() error {
				defer cancel()
				return root.runExperiment(ctx, exp, cmd.OutOrStdout(), srv.PublishImage)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve run status on this address while running")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "watch <file.yaml>",
		Short: "Re-run an experiment whenever its inputs change",
		Long: `Run an experiment, then watch its input directory and the experiment file
and queue another run once changes settle. Outputs that already exist are
skipped unless the experiment sets overwrite, so only new images are
processed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := root.catalog()
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			exp, err := experiment.LoadFile(path, c)
			if err != nil {
				return err
			}

			e := root.newEngine()
			defer e.Close()
			o, err := root.orchestrator(e, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			load := func(p string) (*experiment.Experiment, error) {
				c, err := root.catalog()
				if err != nil {
					return nil, err
				}
				return experiment.LoadFile(p, c)
			}
			pipe := pipeline.New(ctx, root.log, root.store, pipeline.NewRouter(root.log, load, o))
			defer pipe.Stop()

			results, unsubscribe := pipe.Subscribe()
			defer unsubscribe()

			ignore := make([]string, 0, len(exp.Runs)+1)
			ignore = append(ignore, exp.OutputPath)
			for _, run := range exp.Runs {
				ignore = append(ignore, run.OutputPath)
			}
			submit := func(events []watch.Event) {
				if _, err := pipe.Submit(pipeline.Job{Type: pipeline.JobExperiment, InputPath: path}); err != nil {
					root.log.Warn("cannot queue experiment", "error", err)
				}
			}
			w, err := watch.New(watch.Options{
				Dirs:   []string{exp.InputPath},
				Files:  []string{path},
				Ignore: ignore,
				Delay:  delay,
				Logger: root.log,
			}, submit)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			submit(nil)
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s and %s (Ctrl-C to stop)\n", exp.InputPath, path)
			for {
				select {
				case <-ctx.Done():
					return nil
				case res, ok := <-results:
					if !ok {
						return nil
					}
					if res.Error != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "experiment finished with errors: %v\n", res.Error)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "experiment finished: %v images written\n", res.Meta["written"])
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", watch.DefaultDelay, "Wait this long for changes to settle")
	return cmd
}

func newListCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available models and collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.catalog()
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetTitle("Models")
			t.AppendHeader(table.Row{"Name", "Type", "Version", "Invariant", "Files", "Description"})
			for _, m := range c.Models() {
				files := "ok"
				if missing := len(provision.Missing(m)); missing > 0 {
					files = fmt.Sprintf("%d missing", missing)
				}
				t.AppendRow(table.Row{m.Name, m.Type, m.Version, m.Invariant, files, m.LongName})
			}
			t.Render()

			ct := table.NewWriter()
			ct.SetOutputMirror(cmd.OutOrStdout())
			ct.SetTitle("Collections")
			ct.AppendHeader(table.Row{"Name", "Description"})
			for _, name := range catalog.CollectionNames() {
				ct.AppendRow(table.Row{name, catalog.Collections[name]})
			}
			ct.Render()
			return nil
		},
	}
}

func newInfoCmd(root *Root) *cobra.Command {
	var explain bool

	cmd := &cobra.Command{
		Use:   "info <model>",
		Short: "Show a model's descriptor and parameters",
		Long: `Show a model's descriptor and declared parameters. With --explain, list
every effective parameter and the layer (config or model) it comes from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := root.model(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", m.Name, m.LongName)
			fmt.Fprintf(out, "  Type:      %s\n", m.Type)
			fmt.Fprintf(out, "  Version:   %s\n", m.Version)
			fmt.Fprintf(out, "  Invariant: %t\n", m.Invariant)
			switch m.Type {
			case catalog.TypeContainer:
				fmt.Fprintf(out, "  Image:     %s:%s\n", m.Image, m.Version)
				fmt.Fprintf(out, "  Command:   %s\n", strings.Join(m.RunCommand, " "))
			case catalog.TypeRemote:
				fmt.Fprintf(out, "  Endpoint:  %s\n", m.Endpoint)
			default:
				fmt.Fprintf(out, "  Algorithm: %s\n", m.Algorithm)
			}
			if m.Path != "" {
				fmt.Fprintf(out, "  Path:      %s\n", m.Path)
			}
			if m.Citation != "" {
				fmt.Fprintf(out, "  Citation:  %s\n", strings.ReplaceAll(m.Citation, "\n", "\n             "))
			}
			if m.Notes != "" {
				fmt.Fprintf(out, "  Notes:     %s\n", m.Notes)
			}

			layers := params.Layers{{Name: params.LayerModel, Params: m.Parameters}}
			if explain {
				cfgParams, err := root.cfg.Params()
				if err != nil {
					return err
				}
				layers = append(params.Layers{{Name: params.LayerConfig, Params: cfgParams}}, layers...)
			}
			effective := layers.Resolve()

			t := table.NewWriter()
			t.SetOutputMirror(out)
			header := table.Row{"Parameter", "Value", "Description"}
			if explain {
				header = append(header, "Source")
			}
			t.AppendHeader(header)
			for _, p := range effective.Parameters() {
				row := table.Row{p.Name, fmt.Sprint(p.Value), p.Description}
				if explain {
					row = append(row, layers.Origin(p.Name))
				}
				t.AppendRow(row)
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&explain, "explain", false, "Show effective values and where they come from")
	return cmd
}

func newSetupCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "setup <models>",
		Short: "Download model files and pull container images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.catalog()
			if err != nil {
				return err
			}
			models, err := c.Match(args[0])
			if err != nil {
				return err
			}
			e := root.newEngine()
			defer e.Close()
			factory := root.factory(e)

			var failed []string
			for _, m := range models {
				if err := root.setupModel(cmd.Context(), factory, m); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", m.Name, err)
					failed = append(failed, m.Name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ready\n", m.Name)
			}
			if len(failed) > 0 {
				return fmt.Errorf("setup failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

func (r *Root) setupModel(ctx context.Context, factory experiment.Factory, m *catalog.Model) error {
	if err := r.provisioner.Ensure(ctx, m); err != nil {
		return err
	}
	if m.Type != catalog.TypeContainer {
		return nil
	}
	s, err := factory.New(m)
	if err != nil {
		return err
	}
	defer executor.Close(s)
	if c, ok := s.(*executor.Container); ok {
		return c.Pull(ctx)
	}
	return nil
}

func newShellCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <model>",
		Short: "Open an interactive shell in a model's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := root.model(args[0])
			if err != nil {
				return err
			}
			if m.Type != catalog.TypeContainer {
				return fmt.Errorf("model %s is %s, not a container model", m.Name, m.Type)
			}
			e := root.newEngine()
			defer e.Close()
			s, err := root.factory(e).New(m)
			if err != nil {
				return err
			}
			defer executor.Close(s)
			c, ok := s.(*executor.Container)
			if !ok {
				return fmt.Errorf("model %s has no container executor", m.Name)
			}
			return c.Shell(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func newVerifyCmd(root *Root) *cobra.Command {
	var overrides []string

	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Check both pipeline implementations agree on an image",
		Long: `Run an image through the primary and the independent compatibility
pipeline once per option value and report the correlation of the outputs.
Every option must reach a correlation above 0.99 with identical shape.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := raster.Load(args[0])
			if err != nil {
				return err
			}
			cfgParams, err := root.cfg.Params()
			if err != nil {
				return err
			}
			p, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			base, err := imgproc.ParseSettings(params.Resolve(cfgParams, p))
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Parameter", "Value", "Same shape", "Correlation", "Result"})
			failed := 0
			for _, c := range compat.Verify(img, base) {
				result := "ok"
				if c.Err != nil {
					result = c.Err.Error()
				} else if !c.OK() {
					result = "MISMATCH"
				}
				if result != "ok" {
					failed++
				}
				t.AppendRow(table.Row{c.Param, c.Value, c.SameShape, fmt.Sprintf("%.5f", c.Correlation), result})
			}
			t.Render()
			if failed > 0 {
				return fmt.Errorf("%d pipeline options disagree", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&overrides, "set", nil, "Override a base parameter (key=value, repeatable)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history and accept experiment jobs over HTTP",
		Long: `Start an HTTP server exposing the run ledger and a live progress stream.
Experiments submitted with POST /jobs run one at a time.

Examples:
  salharness serve --addr :8080
  curl -X POST localhost:8080/jobs -d '{"type": "experiment", "input": "/data/exp.yaml"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if root.store == nil {
				return errors.New("serve needs the run database; check paths.database_path")
			}

			e := root.newEngine()
			defer e.Close()
			o, err := root.orchestrator(e, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			load := func(p string) (*experiment.Experiment, error) {
				c, err := root.catalog()
				if err != nil {
					return nil, err
				}
				return experiment.LoadFile(p, c)
			}
			pipe := pipeline.New(ctx, root.log, root.store, pipeline.NewRouter(root.log, load, o))
			defer pipe.Stop()

			srv := server.NewServer(addr, root.store, pipe, root.log)
			o.OnImage = srv.PublishImage
			root.log.Info("starting server", "addr", addr)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.StatusAddr, "Listen address")
	return cmd
}

func newServeModelsCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-models",
		Short: "Serve native models over gRPC",
		Long: `Expose the engine's native algorithms, including ONNX models from the
catalog, to remote harnesses over gRPC.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := root.newEngine()
			defer e.Close()
			if err := e.Start(); err != nil {
				return err
			}
			c, err := root.catalog()
			if err != nil {
				return err
			}
			for _, m := range c.Models() {
				if m.Type != catalog.TypeNative || m.ONNX == nil {
					continue
				}
				name := m.Algorithm
				if name == "" {
					name = m.Name
				}
				if err := e.LoadONNX(name, *m.ONNX); err != nil {
					root.log.Warn("skipping onnx model", "model", m.Name, "error", err)
				}
			}
			return grpcserver.NewSaliencyServer(e, root.log).Start(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.ModelAddr, "Listen address")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printVersion(cmd.OutOrStdout())
		},
	}
}
