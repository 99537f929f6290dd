package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"salharness/internal/fsutil"
	"salharness/internal/params"
	"salharness/internal/raster"
)

// ParameterEnv carries the resolved parameter map into containers as JSON.
const ParameterEnv = "SALIENCY_PARAMETER_MAP"

// Mount points inside the container.
const (
	containerModelDir = "/opt/model"
	containerIODir    = "/opt/io"
)

// CommandRunner executes name with args and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ContainerOptions configures a Container.
type ContainerOptions struct {
	Runtime    string
	Sudo       bool
	GPU        bool
	ShmSize    string
	Image      string // name:version
	ModelDir   string
	RunCommand []string
	ShellCmd   []string
	ScratchDir string
	Logger     *slog.Logger
	Run        CommandRunner
}

// Container runs one model invocation per image in a throwaway container.
// The input image and the output map are exchanged through a scratch
// directory mounted at /opt/io.
type Container struct {
	opts    ContainerOptions
	scratch *fsutil.Scratch
}

// NewContainer prepares scratch space for a container model.
func NewContainer(opts ContainerOptions) (*Container, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Run == nil {
		opts.Run = execRunner
	}
	scratch, err := fsutil.NewScratch(opts.ScratchDir, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Container{opts: opts, scratch: scratch}, nil
}

// Args returns the full command line for one invocation.
func (c *Container) Args(p *params.Map) ([]string, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	args := []string{c.opts.Runtime, "run", "--rm"}
	if c.opts.GPU && c.opts.Runtime == "docker" {
		args = append(args, "--gpus", "all")
	}
	if c.opts.ShmSize != "" {
		args = append(args, "--shm-size="+c.opts.ShmSize)
	}
	args = append(args,
		"--volume", c.opts.ModelDir+":"+containerModelDir,
		"--volume", c.scratch.Dir+":"+containerIODir,
		"-e", ParameterEnv+"="+string(plain),
		c.opts.Image,
	)
	args = append(args, c.opts.RunCommand...)
	args = append(args, containerIODir+"/input.png", containerIODir+"/output.png")
	if c.opts.Sudo {
		args = append([]string{"sudo"}, args...)
	}
	return args, nil
}

func (c *Container) ComputeSaliency(ctx context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	if p == nil {
		p = params.New()
	}
	input := filepath.Join(c.scratch.Dir, "input.png")
	outputs := []string{
		filepath.Join(c.scratch.Dir, "output.png"),
		filepath.Join(c.scratch.Dir, "output"+raster.PFMExt),
	}
	for _, o := range outputs {
		os.Remove(o)
	}

	var buf bytes.Buffer
	if err := raster.EncodePNG(&buf, img.ToNRGBA()); err != nil {
		return nil, err
	}
	if err := os.WriteFile(input, buf.Bytes(), 0o666); err != nil {
		return nil, err
	}

	args, err := c.Args(p)
	if err != nil {
		return nil, err
	}
	c.opts.Logger.Debug("running container", "command", strings.Join(args, " "))
	out, err := c.opts.Run(ctx, args[0], args[1:]...)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", c.opts.Runtime, err, tail(out))
	}

	result := fsutil.FirstExisting(outputs...)
	if result == "" {
		return nil, fmt.Errorf("model wrote no output: %s", tail(out))
	}
	return raster.LoadMap(result)
}

// Shell starts an interactive shell in the model image with the model
// directory as working directory.
func (c *Container) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	shell := c.opts.ShellCmd
	if len(shell) == 0 {
		shell = []string{"/bin/bash"}
	}
	args := []string{c.opts.Runtime, "run", "-it", "--rm",
		"--volume", c.opts.ModelDir + ":" + containerModelDir,
		"-w", containerModelDir,
		c.opts.Image,
	}
	args = append(args, shell...)
	if c.opts.Sudo {
		args = append([]string{"sudo"}, args...)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	return cmd.Run()
}

// Pull fetches the model image.
func (c *Container) Pull(ctx context.Context) error {
	args := []string{c.opts.Runtime, "pull", c.opts.Image}
	if c.opts.Sudo {
		args = append([]string{"sudo"}, args...)
	}
	out, err := c.opts.Run(ctx, args[0], args[1:]...)
	if err != nil {
		return fmt.Errorf("pull %s: %w: %s", c.opts.Image, err, tail(out))
	}
	return nil
}

// Close removes the scratch directory.
func (c *Container) Close() error {
	return c.scratch.Cleanup()
}

// tail keeps the last lines of process output for error messages.
func tail(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "; ")
}
