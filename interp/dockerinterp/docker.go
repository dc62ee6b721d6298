// Package dockerinterp runs the R interpreter inside a Docker container, for
// hosts without a local R install. The underlying host must have a Docker
// daemon running. This supports standard environment variables for
// configuring the Docker client (DOCKER_HOST etc.).
//
// The container's stdio is attached directly: stdin carries the bridge's
// statements and the multiplexed output stream is demuxed into the same line
// queues a local child process would feed.
package dockerinterp

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/guseggert/rbridge/interp"
	"github.com/guseggert/rbridge/protocol"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// Config describes the containerized interpreter.
type Config struct {
	Log *zap.SugaredLogger

	// Image is the container image to run. Defaults to "r-base", the official
	// R image.
	Image string

	// Executable is the R binary inside the image. Defaults to "R".
	Executable string

	// ContainerPrefix distinguishes this bridge's containers. Random when
	// empty.
	ContainerPrefix string

	// DockerClient overrides the env-configured Docker client.
	DockerClient *client.Client

	// RemoveContainer removes the container on Terminate. Default true-like
	// behavior is desired, so this is an opt-out.
	KeepContainer bool
}

// Proc is an R interpreter running in a Docker container, satisfying the
// same contract as a local child process.
type Proc struct {
	log          *zap.SugaredLogger
	dockerClient *client.Client
	containerID  string
	keep         bool

	attach types.HijackedResponse

	stdout *interp.LineQueue
	stderr *interp.LineQueue

	done     chan struct{}
	exitCode int

	terminateOnce sync.Once
	terminateErr  error
}

// Starter returns a bridge-compatible starter that launches the interpreter
// in a container.
func Starter(cfg Config) func(ctx context.Context) (interp.Interp, error) {
	return func(ctx context.Context) (interp.Interp, error) {
		return Start(ctx, cfg)
	}
}

// Start pulls the image if needed, then creates, attaches, and starts the
// interpreter container.
func Start(ctx context.Context, cfg Config) (*Proc, error) {
	if cfg.Log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("instantiating default logger: %w", err)
		}
		cfg.Log = logger.Sugar()
	}
	log := cfg.Log.Named("docker_interp")

	if cfg.Image == "" {
		cfg.Image = "r-base"
	}
	if cfg.Executable == "" {
		cfg.Executable = "R"
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = randString(6)
	}

	dockerClient := cfg.DockerClient
	if dockerClient == nil {
		var err error
		dockerClient, err = client.NewClientWithOpts(client.FromEnv)
		if err != nil {
			return nil, fmt.Errorf("building Docker client: %w", err)
		}
	}

	out, err := dockerClient.ImagePull(ctx, cfg.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("pulling image: %w", err)
	}
	if _, err := io.Copy(io.Discard, out); err != nil {
		out.Close()
		return nil, fmt.Errorf("reading Docker pull response: %w", err)
	}
	out.Close()

	containerName := fmt.Sprintf("rbridge-%s", cfg.ContainerPrefix)
	createResp, err := dockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          append([]string{cfg.Executable}, protocol.QuietArgs...),
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		nil,
		nil,
		nil,
		containerName,
	)
	if err != nil {
		return nil, fmt.Errorf("creating container %q: %w", containerName, err)
	}

	attach, err := dockerClient.ContainerAttach(ctx, createResp.ID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		dockerClient.ContainerRemove(ctx, createResp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("attaching to container %q: %w", containerName, err)
	}

	if err := dockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		dockerClient.ContainerRemove(ctx, createResp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container %q: %w", containerName, err)
	}

	p := &Proc{
		log:          log,
		dockerClient: dockerClient,
		containerID:  createResp.ID,
		keep:         cfg.KeepContainer,
		attach:       attach,
		stdout:       interp.NewLineQueue(),
		stderr:       interp.NewLineQueue(),
		done:         make(chan struct{}),
	}

	// Demux the attached stream into stdout/stderr pipes feeding the line
	// readers, exactly as a local process's pipes would.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()
	go interp.ReadLines(log.Named("stdout_reader"), stdoutR, p.stdout)
	go interp.ReadLines(log.Named("stderr_reader"), stderrR, p.stderr)

	// The wait outlives the start context; a canceled start context must not
	// look like container death.
	waitCh, errCh := dockerClient.ContainerWait(context.Background(), createResp.ID, container.WaitConditionNotRunning)
	go func() {
		select {
		case res := <-waitCh:
			p.exitCode = int(res.StatusCode)
		case err := <-errCh:
			log.Debugf("container wait error: %s", err)
			p.exitCode = -1
		}
		close(p.done)
	}()

	return p, nil
}

func (p *Proc) Write(s string) error {
	if _, err := io.WriteString(p.attach.Conn, s); err != nil {
		return fmt.Errorf("writing to container stdin: %w", err)
	}
	return nil
}

func (p *Proc) Stdout() *interp.LineQueue { return p.stdout }
func (p *Proc) Stderr() *interp.LineQueue { return p.stderr }

func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Proc) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

func (p *Proc) Done() <-chan struct{} { return p.done }

// Terminate force-removes the container. Idempotent; removing an
// already-removed container is not an error here.
func (p *Proc) Terminate() error {
	p.terminateOnce.Do(func() {
		p.attach.Close()
		if p.keep {
			return
		}
		err := p.dockerClient.ContainerRemove(context.Background(), p.containerID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil && !client.IsErrNotFound(err) {
			p.terminateErr = fmt.Errorf("removing container %q: %w", p.containerID, err)
		}
	})
	return p.terminateErr
}
