package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/usersearch/internal/domain"
)

// reportDir is where the search tool writes its JSON report inside the container.
const reportDir = "/tmp/reports"

type Config struct {
	Image         string        `yaml:"image"`
	TopSites      int           `yaml:"top_sites"`
	SiteTimeout   time.Duration `yaml:"site_timeout"`
	MemoryLimitMB int64         `yaml:"memory_limit_mb"`
	// Pull fetches the image before the first lookup.
	Pull bool `yaml:"pull"`
}

func DefaultConfig() Config {
	return Config{
		Image:         "soxoj/maigret:latest",
		TopSites:      1500,
		SiteTimeout:   30 * time.Second,
		MemoryLimitMB: 512,
		Pull:          true,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Image) == "" {
		return errors.New("lookup.image is required")
	}
	if c.TopSites < 1 {
		return errors.New("lookup.top_sites must be >= 1")
	}
	if c.SiteTimeout < time.Second {
		return errors.New("lookup.site_timeout must be at least 1s")
	}
	return nil
}

// containerAPI is the slice of the Docker SDK the lookup uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Client runs the username search tool in an ephemeral container.
type Client struct {
	cli    containerAPI
	cfg    Config
	logger *slog.Logger

	pullMu sync.Mutex
	pulled bool
}

// Check if Client implements domain.Lookup
var _ domain.Lookup = (*Client)(nil)

// NewClient connects to the Docker daemon from the environment and pings it.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return newClient(cli, cfg, logger), nil
}

func newClient(cli containerAPI, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cli: cli, cfg: cfg, logger: logger}
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Lookup searches for the username across the configured top sites and
// parses the tool's JSON report. The container is removed afterwards.
func (c *Client) Lookup(ctx context.Context, username string) (domain.Report, error) {
	if err := c.ensureImage(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("Creating container", "image", c.cfg.Image)
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image: c.cfg.Image,
		Cmd:   c.command(username),
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: c.cfg.MemoryLimitMB * 1024 * 1024,
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", domain.ErrLookup, err)
	}
	containerID := resp.ID
	defer c.remove(ctx, containerID)

	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: failed to start container: %v", domain.ErrLookup, err)
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("%w: wait for container: %v", domain.ErrLookup, err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("%w: search exited with status %d: %s", domain.ErrLookup, status.StatusCode, c.tail(ctx, containerID))
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rc, _, err := c.cli.CopyFromContainer(ctx, containerID, reportPath(username))
	if err != nil {
		return nil, fmt.Errorf("%w: copy report: %v", domain.ErrLookup, err)
	}
	defer rc.Close()

	data, err := readTarFile(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLookup, err)
	}
	report, err := ParseReport(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLookup, err)
	}
	c.logger.Info("Lookup finished", "containerID", shortID(containerID), "sites", len(report))
	return report, nil
}

// ensureImage pulls the image once per process when pulling is enabled.
func (c *Client) ensureImage(ctx context.Context) error {
	if !c.cfg.Pull {
		return nil
	}
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	if c.pulled {
		return nil
	}

	c.logger.Info("Pulling image", "image", c.cfg.Image)
	reader, err := c.cli.ImagePull(ctx, c.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: failed to pull image: %v", domain.ErrLookup, err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: failed to pull image: %v", domain.ErrLookup, err)
	}
	c.pulled = true
	return nil
}

// command builds the search tool arguments. "--" keeps a username that
// starts with a dash from being read as a flag.
func (c *Client) command(username string) []string {
	return []string{
		"--json", "simple",
		"--folderoutput", reportDir,
		"--timeout", fmt.Sprintf("%d", int(c.cfg.SiteTimeout/time.Second)),
		"--top-sites", fmt.Sprintf("%d", c.cfg.TopSites),
		"--no-progressbar",
		"--no-color",
		"--",
		username,
	}
}

func reportPath(username string) string {
	return reportDir + "/report_" + username + "_simple.json"
}

// tail returns the last lines of the container output for error messages.
func (c *Client) tail(ctx context.Context, containerID string) string {
	out, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "20"})
	if err != nil {
		return "logs unavailable"
	}
	defer out.Close()
	text, err := demux(out)
	if err != nil {
		return "logs unavailable"
	}
	return strings.TrimSpace(text)
}

func (c *Client) remove(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		c.logger.Warn("Failed to remove container", "containerID", shortID(containerID), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
