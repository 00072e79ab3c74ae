// Package container talks to the local Docker engine: it resolves and loads
// images through the Engine API and runs containers through the docker CLI.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	dockerCli "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
)

// Engine is the subset of the image API the job runner needs.
// Implementations must be safe for concurrent use.
type Engine interface {
	// GetImage returns the ID of the image known to the engine under ref
	// (an ID or a name), or ErrImageNotFound.
	GetImage(ctx context.Context, ref string) (string, error)
	// LoadImage loads a `docker save` archive and returns the IDs of every image it contained.
	LoadImage(ctx context.Context, archive io.Reader) ([]string, error)
	Ping(ctx context.Context) error
}

// DockerEngine implements Engine with the Docker Engine API client.
type DockerEngine struct {
	docker  *dockerCli.Client
	timeout time.Duration
}

// NewDockerEngine creates a client from the DOCKER_* environment, negotiating the API version.
func NewDockerEngine(timeout time.Duration) (*DockerEngine, error) {
	apiClient, err := dockerCli.NewClientWithOpts(dockerCli.FromEnv, dockerCli.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{docker: apiClient, timeout: timeout}, nil
}

// Close releases the underlying HTTP transport.
func (e *DockerEngine) Close() error {
	return e.docker.Close()
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.docker.Ping(ctx)
	return err
}

func (e *DockerEngine) GetImage(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	img, err := e.docker.ImageInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", ErrImageNotFound
		}
		return "", fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return img.ID, nil
}

func (e *DockerEngine) LoadImage(ctx context.Context, archive io.Reader) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.docker.ImageLoad(ctx, archive, dockerCli.ImageLoadWithQuiet(true))
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	defer resp.Body.Close()

	refs, err := ParseLoadStream(resp.Body)
	if err != nil {
		return nil, err
	}

	// "Loaded image: name:tag" lines carry a reference, not an ID; tags of one
	// image collapse to a single ID.
	seen := make(map[string]bool, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		id := ref
		if !strings.HasPrefix(ref, "sha256:") {
			id, err = e.GetImage(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("resolve loaded image %s: %w", ref, err)
			}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	slog.Debug("docker image archive loaded", "images", ids)
	return ids, nil
}

const (
	loadedImageIDPrefix = "Loaded image ID: "
	loadedImagePrefix   = "Loaded image: "
)

// ParseLoadStream reads the JSON message stream returned by an image load and
// returns the image references it announced, in order.
func ParseLoadStream(r io.Reader) ([]string, error) {
	dec := json.NewDecoder(r)
	var refs []string
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode image load stream: %w", err)
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("load image: %s", msg.Error.Message)
		}
		for _, line := range strings.Split(msg.Stream, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, loadedImageIDPrefix):
				refs = append(refs, strings.TrimSpace(strings.TrimPrefix(line, loadedImageIDPrefix)))
			case strings.HasPrefix(line, loadedImagePrefix):
				refs = append(refs, strings.TrimSpace(strings.TrimPrefix(line, loadedImagePrefix)))
			}
		}
	}
	return refs, nil
}

var _ Engine = (*DockerEngine)(nil)
