package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// Client is a containerd connection scoped to one namespace. It redials
// when the daemon restarts underneath it.
type Client struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

// NewClient connects to the containerd socket and verifies the daemon answers.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dial(ctx, socket, namespace)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{inner: inner, socket: socket, namespace: namespace}, nil
}

func dial(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(dialTimeout),
	)
	if err != nil {
		return nil, err
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("version check: %w", err)
	}
	return inner, nil
}

// Raw returns the current underlying client.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace returns ctx scoped to the sandbox namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Ensure checks the connection and redials once if the daemon stopped
// answering. A closed client stays closed.
func (c *Client) Ensure(ctx context.Context) error {
	c.mu.RLock()
	closed, inner := c.closed, c.inner
	c.mu.RUnlock()
	if closed {
		return ErrBackendClosed
	}
	if _, err := inner.Version(ctx); err == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBackendClosed
	}
	if c.inner != inner {
		// Another execution already redialed.
		return nil
	}
	_ = c.inner.Close()

	fresh, err := dial(ctx, c.socket, c.namespace)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContainerdDown, err)
	}
	c.inner = fresh
	log.Info().Str("socket", c.socket).Msg("reconnected to containerd")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.inner.Close()
}

// PullImage returns ref from the local store, pulling and unpacking it
// first if needed.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	client := c.Raw()

	if image, err := client.GetImage(ctx, ref); err == nil {
		unpacked, err := image.IsUnpacked(ctx, containerd.DefaultSnapshotter)
		if err == nil && unpacked {
			return image, nil
		}
		if err := image.Unpack(ctx, containerd.DefaultSnapshotter); err != nil {
			return nil, fmt.Errorf("unpacking image %s: %w", ref, err)
		}
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling sandbox image")
	start := time.Now()
	image, err := client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Dur("took", time.Since(start)).Msg("sandbox image ready")
	return image, nil
}
