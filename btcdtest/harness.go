// Package btcdtest launches a disposable bitcoind regtest container and
// hands back a dialable address, the Go analogue of tests.interop/base.py's
// docker-backed InteropTest.setUp (there: BITCOIND_HOSTPORT env var against
// an externally-started node; here: the container is started for you).
package btcdtest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Image is the bitcoind regtest image this harness launches.
const Image = "ruimarinho/bitcoin-core:24.0.1"

const p2pPort = "18444/tcp" // regtest P2P port

// Node is a running bitcoind regtest container.
type Node struct {
	cli         *client.Client
	containerID string

	// Addr is the dialable host:port for the container's P2P port.
	Addr string
}

// Start pulls (if needed) and runs a fresh bitcoind regtest node, returning
// once the container is started and its P2P port has a host binding. It does
// not wait for bitcoind to accept connections on that port.
func Start(ctx context.Context) (*Node, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("btcdtest: docker client: %w", err)
	}

	reader, err := cli.ImagePull(ctx, Image, types.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("btcdtest: pulling %s: %w", Image, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()

	exposed, bindings, err := nat.ParsePortSpecs([]string{p2pPort})
	if err != nil {
		return nil, fmt.Errorf("btcdtest: parsing port spec: %w", err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        Image,
		ExposedPorts: exposed,
		Cmd: []string{
			"-regtest=1",
			"-server=1",
			"-listen=1",
			"-rpcallowip=0.0.0.0/0",
		},
	}, &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("btcdtest: creating container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("btcdtest: starting container: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("btcdtest: inspecting container: %w", err)
	}
	bound, ok := inspect.NetworkSettings.Ports[nat.Port(p2pPort)]
	if !ok || len(bound) == 0 {
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("btcdtest: no host binding for %s", p2pPort)
	}

	return &Node{
		cli:         cli,
		containerID: resp.ID,
		Addr:        fmt.Sprintf("127.0.0.1:%s", bound[0].HostPort),
	}, nil
}

// Stop kills and removes the container. Safe to call on a nil *Node.
func (n *Node) Stop(ctx context.Context) error {
	if n == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return n.cli.ContainerRemove(stopCtx, n.containerID, types.ContainerRemoveOptions{Force: true})
}
