package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pombredanne/novirt/internal/config"
	"github.com/pombredanne/novirt/internal/diskprovisioner"
	"github.com/pombredanne/novirt/internal/filter"
	"github.com/pombredanne/novirt/internal/imagecache"
	hvlibvirt "github.com/pombredanne/novirt/internal/libvirt"
)

// connectTimeout bounds the initial libvirt handshake; NewGateway's
// reconnect policy takes over for every call after that.
const connectTimeout = 10 * time.Second

// components is the fully-wired set New cmd/novirtd subcommands drive. It
// owns the libvirt connection(s), so callers must Close it.
type components struct {
	gateway      *hvlibvirt.Gateway
	disks        *diskprovisioner.Provisioner
	filter       filter.Engine
	closeFetcher func() error // non-nil only when the pool-backed fetcher opened its own connection
}

func (c *components) Close() error {
	err := c.gateway.Close()
	if c.closeFetcher != nil {
		if ferr := c.closeFetcher(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// buildComponents connects to libvirt and assembles the DiskProvisioner and
// FilterEngine the driver's config selects, mirroring the control flow
// described in §2's component table.
func buildComponents(ctx context.Context, cfg *config.DriverConfig, imageSourceDir string) (*components, error) {
	uri, err := cfg.ResolvedURI()
	if err != nil {
		return nil, err
	}
	gw, err := hvlibvirt.NewGateway(ctx, "", connectTimeout, uri)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt: %w", err)
	}

	var fetcher imagecache.Fetcher = localImageFetcher{sourceDir: imageSourceDir}
	var closeFetcher func() error
	if storagePool != "" {
		poolFetcher, closer, err := newPoolImageFetcher(ctx, "", storagePool)
		if err != nil {
			_ = gw.Close()
			return nil, err
		}
		fetcher, closeFetcher = poolFetcher, closer
	}
	disks := diskprovisioner.New(cfg.InstancesPath, fetcher, cfg.UseCOWImages, cfg.MinimumRootSizeGB)

	engine, err := buildFilterEngine(cfg, gw)
	if err != nil {
		_ = gw.Close()
		if closeFetcher != nil {
			_ = closeFetcher()
		}
		return nil, err
	}

	return &components{gateway: gw, disks: disks, filter: engine, closeFetcher: closeFetcher}, nil
}

// buildFilterEngine selects and constructs the configured FilterEngine
// back-end, per §4.4's "selectable per host" design.
func buildFilterEngine(cfg *config.DriverConfig, gw *hvlibvirt.Gateway) (filter.Engine, error) {
	switch cfg.FirewallDriver {
	case "nwfilter":
		return filter.NewBackend(gw, cfg.AllowProjectNetTraffic, cfg.UseIPv6), nil
	case "iptables":
		return filter.NewHostBackend(filter.NewExecApplier(), cfg.AllowProjectNetTraffic, "", cfg.UseIPv6), nil
	default:
		return nil, fmt.Errorf("unknown firewall_driver %q", cfg.FirewallDriver)
	}
}
