package hypervisor

import (
	"context"
	"fmt"
)

// BootConfig describes a guest to configure and start, per spec.md §4.5.
type BootConfig struct {
	CPUs       int
	MemMiB     int
	KernelPath string
	RootfsPath string

	// Net is nil when the VM has no networking attached (netd helper was
	// unreachable at create time — graceful degradation per spec.md §4.4).
	Net *NetAttachment
}

// NetAttachment is the subset of addressing.Lease the control dialect's
// network-interfaces request needs.
type NetAttachment struct {
	TapName     string
	MAC         string
	KernelParam string
}

const baseBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// ConfigureAndStart issues the fixed PUT sequence from spec.md §4.5 steps
// 1-5: machine-config, boot-source, rootfs drive, network interface (only
// when attached), then InstanceStart. Any non-2xx response is fatal and
// aborts the sequence.
func (c *Client) ConfigureAndStart(ctx context.Context, cfg BootConfig) error {
	if err := c.Put(ctx, "/machine-config", map[string]any{
		"vcpu_count":   cfg.CPUs,
		"mem_size_mib": cfg.MemMiB,
	}); err != nil {
		return err
	}

	bootArgs := baseBootArgs
	if cfg.Net != nil {
		bootArgs += " " + cfg.Net.KernelParam
	}
	if err := c.Put(ctx, "/boot-source", map[string]any{
		"kernel_image_path": cfg.KernelPath,
		"boot_args":          bootArgs,
	}); err != nil {
		return err
	}

	if err := c.Put(ctx, "/drives/rootfs", map[string]any{
		"drive_id":        "rootfs",
		"path_on_host":    cfg.RootfsPath,
		"is_root_device":  true,
		"is_read_only":    false,
	}); err != nil {
		return err
	}

	if cfg.Net != nil {
		if err := c.Put(ctx, "/network-interfaces/eth0", map[string]any{
			"iface_id":      "eth0",
			"host_dev_name": cfg.Net.TapName,
			"guest_mac":     cfg.Net.MAC,
		}); err != nil {
			return err
		}
	}

	if err := c.Put(ctx, "/actions", map[string]any{"action_type": "InstanceStart"}); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	return nil
}

// PatchRootfsDrive rewrites the rootfs drive's backing path. Restore calls
// it after LoadSnapshot (which already resumes the VM) so the drive points
// at the VM's real rootfs file rather than the snapshot's embedded path or
// its alias (spec.md §4.5's restore compatibility path).
func (c *Client) PatchRootfsDrive(ctx context.Context, pathOnHost string) error {
	return c.Patch(ctx, "/drives/rootfs", map[string]any{
		"drive_id":     "rootfs",
		"path_on_host": pathOnHost,
	})
}
