package official

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Split-tunnel exclude management through warp-cli's native list. Batch
// operations are idempotent: "already exists" on add and "not found" on
// remove count as success for the corresponding entry.

func (d *Driver) AddExcludes(ctx context.Context, subnets []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addExcludes(ctx, subnets)
}

func (d *Driver) addExcludes(ctx context.Context, subnets []string) error {
	var firstErr error
	for _, subnet := range subnets {
		_, err := d.cli(ctx, clientTimeout, "tunnel", "ip", "add", subnet)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			logrus.Warnf("exclude add %s: %v", subnet, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("exclude add %s: %w", subnet, err)
			}
		}
	}
	return firstErr
}

func (d *Driver) RemoveExcludes(ctx context.Context, subnets []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, subnet := range subnets {
		_, err := d.cli(ctx, clientTimeout, "tunnel", "ip", "remove", subnet)
		if err != nil && !strings.Contains(err.Error(), "not found") {
			logrus.Warnf("exclude remove %s: %v", subnet, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("exclude remove %s: %w", subnet, err)
			}
		}
	}
	return firstErr
}

func (d *Driver) ListExcludes(ctx context.Context) ([]string, error) {
	out, err := d.cli(ctx, clientTimeout, "tunnel", "ip", "list")
	if err != nil {
		return nil, err
	}
	return parseExcludeList(out), nil
}

func (d *Driver) ResetExcludes(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.cli(ctx, clientTimeout, "tunnel", "ip", "reset")
	return err
}

// parseExcludeList picks CIDR-looking tokens out of warp-cli's list
// output, skipping headers.
func parseExcludeList(out string) []string {
	var subnets []string
	for _, line := range strings.Split(out, "\n") {
		for _, field := range strings.Fields(line) {
			if strings.Count(field, ".") == 3 && strings.Contains(field, "/") {
				subnets = append(subnets, field)
			}
		}
	}
	return subnets
}
