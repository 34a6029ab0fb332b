package stores

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// InventoryVersion is the inventory file format version written by ExportInventory.
const InventoryVersion = 1

// Inventory is the YAML file format for bulk target management.
//
//	version: 1
//	targets:
//	  - hostname: web-1
//	    address: 10.0.0.11
//	    os_type: linux
//	    auth: {principal: deploy, credential_ref: "keyring:deployctl"}
//	    tags: [web, prod]
type Inventory struct {
	Version int              `yaml:"version"`
	Targets []*engine.Target `yaml:"targets"`
}

// ImportResult counts what ImportInventory changed.
type ImportResult struct {
	Added   int
	Updated int
}

// ImportInventory reads an inventory and upserts its targets into store.
// Entries match existing targets by ID, or by hostname when no ID is given.
func ImportInventory(ctx context.Context, store Store, r io.Reader) (*ImportResult, error) {
	var inv Inventory
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&inv); err != nil {
		if err == io.EOF {
			return &ImportResult{}, nil
		}
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if inv.Version != 0 && inv.Version != InventoryVersion {
		return nil, fmt.Errorf("unsupported inventory version %d", inv.Version)
	}

	existing, err := store.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*engine.Target, len(existing))
	byHostname := make(map[string]*engine.Target, len(existing))
	for _, t := range existing {
		byID[t.ID] = t
		byHostname[t.Hostname] = t
	}

	result := &ImportResult{}
	for i, entry := range inv.Targets {
		if entry == nil || entry.Hostname == "" {
			return result, fmt.Errorf("inventory entry %d: hostname is required", i)
		}

		current := byID[entry.ID]
		if current == nil && entry.ID == "" {
			current = byHostname[entry.Hostname]
		}

		if current == nil {
			if err := store.AddTarget(ctx, entry); err != nil {
				return result, fmt.Errorf("inventory entry %d (%s): %w", i, entry.Hostname, err)
			}
			byHostname[entry.Hostname] = entry
			result.Added++
			continue
		}

		update := TargetUpdate{
			Hostname: &entry.Hostname,
			Address:  &entry.Address,
			Auth:     entry.Auth,
			Tags:     entry.Tags,
			Metadata: entry.Metadata,
		}
		if update.Tags == nil {
			update.Tags = []string{}
		}
		if _, err := store.UpdateTarget(ctx, current.ID, update); err != nil {
			return result, fmt.Errorf("inventory entry %d (%s): %w", i, entry.Hostname, err)
		}
		result.Updated++
	}

	return result, nil
}

// ExportInventory writes the targets selected by tags (all when empty) as YAML.
func ExportInventory(ctx context.Context, store Store, w io.Writer, tags []string) error {
	targets, err := store.ListTargetsByTags(ctx, tags)
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&Inventory{Version: InventoryVersion, Targets: targets}); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}
	return encoder.Close()
}
