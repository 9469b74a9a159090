// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// externalizeAssets rewrites blob fields above the inline limit as asset
// references backed by the asset store. Content addressing makes repeated
// uploads of the same payload cheap. Without an asset store everything
// stays inline.
func externalizeAssets(ctx context.Context, store zonesync.AssetStore, fields map[string]zonesync.FieldValue, limit int) error {
	if store == nil || limit <= 0 {
		return nil
	}
	for name, fv := range fields {
		if fv.Bytes == nil || len(fv.Bytes) <= limit {
			continue
		}
		ref, err := store.StoreAsset(ctx, fv.Bytes)
		if err != nil {
			return fmt.Errorf("failed to store asset for field %q: %w", name, err)
		}
		fields[name] = zonesync.Asset(ref)
	}
	return nil
}

// resolveAssets rewrites asset references back into their blob payloads
// so they can be written to the live table.
func resolveAssets(ctx context.Context, store zonesync.AssetStore, fields map[string]zonesync.FieldValue) error {
	for name, fv := range fields {
		if fv.Asset == nil {
			continue
		}
		if store == nil {
			return fmt.Errorf("record carries asset reference for field %q but no asset store is configured", name)
		}
		data, err := store.FetchAsset(ctx, fv.Asset)
		if err != nil {
			return fmt.Errorf("failed to fetch asset %s for field %q: %w", fv.Asset.Hash, name, err)
		}
		fields[name] = zonesync.Bytes(data)
	}
	return nil
}
