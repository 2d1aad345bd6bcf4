package ble

import (
	"context"
	"errors"
	"log/slog"
)

// Enumerate lists candidate wallets. A device the OS already holds a
// connection to is returned alone, without scanning. Otherwise the adapter
// scans for the wallet service. Failures and cancellation yield an empty
// list, never an error.
func (t *Transport) Enumerate(ctx context.Context) []Device {
	if lister, ok := t.adapter.(ConnectedLister); ok {
		connected, err := lister.ConnectedDevices(ctx, t.opts.ServiceUUID)
		switch {
		case err != nil:
			slog.Warn("[BLE] [enumerate] listing connected devices failed", "error", err)
		case len(connected) > 0:
			d := t.named(connected[0])
			slog.Info("[BLE] [enumerate] found connected device", "device", d.ID)
			return []Device{d}
		}
	}

	slog.Info("[BLE] [enumerate] no connected device, scanning", "timeout", t.opts.ScanTimeout)
	scanCtx, cancel := context.WithTimeout(ctx, t.opts.ScanTimeout)
	defer cancel()

	found, err := t.adapter.Scan(scanCtx, t.opts.ServiceUUID)
	if err != nil {
		slog.Warn("[BLE] [enumerate] cancelled or failed", "error", err)
		return []Device{}
	}
	devices := make([]Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, t.named(d))
	}
	slog.Info("[BLE] [enumerate] scan complete", "count", len(devices))
	return devices
}

func (t *Transport) named(d Device) Device {
	if d.Name == "" {
		d.Name = t.opts.DefaultDeviceName
	}
	return d
}

// ensureBonded pairs with the device before the GATT connect. Nothing here
// aborts the connect: a device may still work without an explicit bond.
func (t *Transport) ensureBonded(ctx context.Context, s *session, b Bonder) {
	bonded, err := b.IsBonded(ctx, s.id)
	if err != nil {
		s.log.Warn("[BLE] [bond] error checking bond status", "error", err)
		return
	}
	if bonded {
		s.log.Info("[BLE] [bond] already bonded")
		return
	}

	s.log.Info("[BLE] [bond] not bonded, confirm pairing on the device", "timeout", t.opts.BondTimeout)
	bctx, cancel := context.WithTimeout(ctx, t.opts.BondTimeout)
	err = b.CreateBond(bctx, s.id)
	cancel()

	if err == nil {
		s.log.Info("[BLE] [bond] pairing completed")
		if t.opts.BondSettle > 0 {
			_ = t.opts.Sleep(ctx, t.opts.BondSettle)
		}
		now, verr := b.IsBonded(ctx, s.id)
		s.log.Info("[BLE] [bond] verified bond status", "bonded", now, "error", verr)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("[BLE] [bond] pairing timed out, rechecking")
		// The user may have confirmed just after the deadline.
		if again, verr := b.IsBonded(ctx, s.id); verr == nil && again {
			s.log.Info("[BLE] [bond] bonded despite timeout")
			return
		}
	}
	s.log.Warn("[BLE] [bond] pairing failed, connecting anyway", "error", err)
}
