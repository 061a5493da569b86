package whatsapp

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"whatsapp-hub/utils"
)

// OpenDeviceStore opens the sqlite database holding device credentials,
// retrying while the file is locked or the directory is being mounted.
func OpenDeviceStore(ctx context.Context, dsn string, log waLog.Logger) (*sqlstore.Container, error) {
	var container *sqlstore.Container
	err := utils.WithRetryContext(ctx, func() error {
		var err error
		container, err = sqlstore.New(ctx, "sqlite", dsn, log)
		return err
	}, &utils.RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return container, nil
}

// loadDevice returns the stored device for jid, or a fresh unpaired one.
func loadDevice(ctx context.Context, container *sqlstore.Container, jid string) (*store.Device, error) {
	if jid == "" {
		return container.NewDevice(), nil
	}
	parsed, err := wtypes.ParseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("parse device jid %q: %w", jid, err)
	}
	device, err := container.GetDevice(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return container.NewDevice(), nil
	}
	return device, nil
}

// deleteDevice removes stored credentials for jid, if any.
func deleteDevice(ctx context.Context, container *sqlstore.Container, jid string) error {
	if jid == "" {
		return nil
	}
	parsed, err := wtypes.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse device jid %q: %w", jid, err)
	}
	device, err := container.GetDevice(ctx, parsed)
	if err != nil || device == nil {
		return err
	}
	return container.DeleteDevice(ctx, device)
}
