package signaling

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	pkglog "github.com/ambengineeringsystem-gif/selfie-2/pkg/log"
	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
)

// PostCommand appends cmd to a list channel (commands, viewerCommands or
// cameraCommands) of session id.
func PostCommand(ctx context.Context, store relay.Store, id, channel string, cmd Command) (string, error) {
	return store.Append(ctx, SessionChild(id, channel), cmd)
}

// WatchCommands delivers every command of a list channel, including those
// posted before the call. Re-attaching a watcher replays the list; list
// commands are not deduplicated.
func WatchCommands(ctx context.Context, store relay.Store, id, channel string, fn func(Command)) (relay.Unsubscribe, error) {
	logger := pkglog.Ctx(ctx).With().Str(pkglog.FieldSessionID, id).Str("channel", channel).Logger()
	return store.SubscribeChildAdded(ctx, SessionChild(id, channel), func(s relay.Snapshot) {
		cmd, err := DecodeCommand(s)
		if err != nil {
			logIgnored(logger, s, err)
			return
		}
		fn(cmd)
	})
}

// SendSlotCommand overwrites the lastCommand slot of session id.
func SendSlotCommand(ctx context.Context, store relay.Store, id string, cmd Command) error {
	return store.Write(ctx, SessionChild(id, LastCommand), cmd)
}

// SlotHandler runs a slot command. Its error is logged; the command is
// acknowledged either way.
type SlotHandler func(ctx context.Context, cmd Command) error

// WatchSlotCommands consumes the lastCommand slot of session id: each
// distinct write runs fn once, is acknowledged in lastCommandAck on behalf
// of from, and is cleared if the slot still holds it.
//
// Two writes landing before the first clear are both handled when they
// carry different request ids. Writes without an id fall back to
// comparing the timestamp.
func WatchSlotCommands(ctx context.Context, store relay.Store, id, from string, fn SlotHandler) (relay.Unsubscribe, error) {
	logger := pkglog.Ctx(ctx).With().Str(pkglog.FieldSessionID, id).Str("channel", LastCommand).Logger()
	slot := SessionChild(id, LastCommand)

	// Only touched from the subscription's own goroutine.
	var last Command
	return store.SubscribeValue(ctx, slot, func(s relay.Snapshot) {
		if !s.Exists() {
			return
		}
		cmd, err := DecodeCommand(s)
		if err != nil {
			logIgnored(logger, s, err)
			return
		}
		if sameWrite(cmd, last) {
			logger.Debug().Str(pkglog.FieldCommand, cmd.Kind.String()).Msg("slot command redelivered, skipping")
			return
		}
		last = cmd

		l := logger.With().Str(pkglog.FieldCommand, cmd.Kind.String()).Str("request_id", cmd.ID).Logger()
		if err := fn(ctx, cmd); err != nil {
			l.Warn().Err(err).Msg("slot command failed")
		}

		ack := Ack{Type: cmd.Kind.Ack(), From: from, TS: Now(), ID: cmd.ID}
		if err := store.Write(ctx, SessionChild(id, LastCommandAck), ack); err != nil {
			l.Warn().Err(err).Msg("failed to write ack")
		}
		if err := clearSlot(ctx, store, slot, cmd); err != nil {
			l.Warn().Err(err).Msg("failed to clear lastCommand")
		}
	})
}

// clearSlot removes the slot if it still holds cmd. The delete is
// conditional on the value read, so a newer write is left for the next
// delivery even if it lands after the read.
func clearSlot(ctx context.Context, store relay.Store, slot string, cmd Command) error {
	cur, err := store.Read(ctx, slot)
	if err != nil {
		return err
	}
	if !cur.Exists() {
		return nil
	}
	held, err := DecodeCommand(cur)
	if err == nil && !sameWrite(held, cmd) {
		return nil
	}
	_, err = store.CompareAndDelete(ctx, slot, cur.Raw)
	return err
}

func sameWrite(a, b Command) bool {
	if a.ID != "" || b.ID != "" {
		return a.ID == b.ID
	}
	return a.Kind == b.Kind && a.From == b.From && a.TS == b.TS
}

// WatchAcks reports each acknowledgement written to lastCommandAck.
func WatchAcks(ctx context.Context, store relay.Store, id string, fn func(Ack)) (relay.Unsubscribe, error) {
	logger := pkglog.Ctx(ctx).With().Str(pkglog.FieldSessionID, id).Logger()
	return store.SubscribeValue(ctx, SessionChild(id, LastCommandAck), func(s relay.Snapshot) {
		if !s.Exists() {
			return
		}
		ack, err := decodeAck(s)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed ack")
			return
		}
		fn(ack)
	})
}

func logIgnored(logger zerolog.Logger, s relay.Snapshot, err error) {
	if errors.Is(err, ErrUnknownCommand) {
		logger.Debug().Err(err).Str(pkglog.FieldRelayPath, s.Path).Msg("ignoring command")
		return
	}
	logger.Warn().Err(err).Str(pkglog.FieldRelayPath, s.Path).Msg("malformed command")
}
