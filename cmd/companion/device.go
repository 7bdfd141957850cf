package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"readycheck/api/internal/client"
	"readycheck/api/internal/presence"
	"readycheck/api/internal/session"
	"readycheck/api/internal/summon"
)

// runDevice follows one summon the way a phone would: a foreground session
// with the countdown and the answer, plus a keep-alive holding presence.
// Whichever of the two sees the round resolved first ends the device.
func runDevice(ctx context.Context, out io.Writer, c *client.Client, groupID, summonID string, answer summon.ResponseStatus) error {
	memberID, err := c.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("resolve member: %w", err)
	}
	logger := slog.Default().With("member_id", memberID)

	barrier := presence.NewBarrier(func(reason string) {
		fmt.Fprintf(out, "done: %s\n", reason)
	})
	sess, err := session.New(session.Config{
		GroupID:    groupID,
		SummonID:   summonID,
		MemberID:   memberID,
		Backend:    c,
		Terminator: barrier,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	keepAlive, err := presence.NewKeepAlive(presence.KeepAliveConfig{
		GroupID:    groupID,
		SummonID:   summonID,
		MemberID:   memberID,
		Backend:    c,
		Terminator: barrier,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(gctx)
	})
	g.Go(func() error {
		return keepAlive.Run(gctx)
	})
	g.Go(func() error {
		return follow(gctx, out, sess, barrier, answer)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// follow prints the countdown once a second and submits the answer as
// soon as the session is live.
func follow(ctx context.Context, out io.Writer, sess *session.Session, barrier *presence.Barrier, answer summon.ResponseStatus) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-barrier.Done():
			// The keep-alive can see the outcome before the session does.
			select {
			case <-sess.Done():
				printOutcome(out, sess)
			case <-ctx.Done():
			}
			return nil
		case <-sess.Done():
			printOutcome(out, sess)
			return nil
		case <-ticker.C:
			if sess.State() != session.StateActive {
				continue
			}
			if answer != "" {
				err := sess.Submit(ctx, answer)
				switch {
				case err == nil:
					fmt.Fprintf(out, "answered %s\n", answer)
				case errors.Is(err, session.ErrInitiatorCannotRespond):
					fmt.Fprintln(out, "you started this summon; waiting for the others")
				default:
					fmt.Fprintf(out, "answer not delivered: %v\n", err)
				}
				answer = ""
			}
			snap, _ := sess.Snapshot()
			fmt.Fprintf(out, "%3ds  %s\n", int(sess.Remaining(time.Now()).Seconds()), describe(snap))
		}
	}
}

func printOutcome(out io.Writer, sess *session.Session) {
	snap, _ := sess.Snapshot()
	fmt.Fprintf(out, "summon %s: %s (%s)\n", snap.ID, snap.Status, snap.Reason)
}

func describe(s summon.Summon) string {
	parts := make([]string, 0, len(s.Responses))
	for _, id := range s.Respondents() {
		parts = append(parts, id+"="+strings.ToLower(string(s.Responses[id])))
	}
	return strings.Join(parts, " ")
}
