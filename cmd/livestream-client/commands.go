package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/media"
	"github.com/aminelahmer1/livestream-core/internal/rtc"
)

const teardownTimeout = 15 * time.Second

func runProbe(ctx context.Context, app *Application, args []string) error {
	fs := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	r := app.prober.TestConnection(ctx)
	fmt.Printf("backend:   %v\n", r.Backend)
	fmt.Printf("signaling: %v\n", r.Signaling)
	fmt.Printf("webrtc:    %v\n", r.WebRTC)
	fmt.Printf("stun:      %v %s\n", r.Diagnostics.STUN, r.Diagnostics.MappedAddress)
	if r.Diagnostics.TURNEnabled {
		fmt.Printf("turn:      %v\n", r.Diagnostics.TURN)
	}
	fmt.Printf("latency:   %s\n", r.Latency.Round(time.Millisecond))

	if !r.OK {
		return fmt.Errorf("connectivity checks failed: %v", r.Failed)
	}
	return nil
}

func runHost(ctx context.Context, app *Application, args []string) error {
	fs := pflag.NewFlagSet("host", pflag.ContinueOnError)
	skill := fs.Int64("skill", 0, "skill to start a session for")
	immediate := fs.Bool("immediate", true, "go live immediately")
	screen := fs.Bool("screen", false, "share the screen after connecting")
	noCamera := fs.Bool("no-camera", false, "publish audio only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := app.sessions.CreateSession(ctx, *skill, *immediate)
	if err != nil {
		return err
	}
	log := app.logger.With(zap.Int64("session", sess.ID), zap.String("room", sess.RoomName))
	log.Info("session created", zap.String("status", string(sess.Status)))

	events, cancel := app.manager.Subscribe()
	defer cancel()
	go logTransitions(log, events)

	counted := false
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := app.manager.StopScreenShare(tctx); err != nil {
			log.Warn("stop screen share", zap.Error(err))
		}
		app.manager.Cleanup(tctx)
		if counted {
			app.broker.DecrementSessionCount()
		}
		if err := app.sessions.EndSession(tctx, sess.ID); err != nil {
			log.Warn("end session", zap.Error(err))
		}
	}()

	if err := app.manager.ConnectToRoom(ctx, sess.RoomName, sess.ProducerToken, rtc.Producer); err != nil {
		return err
	}

	if app.broker != nil {
		app.broker.IncrementSessionCount()
		counted = true

		if !*noCamera && app.config.Media.Camera {
			publishStream(ctx, app, log, app.broker.GetSharedVideoStream(ctx), rtc.SourceCamera)
		}
		if app.config.Media.Microphone {
			publishStream(ctx, app, log, app.broker.GetSharedAudioStream(ctx), rtc.SourceMicrophone)
		}
	}

	if *screen {
		pub, err := app.manager.StartScreenShare(ctx)
		switch {
		case apperr.Is(err, apperr.UserCancelled):
			log.Info("screen share cancelled")
		case err != nil:
			log.Warn("screen share failed", zap.String("reason", apperr.Message(err)))
		default:
			log.Info("sharing screen", zap.String("sid", pub.SID))
		}
	}

	log.Info("live, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

// publishStream publishes every clone in s. A nil stream means the device
// is unavailable and the broadcast continues without it.
func publishStream(ctx context.Context, app *Application, log *zap.Logger, s *media.Stream, source rtc.Source) {
	if s == nil {
		log.Warn("device unavailable, continuing without it", zap.Stringer("source", source))
		return
	}
	for _, t := range s.Tracks() {
		if _, err := app.manager.Publish(ctx, t.TrackLocal(), source); err != nil {
			log.Warn("publish failed", zap.Stringer("source", source), zap.Error(err))
			t.Stop()
		}
	}
}

func runWatch(ctx context.Context, app *Application, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	id := fs.Int64("session", 0, "session to join")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tok, err := app.sessions.JoinSession(ctx, *id)
	if err != nil {
		return err
	}
	sess, err := app.sessions.GetSession(ctx, *id)
	if err != nil {
		return err
	}
	log := app.logger.With(zap.Int64("session", sess.ID), zap.String("room", sess.RoomName))

	events, cancel := app.manager.Subscribe()
	defer cancel()
	go logTransitions(log, events)

	if err := app.manager.ConnectToRoom(ctx, sess.RoomName, tok, rtc.Viewer); err != nil {
		return err
	}

	<-ctx.Done()

	tctx, tcancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer tcancel()
	m := app.manager.Metrics()
	log.Info("leaving",
		zap.Duration("connect_latency", m.LastLatency),
		zap.Int("reconnects", m.ReconnectAttempts),
		zap.String("quality", string(m.Quality)))
	return app.manager.DisconnectFromRoom(tctx)
}

func runRecord(ctx context.Context, app *Application, args []string) error {
	fs := pflag.NewFlagSet("record", pflag.ContinueOnError)
	room := fs.String("room", "", "room to record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: record start|stop --room NAME")
	}

	switch fs.Arg(0) {
	case "start":
		if err := app.sessions.StartRecording(ctx, *room); err != nil {
			return err
		}
	case "stop":
		if err := app.sessions.StopRecording(ctx, *room); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown record action %q", fs.Arg(0))
	}
	app.logger.Info("recording updated", zap.String("room", *room), zap.String("action", fs.Arg(0)))
	return nil
}

func runDevToken(_ context.Context, app *Application, args []string) error {
	fs := pflag.NewFlagSet("devtoken", pflag.ContinueOnError)
	room := fs.String("room", "", "room the token is bound to")
	identity := fs.String("identity", "", "participant identity")
	publish := fs.Bool("publish", true, "allow publishing")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" || *identity == "" {
		return errors.New("--room and --identity are required")
	}
	tok, err := mintDevToken(app.config.LiveKit, *room, *identity, *publish, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, tok)
	return nil
}

func mintDevToken(lk config.LiveKitConfig, room, identity string, publish bool, ttl time.Duration) (string, error) {
	if lk.APIKey == "" || lk.APISecret == "" {
		return "", errors.New("livekit api key and secret are not configured")
	}
	grant := &lkauth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(publish)
	tok, err := lkauth.NewAccessToken(lk.APIKey, lk.APISecret).
		AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tok, nil
}

func logTransitions(log *zap.Logger, events <-chan rtc.ConnectionEvent) {
	for ev := range events {
		log.Info("connection state",
			zap.Stringer("from", ev.From),
			zap.Stringer("to", ev.To),
			zap.String("reason", ev.Reason))
	}
}
