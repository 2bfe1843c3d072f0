package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamly-studio/backend/internal/client"
	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/participant"
	"github.com/streamly-studio/backend/internal/peer"
)

type joinFlags struct {
	server     string
	studioID   string
	inviteCode string
	name       string
	token      string
	video      string
	audio      string
	loop       bool
	segment    time.Duration
	retryDelay time.Duration
	ice        []string
	record     time.Duration
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "participant",
		Short: "Headless studio participant",
		Long:  "Joins a studio session, publishes IVF (VP8) and Ogg (Opus) files over WebRTC and records them locally while the host records.",
	}
	root.AddCommand(newJoinCmd(logger))
	return root
}

func newJoinCmd(logger *zap.Logger) *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a studio and stay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.studioID == "" && f.inviteCode == "" {
				return errors.New("one of --studio or --invite is required")
			}
			if f.video == "" && f.audio == "" {
				return errors.New("at least one of --video or --audio is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, f, logger)
		},
	}
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&f.studioID, "studio", "", "Studio id")
	cmd.Flags().StringVar(&f.inviteCode, "invite", "", "Studio invite code")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Display name")
	cmd.Flags().StringVar(&f.token, "token", "", "JWT of the studio owner (joins as host)")
	cmd.Flags().StringVar(&f.video, "video", "", "VP8 IVF file to publish")
	cmd.Flags().StringVar(&f.audio, "audio", "", "Opus Ogg file to publish")
	cmd.Flags().BoolVar(&f.loop, "loop", true, "Restart media files at EOF")
	cmd.Flags().DurationVar(&f.segment, "segment", 0, "Recording segment duration (default: server setting)")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", 0, "Delay between segment upload attempts (default: server setting)")
	cmd.Flags().StringSliceVar(&f.ice, "ice", nil, "ICE server URLs (default: server setting)")
	cmd.Flags().DurationVar(&f.record, "record", 0, "As host, record for this long right after joining")
	return cmd
}

func runJoin(ctx context.Context, f joinFlags, logger *zap.Logger) error {
	session, err := client.Dial(ctx, f.server, client.JoinOptions{
		StudioID:   f.studioID,
		InviteCode: f.inviteCode,
		Name:       f.name,
		Token:      f.token,
	}, logger)
	if err != nil {
		return err
	}
	defer session.Close()
	joined := session.Joined()
	logger.Info("joined studio",
		zap.String("studio", joined.StudioName),
		zap.String("participant_id", session.ID()),
		zap.Bool("host", joined.Participant.IsHost),
		zap.Int("participants", len(joined.Participants)),
	)

	var sources []participant.Source
	local := make(map[string]*webrtc.TrackLocalStaticRTP)
	var tracks []webrtc.TrackLocal
	if f.video != "" {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", session.ID())
		if err != nil {
			return err
		}
		local[models.TrackVideo] = t
		tracks = append(tracks, t)
		sources = append(sources, participant.IVFSource{Path: f.video, Loop: f.loop})
	}
	if f.audio != "" {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", session.ID())
		if err != nil {
			return err
		}
		local[models.TrackAudio] = t
		tracks = append(tracks, t)
		sources = append(sources, participant.OggSource{Path: f.audio, Loop: f.loop})
	}

	var ice []webrtc.ICEServer
	if len(f.ice) > 0 {
		ice = peer.ICEServers(f.ice)
	}
	agent, err := participant.New(session, client.NewAPI(f.server), participant.Options{
		SegmentDuration:  f.segment,
		UploadRetryDelay: f.retryDelay,
		ICEServers:       ice,
		Tracks:           tracks,
		OnRemoteTrack: func(remoteID string, track *webrtc.TrackRemote) {
			logger.Info("receiving remote media", zap.String("remote_id", remoteID), zap.String("kind", track.Kind().String()))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// sources stop once the coordinator connection ends
		defer cancel()
		return session.Run(gctx)
	})
	for _, src := range sources {
		src := src
		g.Go(func() error {
			err := src.Run(gctx, func(track string, pkt *rtp.Packet) error {
				agent.WriteRTP(track, pkt)
				if err := local[track].WriteRTP(pkt); err != nil {
					logger.Debug("publish packet", zap.String("track", track), zap.Error(err))
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if err := agent.Start(); err != nil {
		return err
	}
	if f.record > 0 {
		if err := agent.StartRecording(); err != nil {
			return err
		}
		timer := time.AfterFunc(f.record, func() {
			if err := agent.StopRecording(); err != nil {
				logger.Warn("stop recording", zap.Error(err))
			}
		})
		defer timer.Stop()
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrClosed) {
		return nil
	}
	return err
}
