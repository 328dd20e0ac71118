package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gtfodev/kvs-video-producer/pkg/config"
	"github.com/gtfodev/kvs-video-producer/pkg/kvsapp"
	"github.com/gtfodev/kvs-video-producer/pkg/logger"
	"github.com/gtfodev/kvs-video-producer/pkg/mkv"
	"github.com/gtfodev/kvs-video-producer/pkg/upload"
)

func main() {
	fs := flag.NewFlagSet("producer", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	envPath := fs.String("env", ".env", "path to the .env configuration file")
	videoFile := fs.String("video-file", "", "path to an H.264 Annex-B elementary stream to upload (required)")
	fps := fs.Float64("fps", 25, "nominal video frame rate, used to space frame timestamps")
	loop := fs.Bool("loop", true, "re-read video-file from the start when exhausted")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s --video-file <path> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "KVS IoT video producer — file-loader sample\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting KVS video producer", "log_config", logFlags.String())

	if *videoFile == "" {
		log.Error("--video-file is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "stream", cfg.KVS.StreamName, "region", cfg.KVS.Region)

	source, err := newAnnexBFrameSource(*videoFile)
	if err != nil {
		log.Error("failed to load video-file", "error", err)
		os.Exit(1)
	}
	log.Info("video-file loaded",
		"nal_units", len(source.nalus),
		"width", source.resolution.Width,
		"height", source.resolution.Height)

	app := kvsapp.Create(cfg.KVS.Host, cfg.KVS.Region, cfg.KVS.Service, cfg.KVS.StreamName)
	app.SetLogger(log.Logger)

	app.SetVideoTrack(mkv.VideoTrackInfo{
		Name:         "video",
		CodecID:      "V_MPEG4/ISO/AVC",
		CodecPrivate: source.codecPrivate,
		Width:        source.resolution.Width,
		Height:       source.resolution.Height,
	})

	if cfg.AWS.AccessKeyID != "" && cfg.AWS.SecretAccessKey != "" {
		_ = app.SetOption(kvsapp.OptAWSAccessKeyID, cfg.AWS.AccessKeyID)
		_ = app.SetOption(kvsapp.OptAWSSecretAccessKey, cfg.AWS.SecretAccessKey)
	} else {
		_ = app.SetOption(kvsapp.OptIoTCredentialHost, cfg.IoT.CredentialHost)
		_ = app.SetOption(kvsapp.OptIoTRoleAlias, cfg.IoT.RoleAlias)
		_ = app.SetOption(kvsapp.OptIoTThingName, cfg.IoT.ThingName)
		_ = app.SetOption(kvsapp.OptIoTX509RootCA, cfg.IoT.RootCAPath)
		_ = app.SetOption(kvsapp.OptIoTX509Cert, cfg.IoT.CertPath)
		_ = app.SetOption(kvsapp.OptIoTX509Key, cfg.IoT.KeyPath)
	}

	if cfg.Ring.Policy == config.DropPolicyRingBuffer {
		_ = app.SetOption(kvsapp.OptStreamPolicy, string(kvsapp.PolicyRingBuffer))
		_ = app.SetOption(kvsapp.OptStreamPolicyRingMem, fmt.Sprintf("%d", cfg.Ring.MemLimitByte))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := app.Open(ctx); err != nil {
		log.Error("failed to open producer session", "error", err)
		os.Exit(1)
	}
	log.Info("producer session opened")

	frameInterval := time.Duration(float64(time.Second) / *fps)

	workDone := make(chan error, 1)
	go func() {
		for {
			err := app.DoWork(ctx)
			if err != nil {
				workDone <- err
				return
			}
			select {
			case <-ctx.Done():
				workDone <- nil
				return
			default:
			}
		}
	}()

	go ackLogger(ctx, app, log)

	log.Info("streaming started", "frame_interval", frameInterval.String(), "loop", *loop)
	feedErr := feedFrames(ctx, app, source, frameInterval, *loop, log)

	cancel()

	var workErr error
	select {
	case workErr = <-workDone:
	case <-time.After(5 * time.Second):
		log.Warn("timed out waiting for upload session worker to stop")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	app.Terminate(closeCtx)

	if feedErr != nil && !errors.Is(feedErr, context.Canceled) {
		log.Error("frame feed stopped with error", "error", feedErr)
		os.Exit(1)
	}
	if workErr != nil && !errors.Is(workErr, upload.ErrPermanent) && !errors.Is(workErr, context.Canceled) {
		log.Error("upload session stopped with error", "error", workErr)
		os.Exit(1)
	}

	log.Info("graceful shutdown complete")
}

// ackLogger drains fragment-ack events for visibility; the upload
// session itself never blocks on a caller reading them.
func ackLogger(ctx context.Context, app *kvsapp.KvsApp, log *logger.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				ack, ok := app.ReadFragmentAck()
				if !ok {
					break
				}
				log.DebugUpload("fragment ack", "event", ack.EventType, "fragment_timecode", ack.FragmentTimecode)
			}
		}
	}
}

// feedFrames walks the loaded NAL units, wrapping each video slice as an
// AVCC single-NAL frame and handing it to the producer at the configured
// frame interval, optionally looping when the source is exhausted.
func feedFrames(ctx context.Context, app *kvsapp.KvsApp, source *annexBFrameSource, interval time.Duration, loop bool, log *logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tsMs uint64
	var frameCount uint64

	for {
		frames := source.sliceFrames()
		if len(frames) == 0 {
			return fmt.Errorf("video-file contains no slice NAL units")
		}

		for _, frame := range frames {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			if _, err := app.AddFrameWithCallbacks(frame.avcc, tsMs, mkv.Video, frame.keyFrame, nil, nil); err != nil {
				log.Warn("failed to add video frame", "error", err, "timestamp_ms", tsMs)
			}

			frameCount++
			tsMs += uint64(interval / time.Millisecond)

			if frameCount%150 == 0 {
				log.Info("streaming progress", "frames_sent", frameCount, "timestamp_ms", tsMs)
			}
		}

		if !loop {
			return nil
		}
	}
}
