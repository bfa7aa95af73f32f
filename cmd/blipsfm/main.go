// Command blipsfm tracks blips through an image sequence and reconstructs
// a sparse point cloud from each consecutive frame pair.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/blipsfm/internal/config"
	"github.com/banshee-data/blipsfm/internal/db"
	"github.com/banshee-data/blipsfm/internal/monitoring"
	"github.com/banshee-data/blipsfm/internal/timeutil"
	"github.com/banshee-data/blipsfm/internal/version"
	"github.com/banshee-data/blipsfm/internal/vision/export"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
	"github.com/banshee-data/blipsfm/internal/vision/monitor"
	"github.com/banshee-data/blipsfm/internal/vision/mqttsink"
	"github.com/banshee-data/blipsfm/internal/vision/pipeline"
	"github.com/banshee-data/blipsfm/internal/vision/storage/sqlite"
	"github.com/banshee-data/blipsfm/internal/vision/synthetic"
	"github.com/banshee-data/blipsfm/internal/vision/visualiser"
)

type options struct {
	framesDir     string
	synthetic     int
	configPath    string
	dbPath        string
	listen        string
	grpcListen    string
	plotsDir      string
	exportPath    string
	exportLatest  bool
	exportInliers bool
	mqttBroker    string
	mqttPrefix    string
	pace          time.Duration
	serve         bool
	logLevel      string
	showVersion   bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.framesDir, "frames", "", "Directory of image frames, ordered by file name")
	fs.IntVar(&o.synthetic, "synthetic", 0, "Reconstruct a rendered synthetic sequence of N frames instead of -frames")
	fs.StringVar(&o.configPath, "config", "", "Reconstruction config file (.json, .yaml or .yml)")
	fs.StringVar(&o.dbPath, "db", "blipsfm.db", "SQLite database for run history (empty disables)")
	fs.StringVar(&o.listen, "listen", "", "HTTP listen address for the run browser and debug charts (empty disables)")
	fs.StringVar(&o.grpcListen, "grpc-listen", "", "gRPC listen address for live step streaming (empty disables)")
	fs.StringVar(&o.plotsDir, "plots", "", "Directory for per-run PNG plots, under the working or temp directory (empty disables)")
	fs.StringVar(&o.exportPath, "export", "", "Write the point cloud to this .ply or .asc file when the run ends")
	fs.BoolVar(&o.exportLatest, "export-latest", false, "Export only the last reconstructed cloud instead of all of them")
	fs.BoolVar(&o.exportInliers, "export-inliers", true, "Export only points triangulated from pose inliers")
	fs.StringVar(&o.mqttBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	fs.StringVar(&o.mqttPrefix, "mqtt-prefix", "blipsfm", "MQTT topic prefix")
	fs.DurationVar(&o.pace, "pace", 0, "Delay after each frame, to replay at capture rate")
	fs.BoolVar(&o.serve, "serve", false, "Keep the HTTP server running after the run completes")
	fs.StringVar(&o.logLevel, "log-level", "ops", "Log verbosity: quiet, ops, diag or trace")
	fs.BoolVar(&o.showVersion, "version", false, "Print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.showVersion {
		return o, nil
	}
	if (o.framesDir == "") == (o.synthetic <= 0) {
		return nil, errors.New("exactly one of -frames or -synthetic is required")
	}
	if o.synthetic < 0 {
		return nil, fmt.Errorf("-synthetic must be positive, got %d", o.synthetic)
	}
	if o.listen != "" && o.dbPath == "" {
		return nil, errors.New("-listen requires -db")
	}
	if o.pace < 0 {
		return nil, fmt.Errorf("-pace must be non-negative, got %v", o.pace)
	}
	if o.exportPath != "" {
		if _, err := export.FormatForPath(o.exportPath); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if o.showVersion {
		fmt.Println("blipsfm", version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

// openSource builds the frame source and adjusts params to it. A synthetic
// sequence brings its own camera unless the config file sets one.
func openSource(o *options, rc *config.ReconConfig, params *l5recon.Config) (l1frames.FrameSource, string, error) {
	if o.synthetic > 0 {
		sc := synthetic.DefaultSceneConfig()
		sc.Frames = o.synthetic
		if rc.Camera == nil {
			params.Camera = sc.Camera
		}
		scene, err := synthetic.NewScene(sc)
		if err != nil {
			return nil, "", fmt.Errorf("synthetic scene: %w", err)
		}
		return synthetic.NewSource(scene), fmt.Sprintf("synthetic:%d", o.synthetic), nil
	}

	start, end := rc.GetFrameRange()
	src, err := l1frames.NewDirSource(os.DirFS(o.framesDir), l1frames.DirSourceConfig{
		Dir:           ".",
		Start:         start,
		End:           end,
		FrameInterval: rc.GetFrameInterval(),
	})
	if err != nil {
		return nil, "", err
	}
	return src, "dir:" + o.framesDir, nil
}

func run(ctx context.Context, o *options, logOut io.Writer) error {
	level, err := monitoring.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	monitoring.Configure(level, logOut)
	if level == monitoring.LevelQuiet {
		monitoring.SetLogger(nil)
	}

	rc := &config.ReconConfig{}
	if o.configPath != "" {
		if rc, err = config.LoadReconConfig(o.configPath); err != nil {
			return err
		}
		monitoring.Logf("Loaded reconstruction config from %s", o.configPath)
	}
	params := rc.ToParams()

	src, sourceName, err := openSource(o, rc, &params)
	if err != nil {
		return err
	}
	recon, err := l5recon.New(params)
	if err != nil {
		return fmt.Errorf("reconstructor: %w", err)
	}

	runnerOpts := []pipeline.Option{
		pipeline.WithSource(sourceName),
		pipeline.WithConfig(params),
	}
	if o.pace > 0 {
		runnerOpts = append(runnerOpts, pipeline.WithPacing(o.pace, timeutil.RealClock{}))
	}

	var (
		database *db.DB
		store    *sqlite.RunStore
	)
	if o.dbPath != "" {
		if database, err = db.Open(o.dbPath); err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		store = sqlite.NewRunStore(database.DB)
		runnerOpts = append(runnerOpts, pipeline.WithStore(store))
	}

	var sinks []pipeline.StepSink

	var pub *visualiser.Publisher
	if o.grpcListen != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = o.grpcListen
		pub = visualiser.NewPublisher(vcfg)
		if err := pub.Start(); err != nil {
			return fmt.Errorf("visualiser: %w", err)
		}
		defer pub.Stop()
		sinks = append(sinks, pub)
	}

	if o.mqttBroker != "" {
		mcfg := mqttsink.DefaultConfig()
		mcfg.Broker = o.mqttBroker
		mcfg.Prefix = o.mqttPrefix
		ms, err := mqttsink.Connect(mcfg)
		if err != nil {
			return err
		}
		defer ms.Close()
		sinks = append(sinks, ms)
	}

	if o.plotsDir != "" {
		plotter, err := monitor.NewRunPlotter(o.plotsDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, plotter)
	}

	var acc *export.Accumulator
	if o.exportPath != "" {
		acc = export.NewAccumulator(o.exportLatest, o.exportInliers)
		sinks = append(sinks, acc)
	}
	runnerOpts = append(runnerOpts, pipeline.WithSinks(sinks...))

	runner, err := pipeline.NewRunner(recon, runnerOpts...)
	if err != nil {
		return err
	}

	var ws *monitor.WebServer
	if o.listen != "" {
		wcfg := monitor.WebServerConfig{Address: o.listen, Runs: store, DB: database}
		if pub != nil {
			wcfg.Visualiser = pub
		}
		if ws, err = monitor.NewWebServer(wcfg); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if ws != nil {
		g.Go(func() error { return ws.Start(gctx) })
	}
	g.Go(func() error {
		sum, err := runner.Run(gctx, src)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				monitoring.Logf("Run %s interrupted after %d frames", sum.RunID, sum.Frames)
				return nil
			}
			return fmt.Errorf("run %s: %w", sum.RunID, err)
		}
		monitoring.Logf("Run %s: %d frames, %d poses, %d failed poses, %d cloud points in %v",
			sum.RunID, sum.Frames, sum.Poses, sum.PoseFailed, sum.CloudPoints, sum.Elapsed.Round(time.Millisecond))
		if sum.SinkErrors > 0 {
			monitoring.Logf("Run %s: %d sink errors", sum.RunID, sum.SinkErrors)
		}

		if acc != nil {
			if acc.Len() == 0 {
				monitoring.Logf("No points reconstructed; skipping export to %s", o.exportPath)
			} else if err := export.WriteFile(o.exportPath, acc.Points()); err != nil {
				return err
			}
		}

		if ws != nil && o.serve {
			monitoring.Logf("Run complete; serving on %s until interrupted", o.listen)
			return nil
		}
		cancel()
		return nil
	})
	return g.Wait()
}
