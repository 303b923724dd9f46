package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/LumaPictures/openvdb-render-sub000/control"
	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
	"github.com/LumaPictures/openvdb-render-sub000/core/cache/watch"
	"github.com/LumaPictures/openvdb-render-sub000/core/grid"
	gridhttp "github.com/LumaPictures/openvdb-render-sub000/core/grid/http"
	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
	"github.com/LumaPictures/openvdb-render-sub000/core/testutil"
)

func synthCommand() *command {
	fs := flag.NewFlagSet("synth", flag.ContinueOnError)
	output := fs.StringP("output", "o", "", "grid file to write (required)")
	radius := fs.Int("radius", 32, "sphere radius in voxels")
	voxelSize := fs.Float64("voxel-size", 0.1, "voxel size in world units")

	return &command{
		flags: fs,
		usage: "synth -o <file> [flags]",
		short: "Write a grid file with density, heat, velocity and empty grids",
		exec: func(_ context.Context, e *env, _ []string) error {
			if *output == "" {
				return errors.New("--output is required")
			}
			if *radius <= 0 || *voxelSize <= 0 {
				return errors.New("--radius and --voxel-size must be positive")
			}
			r := *radius
			box := grid.CoordBBox{
				Min: grid.Coord{X: -r, Y: -r, Z: -r},
				Max: grid.Coord{X: r, Y: r, Z: r},
			}
			grids := []*grid.Grid{
				testutil.SphereGrid("density", r, *voxelSize),
				testutil.LinearGrid("heat", box, grid.Vec3{X: 1, Y: 0.5, Z: 0.25}, 0, *voxelSize),
				testutil.VectorGrid("velocity", box, [3]float32{1, 2, 3}),
				testutil.EmptyGrid("empty"),
			}
			if err := grid.WriteFile(*output, grids...); err != nil {
				return err
			}
			e.logger.Info("wrote grid file", "path", *output, "grids", len(grids))
			return nil
		},
	}
}

func sampleCommand() *command {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	gridName := fs.StringP("grid", "g", "density", "grid to sample")
	n := fs.IntP("extents", "n", 64, "lattice resolution per axis")
	repeat := fs.Int("repeat", 2, "number of times to request the volume")
	serveLocalFlag := fs.Bool("serve-local", false, "serve the file over local HTTP and read it through range requests")
	latency := fs.Duration("http-latency", 0, "per-request latency for HTTP sources")
	bps := fs.String("http-bps", "", "bytes/sec throttle for HTTP sources (e.g. 10MBps)")
	watchFile := fs.Bool("watch", false, "resample whenever the file changes, until interrupted")

	return &command{
		flags: fs,
		usage: "sample <file|url> [flags]",
		short: "Sample a grid through the volume cache and report timings",
		exec: func(ctx context.Context, e *env, args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one grid file or URL")
			}
			if *n <= 0 || *repeat <= 0 {
				return errors.New("--extents and --repeat must be positive")
			}

			var bytesPerSecond int64
			if *bps != "" {
				v, err := parseBytesPerSecond(*bps)
				if err != nil {
					return err
				}
				bytesPerSecond = v
			}

			source := args[0]
			if *serveLocalFlag {
				url, stop := serveLocal(source)
				defer stop()
				source = url
			}
			client := newHTTPClient(*latency, bytesPerSecond)
			accessor := grid.NewFileAccessor(grid.WithRemoteOpener(gridhttp.Opener(ctx, gridhttp.WithClient(client))))

			identity, uid, err := grid.Identify(source)
			if err != nil {
				return err
			}
			opts := append(e.cfg.cacheOptions(),
				cache.WithAccessor(accessor),
				cache.WithLogger(e.logger),
				cache.WithProgress(progressLogger(e)),
			)
			if e.registry != nil {
				opts = append(opts, cache.WithRegisterer(e.registry))
			}
			c := cache.New(opts...)
			c.RegisterUsage()
			defer c.UnregisterUsage()

			spec := cache.Spec{
				SourceIdentity: identity,
				SourceUID:      uid,
				GridName:       *gridName,
				Extents:        sampling.Extents{X: *n, Y: *n, Z: *n},
			}
			for range *repeat {
				if err := sampleOnce(ctx, e, c, spec); err != nil {
					return err
				}
			}
			if *watchFile {
				return watchAndSample(ctx, e, c, spec)
			}
			return nil
		},
	}
}

func sampleOnce(ctx context.Context, e *env, c *cache.Cache, spec cache.Spec) error {
	start := time.Now()
	_, hit := c.Lookup(spec)
	vol, ok := c.Get(ctx, spec)
	elapsed := time.Since(start)
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(e.stdout, "grid=%s extents=%s unavailable elapsed=%s\n", spec.GridName, spec.Extents, elapsed)
		return nil
	}

	h := vol.Header
	fmt.Fprintf(e.stdout, "grid=%s extents=%s hit=%t empty=%t precision=%s range=[%g,%g] size=(%g,%g,%g) origin=(%g,%g,%g) elapsed=%s\n",
		spec.GridName, vol.Extents, hit, vol.Empty, vol.Precision,
		h.ValueRange[0], h.ValueRange[1],
		h.WorldSize.X, h.WorldSize.Y, h.WorldSize.Z,
		h.WorldOrigin.X, h.WorldOrigin.Y, h.WorldOrigin.Z,
		elapsed)

	res, err := control.Exec(c, []string{"--limit"})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, res.Text)
	return nil
}

func watchAndSample(ctx context.Context, e *env, c *cache.Cache, spec cache.Spec) error {
	changed := make(chan struct{}, 1)
	w, err := watch.New(c, watch.WithLogger(e.logger), watch.WithNotify(func(string, int) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(spec.SourceIdentity); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	e.logger.Info("watching source", "path", spec.SourceIdentity)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case <-changed:
			_, uid, err := grid.Identify(spec.SourceIdentity)
			if err != nil {
				e.logger.Warn("source unavailable", "path", spec.SourceIdentity, "error", err)
				continue
			}
			spec.SourceUID = uid
			if err := sampleOnce(ctx, e, c, spec); err != nil {
				return err
			}
		}
	}
}

// progressLogger logs fill stages and every tenth sampling percent.
func progressLogger(e *env) cache.ProgressFunc {
	return func(ev cache.ProgressEvent) {
		switch {
		case ev.Stage != cache.StageSampling:
			e.logger.Debug("fill", "stage", ev.Stage.String(), "spec", ev.Spec.String())
		case ev.Percent%10 == 0:
			e.logger.Info("sampling", "spec", ev.Spec.String(), "percent", ev.Percent,
				"samples", ev.SamplesDone, "total", ev.SamplesTotal)
		}
	}
}

func cacheCommand() *command {
	// No flag set: arguments are handed to the cache command untouched.
	return &command{
		usage: "cache [-e|-q] [--limit [<gb>]] [--voxel-type [half|float]]",
		short: "Edit, query or describe the configured volume cache",
		exec: func(_ context.Context, e *env, args []string) error {
			c := cache.New(append(e.cfg.cacheOptions(), cache.WithLogger(e.logger))...)
			res, err := control.Exec(c, args)
			if err != nil {
				return fmt.Errorf("%w\n%s", err, control.Usage)
			}
			if res.Mode == control.ModeEdit {
				fmt.Fprintf(e.stdout, "limit=%s voxel-type=%s\n",
					control.FormatBytes(c.MemoryLimitBytes()), c.VoxelPrecision())
				return nil
			}
			fmt.Fprintln(e.stdout, strings.TrimSpace(res.Text))
			return nil
		},
	}
}
