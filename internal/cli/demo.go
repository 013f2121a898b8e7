package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/matzehuels/segrep/pkg/config"
	"github.com/matzehuels/segrep/pkg/convert"
	"github.com/matzehuels/segrep/pkg/engine"
	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/geometry"
	"github.com/matzehuels/segrep/pkg/render"
	"github.com/matzehuels/segrep/pkg/render/svg"
	"github.com/matzehuels/segrep/pkg/segmentation"
)

type demoOptions struct {
	size   int
	radius float64
	out    string
}

// demoReport summarizes one run of the round trip.
type demoReport struct {
	SegmentationID string
	Voxels         int
	Triangles      int
	Annotations    int
	Recovered      int
	Dice           float64
	Frames         int
	// Documents maps each step to the SVG of the middle slice after it.
	Documents map[segmentation.Kind][]byte
	Elapsed   time.Duration
}

func (c *CLI) demoCommand() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Convert a synthetic sphere through every representation",
		Long: `Builds a spherical labelmap, derives its surface mesh, clips the surface
into per-slice contours and rasterizes the contours back into a labelmap.
Every step is rendered into a headless axial SVG viewport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			p := newPrinter(cmd.OutOrStdout())

			sp := newSpinner(ctx, cmd.ErrOrStderr(), "Converting representations...")
			sp.Start()
			report, err := runDemo(ctx, cfg, opts)
			sp.Stop()
			if err != nil {
				p.errorf("demo failed: %v", err)
				return err
			}
			printDemo(p, report)

			if opts.out != "" {
				paths, err := writeDocuments(opts.out, report.Documents)
				if err != nil {
					return err
				}
				for _, path := range paths {
					p.file(path)
				}
			} else {
				p.nextStep("Write the slices", appName+" demo --out ./slices")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.size, "size", 32, "grid size in voxels along each axis")
	cmd.Flags().Float64Var(&opts.radius, "radius", 0, "sphere radius in voxels (default size/3)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "directory for the rendered SVG slices")

	return cmd
}

// runDemo runs labelmap → surface → contour → labelmap on a fresh engine
// driven by manual frames.
func runDemo(ctx context.Context, cfg config.Config, opts demoOptions) (*demoReport, error) {
	if opts.size < 4 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "grid size must be at least 4, got %d", opts.size)
	}
	radius := opts.radius
	if radius == 0 {
		radius = float64(opts.size) / 3
	}
	if radius < 0 || radius > float64(opts.size)/2 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "radius %.1f does not fit a %d voxel grid", radius, opts.size)
	}

	logger := loggerFromContext(ctx)
	prog := newProgress(logger)

	frames := render.NewManualFrames()
	e, err := newEngine(ctx, cfg, engine.WithFrames(frames))
	if err != nil {
		return nil, err
	}
	defer e.Close()

	renderer := svg.NewRenderer()
	for _, kind := range segmentation.Kinds {
		if err := e.Scheduler.SetRenderer(kind, renderer); err != nil {
			return nil, err
		}
	}

	g := geometry.VolumeGeometry{
		Dimensions: [3]int{opts.size, opts.size, opts.size},
		Spacing:    r3.Vec{X: 1, Y: 1, Z: 1},
		Direction:  geometry.IdentityDirection,
	}
	vp := svg.NewViewport("demo-axial", g)
	if err := e.RegisterViewport(vp); err != nil {
		return nil, err
	}

	source := sphere(g, radius)
	report := &demoReport{
		SegmentationID: segmentation.NewID(),
		Voxels:         source.VoxelCounts()[1],
		Documents:      make(map[segmentation.Kind][]byte),
	}
	id := report.SegmentationID
	if err := e.Store.AddRepresentationData(id, segmentation.Labelmap, source); err != nil {
		return nil, err
	}
	if err := e.Store.SetSegmentLabel(id, 1, "sphere"); err != nil {
		return nil, err
	}

	step := func(kind segmentation.Kind) error {
		if err := e.Show(vp.ID(), id, kind, true); err != nil {
			return err
		}
		for _, other := range segmentation.Kinds {
			if other != kind && e.Store.RemoveAssociation(vp.ID(), id, other) {
				vp.RemoveActor(svg.ActorID(id, other))
			}
		}
		e.Scheduler.RenderSegmentationsForViewport(vp.ID())
		for frames.Pending() > 0 {
			frames.Step()
			report.Frames++
		}
		report.Documents[kind] = vp.SVG()
		return nil
	}
	if err := step(segmentation.Labelmap); err != nil {
		return nil, err
	}

	target := convert.Options{Viewport: vp}
	data, err := e.Convert(ctx, id, segmentation.Surface, target)
	if err != nil {
		return nil, err
	}
	for _, s := range data.(*segmentation.SurfaceData).Surfaces {
		report.Triangles += len(s.Mesh.Triangles)
	}
	logger.Debug("surface ready", "triangles", report.Triangles)
	if err := step(segmentation.Surface); err != nil {
		return nil, err
	}

	if data, err = e.Convert(ctx, id, segmentation.Contour, target); err != nil {
		return nil, err
	}
	report.Annotations = len(data.(*segmentation.ContourData).Annotations)
	logger.Debug("contours ready", "annotations", report.Annotations)
	if err := step(segmentation.Contour); err != nil {
		return nil, err
	}

	if data, err = e.Convert(ctx, id, segmentation.Labelmap, target); err != nil {
		return nil, err
	}
	recovered := data.(*segmentation.LabelmapData)
	report.Recovered = recovered.VoxelCounts()[1]
	report.Dice = dice(source.Voxels, recovered.Voxels, 1)
	// The labelmap step re-renders the recovered labelmap.
	if err := step(segmentation.Labelmap); err != nil {
		return nil, err
	}

	report.Elapsed = prog.elapsed()
	prog.done("Round trip complete")
	return report, nil
}

// sphere returns a volume labelmap with label 1 inside radius of the grid center.
func sphere(g geometry.VolumeGeometry, radius float64) *segmentation.LabelmapData {
	lm := segmentation.NewVolumeLabelmap(g)
	c := r3.Vec{
		X: float64(g.Dimensions[0]-1) / 2,
		Y: float64(g.Dimensions[1]-1) / 2,
		Z: float64(g.Dimensions[2]-1) / 2,
	}
	for k := 0; k < g.Dimensions[2]; k++ {
		for j := 0; j < g.Dimensions[1]; j++ {
			for i := 0; i < g.Dimensions[0]; i++ {
				p := r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}
				if r3.Norm(r3.Sub(p, c)) <= radius {
					lm.Voxels[g.Offset(i, j, k)] = 1
				}
			}
		}
	}
	return lm
}

// dice returns the Dice overlap coefficient of label in a and b.
func dice(a, b []uint8, label uint8) float64 {
	var na, nb, both int
	for i := range a {
		inA := a[i] == label
		inB := i < len(b) && b[i] == label
		if inA {
			na++
		}
		if inB {
			nb++
		}
		if inA && inB {
			both++
		}
	}
	if na+nb == 0 {
		return 1
	}
	return 2 * float64(both) / float64(na+nb)
}

func printDemo(p printer, r *demoReport) {
	p.success("Round trip of segmentation %s", r.SegmentationID)
	p.stats(
		stat{r.Voxels, "source voxels"},
		stat{r.Triangles, "triangles"},
		stat{r.Annotations, "contours"},
		stat{r.Recovered, "recovered voxels"},
		stat{r.Frames, "frames"},
	)
	p.keyValue("dice", fmt.Sprintf("%.4f", r.Dice))
	p.keyValue("elapsed", r.Elapsed.String())
	if r.Dice < 0.9 {
		p.warning("recovered labelmap deviates from the source")
	}
}

// writeDocuments writes one SVG per step into dir.
func writeDocuments(dir string, docs map[segmentation.Kind][]byte) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	var paths []string
	for _, kind := range segmentation.Kinds {
		doc, ok := docs[kind]
		if !ok {
			continue
		}
		path := filepath.Join(dir, strings.ToLower(string(kind))+".svg")
		if err := os.WriteFile(path, doc, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
