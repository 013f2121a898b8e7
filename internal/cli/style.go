package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

type styleOptions struct {
	viewport     string
	segmentation string
	segment      int
}

func (c *CLI) styleCommand() *cobra.Command {
	var opts styleOptions

	cmd := &cobra.Command{
		Use:   "style <kind>",
		Short: "Resolve the display style of a representation kind",
		Long: `Resolves the style of a Labelmap, Contour or Surface representation from
the built-in defaults and the [styles] section of the config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := segmentation.ParseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			r := style.NewResolver(loggerFromContext(cmd.Context()).WithPrefix("style"))
			if err := r.Load(cfg.Styles); err != nil {
				return err
			}
			spec := style.NewSpecifier(opts.viewport, opts.segmentation, kind)
			spec.SegmentIndex = opts.segment
			res, err := r.Resolve(spec)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			p.title(string(kind) + " style")
			for _, name := range sortedProperties(res.Style) {
				p.keyValue(name, formatProperty(res.Style[name]))
			}
			p.keyValue("inactive", fmt.Sprint(res.RenderInactiveSegmentations))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.viewport, "viewport", "", "viewport id")
	cmd.Flags().StringVar(&opts.segmentation, "segmentation", "", "segmentation id")
	cmd.Flags().IntVar(&opts.segment, "segment", style.AllSegments, "segment index (-1 for all segments)")

	return cmd
}

func sortedProperties(s style.Style) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatProperty(v any) string {
	switch v := v.(type) {
	case style.RGB:
		return fmt.Sprintf("rgb(%d, %d, %d)", v[0], v[1], v[2])
	case float64:
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprint(v)
}
